package genetic

import (
	"math"
	"math/rand"

	"github.com/saltfish/freqevolve/internal/domain"
)

const (
	// rouletteOffset shifts fitness so that typical negative returns still
	// get a positive weight.
	rouletteOffset    = 100.0
	rouletteMinWeight = 0.01

	minFloatMagnitude = 1e-4
	minIntMagnitude   = 1
	perturbLow        = 0.1
	perturbHigh       = 0.3
)

// Operators applies selection, crossover and mutation. It is not safe for
// concurrent use; the evolution controller drives it sequentially.
type Operators struct {
	rng                     *rand.Rand
	fitnessMetric           string
	geneMutationProbability float64
}

// NewOperators creates operators ranking by fitnessMetric and mutating each
// gene with geneProb.
func NewOperators(rng *rand.Rand, fitnessMetric string, geneProb float64) *Operators {
	if fitnessMetric == "" {
		fitnessMetric = domain.MetricTotalReturn
	}
	return &Operators{
		rng:                     rng,
		fitnessMetric:           fitnessMetric,
		geneMutationProbability: geneProb,
	}
}

// Select picks one parent with the given method.
func (o *Operators) Select(pop []*domain.Genome, method domain.SelectionMethod, tournamentSize int) *domain.Genome {
	if method == domain.SelectionRoulette {
		picked := o.RouletteSelect(pop, 1)
		if len(picked) == 0 {
			return nil
		}
		return picked[0]
	}
	return o.TournamentSelect(pop, tournamentSize)
}

// TournamentSelect samples min(size, len(pop)) genomes without replacement
// and returns the fittest. Unevaluated genomes rank last.
func (o *Operators) TournamentSelect(pop []*domain.Genome, size int) *domain.Genome {
	n := len(pop)
	if n == 0 {
		return nil
	}
	if size < 1 {
		size = 1
	}
	if size > n {
		size = n
	}

	idx := o.rng.Perm(n)[:size]
	best := pop[idx[0]]
	for _, i := range idx[1:] {
		if pop[i].Fitness(o.fitnessMetric) > best.Fitness(o.fitnessMetric) {
			best = pop[i]
		}
	}
	return best
}

// RouletteSelect draws count genomes with probability proportional to
// max(0.01, fitness+100).
func (o *Operators) RouletteSelect(pop []*domain.Genome, count int) []*domain.Genome {
	n := len(pop)
	if n == 0 || count <= 0 {
		return nil
	}

	weights := make([]float64, n)
	var total float64
	for i, g := range pop {
		w := g.Fitness(o.fitnessMetric) + rouletteOffset
		if math.IsNaN(w) || w < rouletteMinWeight {
			w = rouletteMinWeight
		}
		weights[i] = w
		total += w
	}

	selected := make([]*domain.Genome, 0, count)
	for c := 0; c < count; c++ {
		r := o.rng.Float64()
		cum := 0.0
		pick := n - 1
		for i, w := range weights {
			cum += w / total
			if r < cum {
				pick = i
				break
			}
		}
		selected = append(selected, pop[pick])
	}
	return selected
}

// Crossover builds a child from two parents. Parameters present in both
// parents are blended when numeric (half of the time) or copied from a
// random parent; parameters present in only one parent are copied as is.
func (o *Operators) Crossover(p1, p2 *domain.Genome, generation int) *domain.Genome {
	params := make(domain.Parameters, len(p1.Parameters)+len(p2.Parameters))

	for _, name := range unionNames(p1.Parameters, p2.Parameters) {
		a, inA := p1.Parameters[name]
		b, inB := p2.Parameters[name]

		switch {
		case inA && !inB:
			params[name] = a.Clone()
		case inB && !inA:
			params[name] = b.Clone()
		case a.IsNumeric() && b.IsNumeric() && o.rng.Float64() < 0.5:
			alpha := o.rng.Float64()
			blended := alpha*a.AsFloat() + (1-alpha)*b.AsFloat()
			if a.Kind == domain.KindInt {
				params[name] = domain.IntValue(int64(math.Round(blended)))
			} else {
				params[name] = domain.FloatValue(blended)
			}
		case o.rng.Float64() < 0.5:
			params[name] = a.Clone()
		default:
			params[name] = b.Clone()
		}
	}

	return domain.NewGenome(p1.StrategyType, params, generation, p1.ID, p2.ID)
}

// Mutate perturbs each parameter of g in place with the gene mutation
// probability and returns the number of mutated parameters.
func (o *Operators) Mutate(g *domain.Genome) int {
	mutated := 0
	for _, name := range g.Parameters.Names() {
		if o.rng.Float64() >= o.geneMutationProbability {
			continue
		}
		v := g.Parameters[name]
		nv, ok := o.mutateValue(v)
		if !ok {
			continue
		}
		g.Parameters[name] = nv
		mutated++
	}
	return mutated
}

func (o *Operators) mutateValue(v domain.Value) (domain.Value, bool) {
	switch v.Kind {
	case domain.KindInt:
		mag := int64(math.Round(math.Abs(float64(v.Int)) * o.perturbFactor()))
		if mag < minIntMagnitude {
			mag = minIntMagnitude
		}
		next := v.Int + o.sign()*mag
		if next < minIntMagnitude {
			next = minIntMagnitude
		}
		return domain.IntValue(next), true
	case domain.KindFloat:
		mag := math.Abs(v.Float) * o.perturbFactor()
		if mag < minFloatMagnitude {
			mag = minFloatMagnitude
		}
		next := v.Float + float64(o.sign())*mag
		if next < minFloatMagnitude {
			next = minFloatMagnitude
		}
		return domain.FloatValue(next), true
	case domain.KindBool:
		return domain.BoolValue(!v.Bool), true
	case domain.KindList:
		// The list collapses to one of its own elements.
		if len(v.List) == 0 {
			return v, false
		}
		return v.List[o.rng.Intn(len(v.List))].Clone(), true
	default:
		return v, false
	}
}

func (o *Operators) perturbFactor() float64 {
	return perturbLow + o.rng.Float64()*(perturbHigh-perturbLow)
}

func (o *Operators) sign() int64 {
	if o.rng.Intn(2) == 0 {
		return -1
	}
	return 1
}

func unionNames(a, b domain.Parameters) []string {
	merged := make(domain.Parameters, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	return merged.Names()
}
