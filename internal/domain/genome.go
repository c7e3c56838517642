package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Standard performance metric names reported by backtesters.
const (
	MetricTotalReturn = "total_return"
	MetricSharpeRatio = "sharpe_ratio"
	MetricMaxDrawdown = "max_drawdown"
	MetricWinRate     = "win_rate"
	MetricTrades      = "trades"
)

// FailedFitness is the sentinel written into a failed genome's primary and
// ranking metrics. It is worse than any real backtest outcome.
const FailedFitness = -999.0

// Performance holds the metrics of an evaluated genome.
type Performance map[string]float64

// Clone returns a copy of the performance map.
func (p Performance) Clone() Performance {
	if p == nil {
		return nil
	}
	out := make(Performance, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Genome is one candidate parameter set for a strategy type.
type Genome struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	StrategyType string      `json:"strategy_type"`
	Parameters   Parameters  `json:"parameters"`
	Performance  Performance `json:"performance,omitempty"`
	EvalError    string      `json:"eval_error,omitempty"`
	Generation   int         `json:"generation"`
	ParentIDs    []uuid.UUID `json:"parent_ids"`
	CreatedAt    time.Time   `json:"created_at"`
}

// NewGenome creates a new unevaluated Genome with a generated UUID.
func NewGenome(strategyType string, params Parameters, generation int, parents ...uuid.UUID) *Genome {
	id := uuid.New()
	parentIDs := make([]uuid.UUID, len(parents))
	copy(parentIDs, parents)
	return &Genome{
		ID:           id,
		Name:         GenomeName(strategyType, generation, id),
		StrategyType: strategyType,
		Parameters:   params,
		Generation:   generation,
		ParentIDs:    parentIDs,
		CreatedAt:    time.Now().UTC(),
	}
}

// GenomeName builds the display name of a genome.
func GenomeName(strategyType string, generation int, id uuid.UUID) string {
	return fmt.Sprintf("%s_gen%d_%s", strategyType, generation, id.String()[:8])
}

// IsEvaluated returns true once a backtest outcome (success or failure) has
// been attached.
func (g *Genome) IsEvaluated() bool {
	return g.Performance != nil
}

// Failed returns true if the last evaluation of the genome failed.
func (g *Genome) Failed() bool {
	return g.EvalError != ""
}

// Fitness returns the named metric. An unevaluated genome scores negative
// infinity; an evaluated genome that does not report the metric scores
// FailedFitness.
func (g *Genome) Fitness(metric string) float64 {
	if g == nil || g.Performance == nil {
		return math.Inf(-1)
	}
	v, ok := g.Performance[metric]
	if !ok {
		return FailedFitness
	}
	return v
}

// RanksAbove reports whether g sorts before other on metric. On equal
// fitness a successful genome sorts before a failed one.
func (g *Genome) RanksAbove(other *Genome, metric string) bool {
	fg, fo := g.Fitness(metric), other.Fitness(metric)
	if fg != fo {
		return fg > fo
	}
	return !g.Failed() && other.Failed()
}

// MarkSucceeded attaches the performance of a successful backtest.
func (g *Genome) MarkSucceeded(perf Performance) {
	g.Performance = perf.Clone()
	if g.Performance == nil {
		g.Performance = Performance{}
	}
	g.EvalError = ""
}

// MarkFailed attaches the sentinel failure marker.
func (g *Genome) MarkFailed(msg string, metrics ...string) {
	g.Performance = Performance{MetricTotalReturn: FailedFitness}
	for _, m := range metrics {
		g.Performance[m] = FailedFitness
	}
	if msg == "" {
		msg = "unknown error"
	}
	g.EvalError = msg
}

// Clone returns a deep copy of the genome.
func (g *Genome) Clone() *Genome {
	if g == nil {
		return nil
	}
	out := *g
	out.Parameters = g.Parameters.Clone()
	out.Performance = g.Performance.Clone()
	out.ParentIDs = make([]uuid.UUID, len(g.ParentIDs))
	copy(out.ParentIDs, g.ParentIDs)
	return &out
}

// CloneGenomes deep-copies a slice of genomes.
func CloneGenomes(genomes []*Genome) []*Genome {
	out := make([]*Genome, len(genomes))
	for i, g := range genomes {
		out[i] = g.Clone()
	}
	return out
}
