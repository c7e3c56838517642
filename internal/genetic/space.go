// Package genetic implements parameter space sampling and the selection,
// crossover and mutation operators of the evolution loop.
package genetic

import (
	"math"
	"math/rand"
	"sort"

	"github.com/saltfish/freqevolve/internal/domain"
)

// BuildSpace derives the evolvable parameter space from a schema. For each
// parameter the first applicable rule wins: an override entry, a coin flip
// for booleans, the declared numeric range, the declared choices, and
// finally the default as a fixed value. Override names absent from the
// schema are added as extra parameters.
func BuildSpace(schema domain.Schema, overrides domain.ParameterSpace) (domain.ParameterSpace, error) {
	space := make(domain.ParameterSpace, len(schema)+len(overrides))

	for _, name := range sortedNames(schema, overrides) {
		if entry, ok := overrides[name]; ok {
			if err := entry.Validate(name); err != nil {
				return nil, err
			}
			space[name] = entry
			continue
		}

		spec := schema[name]
		switch {
		case spec.Type == domain.ParamTypeBool:
			space[name] = domain.ChoiceSpace(domain.BoolValue(true), domain.BoolValue(false))
		case spec.Type.IsNumeric() && spec.HasRange():
			entry := domain.RangeSpace(spec.Type, *spec.Min, *spec.Max)
			if err := entry.Validate(name); err != nil {
				return nil, err
			}
			space[name] = entry
		case len(spec.Choices) > 0:
			space[name] = domain.ChoiceSpace(spec.Choices...)
		case spec.Default != nil:
			space[name] = domain.FixedSpace(spec.Default.Clone())
		default:
			return nil, domain.NewConfigurationError(name, "parameter has no default and no evolvable range")
		}
	}

	return space, nil
}

// Sample draws one parameter set from the space.
func Sample(space domain.ParameterSpace, rng *rand.Rand) domain.Parameters {
	params := make(domain.Parameters, len(space))
	names := make([]string, 0, len(space))
	for name := range space {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		params[name] = sampleEntry(space[name], rng)
	}
	return params
}

func sampleEntry(e domain.ParameterSpaceEntry, rng *rand.Rand) domain.Value {
	switch e.Kind {
	case domain.SpaceRange:
		if e.Type == domain.ParamTypeInt {
			lo := int64(math.Ceil(e.Min))
			hi := int64(math.Floor(e.Max))
			return domain.IntValue(lo + rng.Int63n(hi-lo+1))
		}
		return domain.FloatValue(e.Min + rng.Float64()*(e.Max-e.Min))
	case domain.SpaceChoices:
		return e.Choices[rng.Intn(len(e.Choices))].Clone()
	default:
		return e.Fixed.Clone()
	}
}

func sortedNames(schema domain.Schema, overrides domain.ParameterSpace) []string {
	seen := make(map[string]struct{}, len(schema)+len(overrides))
	for name := range schema {
		seen[name] = struct{}{}
	}
	for name := range overrides {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
