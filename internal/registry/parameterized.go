package registry

import (
	"fmt"

	"github.com/saltfish/freqevolve/internal/domain"
)

// ParameterizedStrategy is the generic strategy built for schema-only
// registrations. Signal logic lives in the external backtester; this value
// only carries the type and the checked parameter set.
type ParameterizedStrategy struct {
	strategyType string
	params       domain.Parameters
}

// Type returns the strategy type.
func (s *ParameterizedStrategy) Type() string {
	return s.strategyType
}

// Parameters returns a copy of the parameter set.
func (s *ParameterizedStrategy) Parameters() domain.Parameters {
	return s.params.Clone()
}

// ParameterizedFactory returns a factory that checks every declared
// parameter against its schema type. Bounds are not enforced since
// mutation may step past them.
func ParameterizedFactory(strategyType string, schema domain.Schema) Factory {
	return func(params domain.Parameters) (Strategy, error) {
		for name, spec := range schema {
			v, ok := params[name]
			if !ok {
				continue
			}
			if err := checkValue(spec, v); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", strategyType, name, err)
			}
		}
		return &ParameterizedStrategy{strategyType: strategyType, params: params.Clone()}, nil
	}
}

func checkValue(spec domain.ParameterSpec, v domain.Value) error {
	switch spec.Type {
	case domain.ParamTypeInt, domain.ParamTypeFloat:
		if !v.IsNumeric() {
			return fmt.Errorf("%w: expected %s, got %s", domain.ErrInvalidInput, spec.Type, v.Kind)
		}
	case domain.ParamTypeBool:
		if v.Kind != domain.KindBool {
			return fmt.Errorf("%w: expected bool, got %s", domain.ErrInvalidInput, v.Kind)
		}
	}
	return nil
}
