package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/saltfish/freqevolve/internal/domain"
)

// schemaFile is the YAML layout of a strategy schema file:
//
//	strategies:
//	  sma_cross:
//	    description: moving average crossover
//	    parameters:
//	      fast_period: {type: int, min: 5, max: 50, default: 10}
//	      use_volume:  {type: bool, default: true}
//	      ma_kind:     {type: categorical, choices: [ema, sma], default: ema}
type schemaFile struct {
	Strategies map[string]strategyEntry `yaml:"strategies"`
}

type strategyEntry struct {
	Description string                    `yaml:"description"`
	Parameters  map[string]parameterEntry `yaml:"parameters"`
}

type parameterEntry struct {
	Type    domain.ParamType `yaml:"type"`
	Min     *float64         `yaml:"min"`
	Max     *float64         `yaml:"max"`
	Default interface{}      `yaml:"default"`
	Choices []interface{}    `yaml:"choices"`
}

// LoadFile registers every strategy declared in a YAML schema file with the
// generic parameterized factory. It returns the registered types.
func (r *Registry) LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy schemas: %w", err)
	}
	return r.LoadYAML(data)
}

// LoadYAML registers the strategies of a YAML schema document.
func (r *Registry) LoadYAML(data []byte) ([]string, error) {
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse strategy schemas: %w", err)
	}

	types := make([]string, 0, len(file.Strategies))
	for t := range file.Strategies {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		entry := file.Strategies[t]
		schema := make(domain.Schema, len(entry.Parameters))
		for name, p := range entry.Parameters {
			spec, err := p.toSpec()
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t, name, err)
			}
			schema[name] = spec
		}
		if err := r.Register(Definition{Type: t, Description: entry.Description, Schema: schema}); err != nil {
			return nil, err
		}
	}

	return types, nil
}

func (p parameterEntry) toSpec() (domain.ParameterSpec, error) {
	spec := domain.ParameterSpec{Type: p.Type, Min: p.Min, Max: p.Max}
	if spec.Type == "" {
		spec.Type = inferType(p)
	}

	if p.Default != nil {
		v, err := domain.ValueFromInterface(p.Default)
		if err != nil {
			return spec, err
		}
		v = v.Coerce(spec.Type)
		spec.Default = &v
	}

	for _, raw := range p.Choices {
		v, err := domain.ValueFromInterface(raw)
		if err != nil {
			return spec, err
		}
		spec.Choices = append(spec.Choices, v.Coerce(spec.Type))
	}

	return spec, nil
}

func inferType(p parameterEntry) domain.ParamType {
	switch {
	case len(p.Choices) > 0:
		return domain.ParamTypeCategorical
	case p.Default != nil:
		switch p.Default.(type) {
		case int:
			return domain.ParamTypeInt
		case float64:
			return domain.ParamTypeFloat
		case bool:
			return domain.ParamTypeBool
		case string:
			return domain.ParamTypeString
		}
	}
	return domain.ParamTypeFloat
}
