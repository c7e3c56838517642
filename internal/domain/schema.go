package domain

import (
	"fmt"
	"math"
)

// ParamType is the declared type of a strategy parameter.
type ParamType string

const (
	ParamTypeInt         ParamType = "int"
	ParamTypeFloat       ParamType = "float"
	ParamTypeBool        ParamType = "bool"
	ParamTypeString      ParamType = "string"
	ParamTypeCategorical ParamType = "categorical"
)

// IsValid returns true if the type is a known ParamType.
func (t ParamType) IsValid() bool {
	switch t {
	case ParamTypeInt, ParamTypeFloat, ParamTypeBool, ParamTypeString, ParamTypeCategorical:
		return true
	default:
		return false
	}
}

// IsNumeric returns true for int and float parameters.
func (t ParamType) IsNumeric() bool {
	return t == ParamTypeInt || t == ParamTypeFloat
}

// String returns the string representation of the type.
func (t ParamType) String() string {
	return string(t)
}

// ParameterSpec is the declared schema of one strategy parameter.
type ParameterSpec struct {
	Type    ParamType `json:"type" yaml:"type"`
	Min     *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Default *Value    `json:"default,omitempty" yaml:"-"`
	Choices []Value   `json:"choices,omitempty" yaml:"-"`
}

// HasRange returns true when both bounds are declared.
func (s ParameterSpec) HasRange() bool {
	return s.Min != nil && s.Max != nil
}

// Schema maps parameter names to their declared specs.
type Schema map[string]ParameterSpec

// SpaceKind identifies the shape of a ParameterSpaceEntry.
type SpaceKind string

const (
	SpaceRange   SpaceKind = "range"
	SpaceChoices SpaceKind = "choices"
	SpaceFixed   SpaceKind = "fixed"
)

// ParameterSpaceEntry is the evolvable domain of one parameter: an inclusive
// numeric range, an enumerated list, or a single fixed value.
type ParameterSpaceEntry struct {
	Kind    SpaceKind `json:"kind"`
	Type    ParamType `json:"type,omitempty"`
	Min     float64   `json:"min,omitempty"`
	Max     float64   `json:"max,omitempty"`
	Choices []Value   `json:"choices,omitempty"`
	Fixed   Value     `json:"fixed,omitempty"`
}

// RangeSpace returns an inclusive numeric range entry.
func RangeSpace(t ParamType, min, max float64) ParameterSpaceEntry {
	return ParameterSpaceEntry{Kind: SpaceRange, Type: t, Min: min, Max: max}
}

// ChoiceSpace returns an enumerated entry.
func ChoiceSpace(choices ...Value) ParameterSpaceEntry {
	return ParameterSpaceEntry{Kind: SpaceChoices, Choices: choices}
}

// FixedSpace returns a single-value entry.
func FixedSpace(v Value) ParameterSpaceEntry {
	return ParameterSpaceEntry{Kind: SpaceFixed, Fixed: v}
}

// Validate checks that the entry is internally consistent.
func (e ParameterSpaceEntry) Validate(name string) error {
	switch e.Kind {
	case SpaceRange:
		if !e.Type.IsNumeric() {
			return NewConfigurationError(name, "range requires an int or float type")
		}
		if math.IsNaN(e.Min) || math.IsNaN(e.Max) || e.Min > e.Max {
			return NewConfigurationError(name, fmt.Sprintf("invalid range [%v, %v]", e.Min, e.Max))
		}
		if e.Type == ParamTypeInt && math.Ceil(e.Min) > math.Floor(e.Max) {
			return NewConfigurationError(name, fmt.Sprintf("range [%v, %v] contains no integer", e.Min, e.Max))
		}
	case SpaceChoices:
		if len(e.Choices) == 0 {
			return NewConfigurationError(name, "choices must not be empty")
		}
	case SpaceFixed:
		if !e.Fixed.Kind.IsValid() {
			return NewConfigurationError(name, "fixed value is missing")
		}
	default:
		return NewConfigurationError(name, fmt.Sprintf("unknown space kind %q", e.Kind))
	}
	return nil
}

// Contains reports whether v lies inside the entry's domain.
func (e ParameterSpaceEntry) Contains(v Value) bool {
	switch e.Kind {
	case SpaceRange:
		if !v.IsNumeric() {
			return false
		}
		f := v.AsFloat()
		return f >= e.Min && f <= e.Max
	case SpaceChoices:
		for _, c := range e.Choices {
			if c.Equal(v) {
				return true
			}
		}
		return false
	case SpaceFixed:
		return e.Fixed.Equal(v)
	default:
		return false
	}
}

// ParameterSpace maps parameter names to their evolvable domains.
type ParameterSpace map[string]ParameterSpaceEntry
