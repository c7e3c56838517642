// Package domain contains the core domain models for freqevolve.
package domain

// ResultStatus represents the outcome of a single backtest.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusError   ResultStatus = "error"
)

// IsValid returns true if the status is a valid ResultStatus.
func (s ResultStatus) IsValid() bool {
	return s == ResultStatusSuccess || s == ResultStatusError
}

// String returns the string representation of the status.
func (s ResultStatus) String() string {
	return string(s)
}

// ResultStatusFromString converts a string to ResultStatus. Unknown values
// are treated as errors.
func ResultStatusFromString(s string) ResultStatus {
	status := ResultStatus(s)
	if status.IsValid() {
		return status
	}
	return ResultStatusError
}

// SelectionMethod represents the parent selection strategy.
type SelectionMethod string

const (
	SelectionTournament SelectionMethod = "tournament"
	SelectionRoulette   SelectionMethod = "roulette"
)

// IsValid returns true if the method is a valid SelectionMethod.
func (m SelectionMethod) IsValid() bool {
	switch m {
	case SelectionTournament, SelectionRoulette:
		return true
	default:
		return false
	}
}

// String returns the string representation of the method.
func (m SelectionMethod) String() string {
	return string(m)
}
