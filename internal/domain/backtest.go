package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// BacktestConfig describes the market window a generation is evaluated on.
type BacktestConfig struct {
	AssetClass     string  `json:"asset_class" yaml:"asset_class"`
	Symbol         string  `json:"symbol" yaml:"symbol"`
	StartDate      string  `json:"start_date" yaml:"start_date"`
	EndDate        string  `json:"end_date" yaml:"end_date"`
	Interval       string  `json:"interval" yaml:"interval"`
	InitialCapital float64 `json:"initial_capital" yaml:"initial_capital"`
	CommissionPct  float64 `json:"commission_pct" yaml:"commission_pct"`
	SlippagePct    float64 `json:"slippage_pct" yaml:"slippage_pct"`
}

// Validate checks the required fields of the config.
func (c BacktestConfig) Validate() error {
	switch {
	case c.AssetClass == "":
		return fmt.Errorf("%w: asset_class is required", ErrInvalidInput)
	case c.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidInput)
	case c.StartDate == "" || c.EndDate == "":
		return fmt.Errorf("%w: start_date and end_date are required", ErrInvalidInput)
	case c.InitialCapital < 0:
		return fmt.Errorf("%w: initial_capital must be non-negative", ErrInvalidInput)
	}
	return nil
}

// Timerange returns the window formatted as start-end.
func (c BacktestConfig) Timerange() string {
	return c.StartDate + "-" + c.EndDate
}

// BacktestResult is the outcome of backtesting one genome.
type BacktestResult struct {
	GenomeID     uuid.UUID    `json:"genome_id"`
	Status       ResultStatus `json:"status"`
	Performance  Performance  `json:"performance,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// SuccessResult returns a successful result.
func SuccessResult(id uuid.UUID, perf Performance) *BacktestResult {
	return &BacktestResult{GenomeID: id, Status: ResultStatusSuccess, Performance: perf}
}

// ErrorResult returns a failed result carrying msg.
func ErrorResult(id uuid.UUID, msg string) *BacktestResult {
	return &BacktestResult{GenomeID: id, Status: ResultStatusError, ErrorMessage: msg}
}

// Succeeded returns true if the backtest completed successfully.
func (r *BacktestResult) Succeeded() bool {
	return r != nil && r.Status == ResultStatusSuccess
}
