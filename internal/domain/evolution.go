package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// EvolutionConfig holds the genetic algorithm settings of a run. It is not
// modified once a run has started.
type EvolutionConfig struct {
	PopulationSize         int             `json:"population_size" yaml:"population_size"`
	Generations            int             `json:"generations" yaml:"generations"`
	MutationRate           float64         `json:"mutation_rate" yaml:"mutation_rate"`
	CrossoverRate          float64         `json:"crossover_rate" yaml:"crossover_rate"`
	EliteSize              int             `json:"elite_size" yaml:"elite_size"`
	SelectionMethod        SelectionMethod `json:"selection_method" yaml:"selection_method"`
	TournamentSize         int             `json:"tournament_size" yaml:"tournament_size"`
	AutoPromotionThreshold float64         `json:"auto_promotion_threshold" yaml:"auto_promotion_threshold"`
	MaxParallelWorkers     int             `json:"max_parallel_workers" yaml:"max_parallel_workers"`

	ParallelEvaluation      bool          `json:"parallel_evaluation" yaml:"parallel_evaluation"`
	FitnessMetric           string        `json:"fitness_metric" yaml:"fitness_metric"`
	RankingMetric           string        `json:"ranking_metric" yaml:"ranking_metric"`
	GeneMutationProbability float64       `json:"gene_mutation_probability" yaml:"gene_mutation_probability"`
	JobTimeout              time.Duration `json:"job_timeout" yaml:"job_timeout"`
}

// DefaultEvolutionConfig returns the stock GA settings.
func DefaultEvolutionConfig() EvolutionConfig {
	return EvolutionConfig{
		PopulationSize:          20,
		Generations:             10,
		MutationRate:            0.1,
		CrossoverRate:           0.7,
		EliteSize:               2,
		SelectionMethod:         SelectionTournament,
		TournamentSize:          3,
		AutoPromotionThreshold:  0.15,
		MaxParallelWorkers:      0,
		ParallelEvaluation:      true,
		FitnessMetric:           MetricTotalReturn,
		RankingMetric:           MetricSharpeRatio,
		GeneMutationProbability: 0.2,
	}
}

// WithDefaults fills the zero-valued enum and metric fields. Numeric rates
// are taken as given, including zero.
func (c EvolutionConfig) WithDefaults() EvolutionConfig {
	d := DefaultEvolutionConfig()
	if c.SelectionMethod == "" {
		c.SelectionMethod = d.SelectionMethod
	}
	if c.TournamentSize == 0 {
		c.TournamentSize = d.TournamentSize
	}
	if c.FitnessMetric == "" {
		c.FitnessMetric = d.FitnessMetric
	}
	if c.RankingMetric == "" {
		c.RankingMetric = d.RankingMetric
	}
	return c
}

// Validate checks the config values.
func (c EvolutionConfig) Validate() error {
	switch {
	case c.PopulationSize < 1:
		return fmt.Errorf("%w: population_size must be at least 1", ErrInvalidInput)
	case c.Generations < 0:
		return fmt.Errorf("%w: generations must be non-negative", ErrInvalidInput)
	case !unitInterval(c.MutationRate):
		return fmt.Errorf("%w: mutation_rate must be in [0, 1]", ErrInvalidInput)
	case !unitInterval(c.CrossoverRate):
		return fmt.Errorf("%w: crossover_rate must be in [0, 1]", ErrInvalidInput)
	case !unitInterval(c.GeneMutationProbability):
		return fmt.Errorf("%w: gene_mutation_probability must be in [0, 1]", ErrInvalidInput)
	case c.EliteSize < 0:
		return fmt.Errorf("%w: elite_size must be non-negative", ErrInvalidInput)
	case !c.SelectionMethod.IsValid():
		return fmt.Errorf("%w: unknown selection_method %q", ErrInvalidInput, c.SelectionMethod)
	case c.TournamentSize < 1:
		return fmt.Errorf("%w: tournament_size must be at least 1", ErrInvalidInput)
	case c.MaxParallelWorkers < 0:
		return fmt.Errorf("%w: max_parallel_workers must be non-negative", ErrInvalidInput)
	case c.JobTimeout < 0:
		return fmt.Errorf("%w: job_timeout must be non-negative", ErrInvalidInput)
	}
	return nil
}

// BestStrategiesLimit returns the bound of the best-strategies list.
func (c EvolutionConfig) BestStrategiesLimit() int {
	if c.EliteSize > 20 {
		return c.EliteSize
	}
	return 20
}

func unitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// PromotionCriteria are the thresholds a genome must meet to be promoted.
// Zero values disable every check except MinTotalReturn.
type PromotionCriteria struct {
	MinTotalReturn float64 `json:"min_total_return"`
	MinSharpe      float64 `json:"min_sharpe,omitempty"`
	MaxDrawdown    float64 `json:"max_drawdown,omitempty"`
	MinWinRate     float64 `json:"min_win_rate,omitempty"`
	MinTrades      int     `json:"min_trades,omitempty"`
}

// IsMet checks if the given performance meets the criteria.
func (c PromotionCriteria) IsMet(perf Performance) bool {
	if perf == nil {
		return false
	}

	ret, ok := perf[MetricTotalReturn]
	if !ok || ret < c.MinTotalReturn {
		return false
	}

	if c.MinSharpe > 0 {
		if v, ok := perf[MetricSharpeRatio]; !ok || v < c.MinSharpe {
			return false
		}
	}

	// Drawdown is compared by magnitude; backtesters report it either sign.
	if c.MaxDrawdown > 0 {
		if v, ok := perf[MetricMaxDrawdown]; ok && math.Abs(v) > c.MaxDrawdown {
			return false
		}
	}

	if c.MinWinRate > 0 {
		if v, ok := perf[MetricWinRate]; !ok || v < c.MinWinRate {
			return false
		}
	}

	if c.MinTrades > 0 {
		if v, ok := perf[MetricTrades]; !ok || v < float64(c.MinTrades) {
			return false
		}
	}

	return true
}

// EvolutionState is the run bookkeeping persisted next to the population.
type EvolutionState struct {
	RunID          uuid.UUID       `json:"run_id"`
	StrategyType   string          `json:"strategy_type"`
	Generation     int             `json:"generation"`
	Config         EvolutionConfig `json:"config"`
	BacktestConfig BacktestConfig  `json:"backtest_config"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// GenomeResult is one row of a generation report.
type GenomeResult struct {
	GenomeID    uuid.UUID   `json:"genome_id"`
	Name        string      `json:"name"`
	Status      string      `json:"status"`
	Fitness     float64     `json:"fitness"`
	Performance Performance `json:"performance"`
	Error       string      `json:"error,omitempty"`
}

// GenerationReport is returned by a backtest generation. It carries exactly
// one result per dispatched genome, sorted best first.
type GenerationReport struct {
	RunID        uuid.UUID          `json:"run_id"`
	StrategyType string             `json:"strategy_type"`
	Generation   int                `json:"generation"`
	Results      []GenomeResult     `json:"results"`
	Successful   int                `json:"successful"`
	Failed       int                `json:"failed"`
	Averages     map[string]float64 `json:"averages"`
	Best         *Genome            `json:"best,omitempty"`
	Warning      string             `json:"warning,omitempty"`
	Duration     time.Duration      `json:"duration"`
}

// EvolutionDescriptor describes one evolve step.
type EvolutionDescriptor struct {
	RunID              uuid.UUID `json:"run_id"`
	StrategyType       string    `json:"strategy_type"`
	PreviousGeneration int       `json:"previous_generation"`
	NewGeneration      int       `json:"new_generation"`
	PopulationSize     int       `json:"population_size"`
	EliteCount         int       `json:"elite_count"`
}

// EvolutionSummary is the read-only view of the controller state.
type EvolutionSummary struct {
	RunID             uuid.UUID       `json:"run_id"`
	StrategyType      string          `json:"strategy_type"`
	Generation        int             `json:"generation"`
	PopulationSize    int             `json:"population_size"`
	TotalRuns         int             `json:"total_runs"`
	BestStrategyCount int             `json:"best_strategy_count"`
	TopPerformer      *Genome         `json:"top_performer,omitempty"`
	Config            EvolutionConfig `json:"config"`
}

// StepReport combines the evaluation and evolution of one generation.
type StepReport struct {
	Evaluation *GenerationReport    `json:"evaluation"`
	Evolution  *EvolutionDescriptor `json:"evolution,omitempty"`
}

// RunReport summarizes a full multi-generation run.
type RunReport struct {
	RunID       uuid.UUID           `json:"run_id"`
	Generations []*GenerationReport `json:"generations"`
	Promoted    []*Genome           `json:"promoted"`
}
