// Package events provides RabbitMQ event publishing and subscription for
// freqevolve.
package events

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/freqevolve/internal/domain"
)

// Routing keys for events.
const (
	// Evolution lifecycle events
	RoutingKeyEvolutionStarted    = "evolution.started"
	RoutingKeyGenerationEvaluated = "evolution.generation.evaluated"
	RoutingKeyGenerationEvolved   = "evolution.generation.evolved"
	RoutingKeyStrategyPromoted    = "strategy.promoted"

	// Commands consumed by the server
	RoutingKeyStepRequested = "evolution.step.requested"
)

// Event types.
const (
	EventTypeEvolutionStarted    = "evolution.started"
	EventTypeGenerationEvaluated = "evolution.generation.evaluated"
	EventTypeGenerationEvolved   = "evolution.generation.evolved"
	EventTypeStrategyPromoted    = "strategy.promoted"
	EventTypeStepRequested       = "evolution.step.requested"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with auto-generated event_id.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
		Source:    "freqevolve",
	}
}

// EvolutionStartedEvent is published when a new population is initialized.
type EvolutionStartedEvent struct {
	BaseEvent
	RunID          uuid.UUID              `json:"run_id"`
	StrategyType   string                 `json:"strategy_type"`
	PopulationSize int                    `json:"population_size"`
	Config         domain.EvolutionConfig `json:"config"`
	BacktestConfig domain.BacktestConfig  `json:"backtest_config"`
}

// NewEvolutionStartedEvent creates an EvolutionStartedEvent from the run state.
func NewEvolutionStartedEvent(state *domain.EvolutionState, populationSize int) *EvolutionStartedEvent {
	return &EvolutionStartedEvent{
		BaseEvent:      NewBaseEvent(EventTypeEvolutionStarted),
		RunID:          state.RunID,
		StrategyType:   state.StrategyType,
		PopulationSize: populationSize,
		Config:         state.Config,
		BacktestConfig: state.BacktestConfig,
	}
}

// GenerationEvaluatedEvent is published after a generation's backtests are
// merged.
type GenerationEvaluatedEvent struct {
	BaseEvent
	RunID        uuid.UUID          `json:"run_id"`
	StrategyType string             `json:"strategy_type"`
	Generation   int                `json:"generation"`
	Successful   int                `json:"successful"`
	Failed       int                `json:"failed"`
	Averages     map[string]float64 `json:"averages"`
	BestGenomeID *uuid.UUID         `json:"best_genome_id,omitempty"`
	BestFitness  *float64           `json:"best_fitness,omitempty"`
	DurationMs   int64              `json:"duration_ms"`
	Warning      string             `json:"warning,omitempty"`
}

// NewGenerationEvaluatedEvent creates a GenerationEvaluatedEvent from a
// report. fitnessMetric selects the reported best fitness.
func NewGenerationEvaluatedEvent(report *domain.GenerationReport, fitnessMetric string) *GenerationEvaluatedEvent {
	event := &GenerationEvaluatedEvent{
		BaseEvent:    NewBaseEvent(EventTypeGenerationEvaluated),
		RunID:        report.RunID,
		StrategyType: report.StrategyType,
		Generation:   report.Generation,
		Successful:   report.Successful,
		Failed:       report.Failed,
		Averages:     report.Averages,
		DurationMs:   report.Duration.Milliseconds(),
		Warning:      report.Warning,
	}
	if report.Best != nil {
		id := report.Best.ID
		fitness := report.Best.Fitness(fitnessMetric)
		event.BestGenomeID = &id
		if !math.IsInf(fitness, 0) && !math.IsNaN(fitness) {
			event.BestFitness = &fitness
		}
	}
	return event
}

// GenerationEvolvedEvent is published after the next generation replaces
// the current one.
type GenerationEvolvedEvent struct {
	BaseEvent
	RunID              uuid.UUID `json:"run_id"`
	StrategyType       string    `json:"strategy_type"`
	PreviousGeneration int       `json:"previous_generation"`
	NewGeneration      int       `json:"new_generation"`
	PopulationSize     int       `json:"population_size"`
	EliteCount         int       `json:"elite_count"`
}

// NewGenerationEvolvedEvent creates a GenerationEvolvedEvent.
func NewGenerationEvolvedEvent(d *domain.EvolutionDescriptor) *GenerationEvolvedEvent {
	return &GenerationEvolvedEvent{
		BaseEvent:          NewBaseEvent(EventTypeGenerationEvolved),
		RunID:              d.RunID,
		StrategyType:       d.StrategyType,
		PreviousGeneration: d.PreviousGeneration,
		NewGeneration:      d.NewGeneration,
		PopulationSize:     d.PopulationSize,
		EliteCount:         d.EliteCount,
	}
}

// StrategyPromotedEvent is published for every genome that meets the
// promotion criteria.
type StrategyPromotedEvent struct {
	BaseEvent
	RunID        uuid.UUID                `json:"run_id"`
	GenomeID     uuid.UUID                `json:"genome_id"`
	Name         string                   `json:"name"`
	StrategyType string                   `json:"strategy_type"`
	Generation   int                      `json:"generation"`
	Parameters   domain.Parameters        `json:"parameters"`
	Performance  domain.Performance       `json:"performance"`
	Criteria     domain.PromotionCriteria `json:"criteria"`
}

// NewStrategyPromotedEvent creates a StrategyPromotedEvent.
func NewStrategyPromotedEvent(runID uuid.UUID, g *domain.Genome, criteria domain.PromotionCriteria) *StrategyPromotedEvent {
	return &StrategyPromotedEvent{
		BaseEvent:    NewBaseEvent(EventTypeStrategyPromoted),
		RunID:        runID,
		GenomeID:     g.ID,
		Name:         g.Name,
		StrategyType: g.StrategyType,
		Generation:   g.Generation,
		Parameters:   g.Parameters.Clone(),
		Performance:  g.Performance.Clone(),
		Criteria:     criteria,
	}
}

// StepRequestedEvent asks the server to run evaluate and evolve steps.
// Generations defaults to one step.
type StepRequestedEvent struct {
	BaseEvent
	Generations    int                    `json:"generations,omitempty"`
	BacktestConfig *domain.BacktestConfig `json:"backtest_config,omitempty"`
}

// Scope names the run and strategy type an event belongs to. Zero fields
// are unknown.
type Scope struct {
	RunID        uuid.UUID
	StrategyType string
}

// Scoped is implemented by events tied to an evolution run.
type Scoped interface {
	EventScope() Scope
}

func (e *EvolutionStartedEvent) EventScope() Scope {
	return Scope{RunID: e.RunID, StrategyType: e.StrategyType}
}

func (e *GenerationEvaluatedEvent) EventScope() Scope {
	return Scope{RunID: e.RunID, StrategyType: e.StrategyType}
}

func (e *GenerationEvolvedEvent) EventScope() Scope {
	return Scope{RunID: e.RunID, StrategyType: e.StrategyType}
}

func (e *StrategyPromotedEvent) EventScope() Scope {
	return Scope{RunID: e.RunID, StrategyType: e.StrategyType}
}
