package evolution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/domain"
	"github.com/saltfish/freqevolve/internal/events"
	"github.com/saltfish/freqevolve/internal/registry"
)

// Coordinator serializes access to an Engine for the HTTP API, the cron
// scheduler and the step-command consumer. Multi-generation runs take the
// lock once per step so reads are not starved.
type Coordinator struct {
	mu     sync.Mutex
	engine *Engine
	logger *zap.Logger
}

// NewCoordinator creates a Coordinator around engine.
func NewCoordinator(engine *Engine, logger *zap.Logger) *Coordinator {
	return &Coordinator{engine: engine, logger: logger}
}

// Start starts a new run.
func (c *Coordinator) Start(ctx context.Context, strategyType string, btCfg domain.BacktestConfig, cfg *domain.EvolutionConfig, overrides domain.ParameterSpace) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.StartEvolution(ctx, strategyType, btCfg, cfg, overrides)
}

// Evaluate runs a backtest generation.
func (c *Coordinator) Evaluate(ctx context.Context, btCfg *domain.BacktestConfig) (*domain.GenerationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.RunBacktestGeneration(ctx, btCfg)
}

// Evolve breeds the next generation.
func (c *Coordinator) Evolve(ctx context.Context) (*domain.EvolutionDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.EvolveGeneration(ctx)
}

// Step evaluates the current generation and then evolves it.
func (c *Coordinator) Step(ctx context.Context, btCfg *domain.BacktestConfig) (*domain.StepReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report, err := c.engine.RunBacktestGeneration(ctx, btCfg)
	if err != nil {
		return nil, err
	}
	desc, err := c.engine.EvolveGeneration(ctx)
	if err != nil {
		return &domain.StepReport{Evaluation: report}, err
	}
	return &domain.StepReport{Evaluation: report, Evolution: desc}, nil
}

// RunSteps performs n evaluate-and-evolve steps, stopping early when ctx is
// cancelled between steps.
func (c *Coordinator) RunSteps(ctx context.Context, btCfg *domain.BacktestConfig, n int) ([]*domain.StepReport, error) {
	reports := make([]*domain.StepReport, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := c.Step(ctx, btCfg)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// RunEvolution performs generations steps (the run's configured count when
// generations <= 0), evaluates the final generation and auto-promotes.
func (c *Coordinator) RunEvolution(ctx context.Context, btCfg *domain.BacktestConfig, generations int) (*domain.RunReport, error) {
	if generations <= 0 {
		c.mu.Lock()
		generations = c.engine.Config().Generations
		c.mu.Unlock()
	}

	steps, err := c.RunSteps(ctx, btCfg, generations)
	run := &domain.RunReport{}
	for _, s := range steps {
		run.Generations = append(run.Generations, s.Evaluation)
	}
	if err != nil {
		return run, err
	}
	if err := ctx.Err(); err != nil {
		return run, err
	}

	final, err := c.Evaluate(ctx, btCfg)
	if err != nil {
		return run, err
	}
	run.Generations = append(run.Generations, final)

	promoted, err := c.Promote(ctx, nil)
	if err != nil {
		return run, err
	}
	run.Promoted = promoted
	run.RunID = final.RunID

	c.logger.Info("Evolution run completed",
		zap.String("run_id", run.RunID.String()),
		zap.Int("generations", len(run.Generations)),
		zap.Int("promoted", len(run.Promoted)),
	)
	return run, nil
}

// Promote returns genomes meeting criteria.
func (c *Coordinator) Promote(ctx context.Context, criteria *domain.PromotionCriteria) ([]*domain.Genome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.AutoPromoteStrategies(ctx, criteria)
}

// Summary returns the evolution summary.
func (c *Coordinator) Summary() *domain.EvolutionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.GetEvolutionSummary()
}

// Details looks a genome up by id.
func (c *Coordinator) Details(id uuid.UUID) (*domain.Genome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.GetStrategyDetails(id)
}

// Instance builds a strategy from a stored genome.
func (c *Coordinator) Instance(id uuid.UUID) (registry.Strategy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.CreateStrategyInstance(id)
}

// Lineage returns the ancestry of a genome.
func (c *Coordinator) Lineage(id uuid.UUID) ([]*domain.Genome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Lineage(id)
}

// Ready reports whether the engine has a population.
func (c *Coordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Ready()
}

// ScheduledStep runs one step on the run's own backtest config. An empty
// population is not an error for scheduled work.
func (c *Coordinator) ScheduledStep(ctx context.Context) error {
	if !c.Ready() {
		c.logger.Debug("Skipping scheduled step, no population")
		return nil
	}
	report, err := c.Step(ctx, nil)
	if err != nil {
		return err
	}
	if report.Evolution != nil {
		c.logger.Info("Scheduled step completed",
			zap.Int("new_generation", report.Evolution.NewGeneration),
			zap.Int("successful", report.Evaluation.Successful),
		)
	}
	return nil
}

// HandleStepCommand runs an evolution.step.requested command. Pool failures
// are marked for redelivery; every other failure is final.
func (c *Coordinator) HandleStepCommand(ctx context.Context, cmd *events.StepRequestedEvent) error {
	reports, err := c.RunSteps(ctx, cmd.BacktestConfig, cmd.Generations)
	if err == nil {
		c.logger.Info("Step command completed",
			zap.String("event_id", cmd.EventID),
			zap.Int("steps", len(reports)),
		)
		return nil
	}
	if errors.Is(err, domain.ErrPoolUnavailable) {
		return fmt.Errorf("%w: after %d steps: %w", events.ErrRedeliver, len(reports), err)
	}
	return fmt.Errorf("step command rejected after %d steps: %w", len(reports), err)
}
