package evolution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqevolve/internal/backtest"
	"github.com/saltfish/freqevolve/internal/domain"
	"github.com/saltfish/freqevolve/internal/events"
)

func TestCoordinator_RunEvolution(t *testing.T) {
	f := newFixture(t, stubBacktester)
	c := NewCoordinator(f.engine, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := c.Start(ctx, testStrategy, testBacktestConfig(), configWith(func(cfg *domain.EvolutionConfig) {
		cfg.PopulationSize = 6
		cfg.Generations = 3
		cfg.AutoPromotionThreshold = -1
	}), nil)
	require.NoError(t, err)
	assert.True(t, c.Ready())

	run, err := c.RunEvolution(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, run.Generations, 4)
	assert.Equal(t, f.engine.RunID(), run.RunID)
	assert.NotEmpty(t, run.Promoted)

	for i, report := range run.Generations {
		assert.Equal(t, i, report.Generation)
		assert.Len(t, report.Results, 6)
	}

	summary := c.Summary()
	assert.Equal(t, 3, summary.Generation)
	assert.NotNil(t, summary.TopPerformer)
	assert.Equal(t, 4, f.publisher.evaluated)
	assert.Equal(t, 3, f.publisher.evolved)
}

func TestCoordinator_RunStepsStopsOnCancel(t *testing.T) {
	f := newFixture(t, stubBacktester)
	c := NewCoordinator(f.engine, zaptest.NewLogger(t))
	f.start(t, configWith(func(cfg *domain.EvolutionConfig) { cfg.PopulationSize = 3 }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports, err := c.RunSteps(ctx, nil, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reports)
	assert.Equal(t, 0, f.engine.Generation())
}

func TestCoordinator_ConcurrentCallersAreSerialized(t *testing.T) {
	f := newFixture(t, stubBacktester)
	c := NewCoordinator(f.engine, zaptest.NewLogger(t))
	f.start(t, configWith(func(cfg *domain.EvolutionConfig) { cfg.PopulationSize = 4 }))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Step(context.Background(), nil)
			assert.NoError(t, err)
			_ = c.Summary()
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, f.engine.Generation())
	assert.Len(t, f.engine.Population(), 4)
}

func TestCoordinator_HandleStepCommand(t *testing.T) {
	f := newFixture(t, stubBacktester)
	c := NewCoordinator(f.engine, zaptest.NewLogger(t))
	ctx := context.Background()

	// no population yet: final, not redelivered
	err := c.HandleStepCommand(ctx, &events.StepRequestedEvent{Generations: 1})
	assert.ErrorIs(t, err, domain.ErrEmptyPopulation)
	assert.NotErrorIs(t, err, events.ErrRedeliver)
	assert.NoError(t, c.ScheduledStep(ctx))

	f.start(t, configWith(func(cfg *domain.EvolutionConfig) { cfg.PopulationSize = 3 }))

	require.NoError(t, c.HandleStepCommand(ctx, &events.StepRequestedEvent{Generations: 2}))
	assert.Equal(t, 2, f.engine.Generation())

	assert.NoError(t, c.ScheduledStep(ctx))
	assert.Equal(t, 3, f.engine.Generation())
}

func TestCoordinator_HandleStepCommandRedeliversPoolFailures(t *testing.T) {
	f := newFixture(t, stubBacktester, withEvaluator(evaluatorFunc(func(ctx context.Context, batch *backtest.Batch) (map[uuid.UUID]*domain.BacktestResult, error) {
		return nil, errors.New("docker daemon unreachable")
	})))
	c := NewCoordinator(f.engine, zaptest.NewLogger(t))
	f.start(t, nil)

	err := c.HandleStepCommand(context.Background(), &events.StepRequestedEvent{Generations: 1})
	assert.ErrorIs(t, err, events.ErrRedeliver)
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)
	assert.Equal(t, 0, f.engine.Generation())
}
