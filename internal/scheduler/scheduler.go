// Package scheduler runs generation backtests on a bounded worker pool and
// triggers evolution steps from cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/backtest"
	"github.com/saltfish/freqevolve/internal/domain"
)

// Pool is the parallel evaluation manager. Every call to
// RunGenerationBacktests starts its own set of workers and waits for all of
// them, so calls never share backtester instances.
type Pool struct {
	jobTimeout time.Duration
	logger     *zap.Logger
	tracer     trace.Tracer
}

// JobResult is the outcome of one genome's backtest as reported by a worker.
type JobResult struct {
	WorkerID int
	Result   *domain.BacktestResult
	Duration time.Duration
}

// NewPool creates a Pool. A positive jobTimeout bounds each backtest.
func NewPool(jobTimeout time.Duration, logger *zap.Logger) *Pool {
	return &Pool{
		jobTimeout: jobTimeout,
		logger:     logger,
		tracer:     otel.Tracer("freqevolve/scheduler"),
	}
}

// Workers returns the number of workers used for n jobs.
func Workers(maxWorkers, n int) int {
	workers := maxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// RunGenerationBacktests runs exactly one backtest per genome and returns the
// results keyed by genome id. Individual failures are reported as error
// results. Ids that come back without a result are logged and left out of
// the map.
func (p *Pool) RunGenerationBacktests(ctx context.Context, batch *backtest.Batch) (map[uuid.UUID]*domain.BacktestResult, error) {
	if batch == nil || batch.Constructor == nil {
		return nil, fmt.Errorf("%w: no backtester constructor", domain.ErrPoolUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPoolUnavailable, err)
	}

	results := make(map[uuid.UUID]*domain.BacktestResult, len(batch.Genomes))
	if len(batch.Genomes) == 0 {
		return results, nil
	}

	workers := Workers(batch.MaxWorkers, len(batch.Genomes))

	ctx, span := p.tracer.Start(ctx, "scheduler.RunGenerationBacktests",
		trace.WithAttributes(
			attribute.Int("jobs", len(batch.Genomes)),
			attribute.Int("workers", workers),
		),
	)
	defer span.End()

	p.logger.Info("Starting generation backtests",
		zap.Int("jobs", len(batch.Genomes)),
		zap.Int("workers", workers),
		zap.String("asset_class", batch.Config.AssetClass),
	)

	jobChan := make(chan *domain.Genome, len(batch.Genomes))
	resultChan := make(chan *JobResult, len(batch.Genomes))

	for _, g := range batch.Genomes {
		jobChan <- g
	}
	close(jobChan)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := NewWorker(i, p, batch, p.logger)
		wg.Add(1)
		go w.Run(ctx, jobChan, resultChan, &wg)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for jr := range resultChan {
		if jr == nil || jr.Result == nil {
			continue
		}
		results[jr.Result.GenomeID] = jr.Result
	}

	var missing []string
	for _, g := range batch.Genomes {
		if _, ok := results[g.ID]; !ok {
			missing = append(missing, g.ID.String())
		}
	}
	if len(missing) > 0 {
		p.logger.Warn("Backtests returned without a result",
			zap.Strings("genome_ids", missing),
		)
	}

	span.SetAttributes(attribute.Int("results", len(results)))

	return results, nil
}

// Sequential evaluates a batch one genome at a time with a single
// backtester. It is used when parallel evaluation is disabled.
type Sequential struct {
	logger *zap.Logger
}

// NewSequential creates a Sequential evaluator.
func NewSequential(logger *zap.Logger) *Sequential {
	return &Sequential{logger: logger}
}

// RunGenerationBacktests evaluates the batch in order.
func (s *Sequential) RunGenerationBacktests(ctx context.Context, batch *backtest.Batch) (map[uuid.UUID]*domain.BacktestResult, error) {
	if batch == nil || batch.Constructor == nil {
		return nil, fmt.Errorf("%w: no backtester constructor", domain.ErrPoolUnavailable)
	}

	bt, err := backtest.Build(batch.Constructor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPoolUnavailable, err)
	}
	defer closeBacktester(bt, s.logger)

	results := make(map[uuid.UUID]*domain.BacktestResult, len(batch.Genomes))
	for _, g := range batch.Genomes {
		results[g.ID] = backtest.Execute(ctx, bt, batch.Strategies, g, batch.Config)
	}
	return results, nil
}
