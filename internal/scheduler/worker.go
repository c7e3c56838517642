package scheduler

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/backtest"
	"github.com/saltfish/freqevolve/internal/domain"
)

// Worker processes backtest jobs for one generation.
type Worker struct {
	id     int
	pool   *Pool
	batch  *backtest.Batch
	logger *zap.Logger
}

// NewWorker creates a new Worker.
func NewWorker(id int, pool *Pool, batch *backtest.Batch, logger *zap.Logger) *Worker {
	return &Worker{
		id:     id,
		pool:   pool,
		batch:  batch,
		logger: logger.With(zap.Int("worker_id", id)),
	}
}

// Run builds the worker's own backtester and drains jobs until the channel
// is closed. Every job received produces exactly one result.
func (w *Worker) Run(ctx context.Context, jobs <-chan *domain.Genome, results chan<- *JobResult, wg *sync.WaitGroup) {
	defer wg.Done()

	bt, err := backtest.Build(w.batch.Constructor)
	if err != nil {
		w.logger.Error("Failed to construct backtester", zap.Error(err))
	} else {
		defer closeBacktester(bt, w.logger)
	}

	w.logger.Debug("Worker started")

	for g := range jobs {
		if err != nil {
			results <- &JobResult{
				WorkerID: w.id,
				Result:   domain.ErrorResult(g.ID, "backtester unavailable: "+err.Error()),
			}
			continue
		}
		results <- w.processJob(ctx, bt, g)
	}

	w.logger.Debug("Worker stopped")
}

// processJob runs a single backtest.
func (w *Worker) processJob(ctx context.Context, bt backtest.Backtester, g *domain.Genome) *JobResult {
	startTime := time.Now()

	jobCtx := ctx
	if w.pool.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.pool.jobTimeout)
		defer cancel()
	}

	result := backtest.Execute(jobCtx, bt, w.batch.Strategies, g, w.batch.Config)
	duration := time.Since(startTime)

	if result.Succeeded() {
		w.logger.Debug("Job completed",
			zap.String("genome_id", g.ID.String()),
			zap.Duration("duration", duration),
		)
	} else {
		w.logger.Warn("Job failed",
			zap.String("genome_id", g.ID.String()),
			zap.Duration("duration", duration),
			zap.String("error", result.ErrorMessage),
		)
	}

	return &JobResult{
		WorkerID: w.id,
		Result:   result,
		Duration: duration,
	}
}

func closeBacktester(bt backtest.Backtester, logger *zap.Logger) {
	closer, ok := bt.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("Failed to close backtester", zap.Error(err))
	}
}
