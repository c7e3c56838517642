package backtest

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/panics"

	"github.com/saltfish/freqevolve/internal/domain"
	"github.com/saltfish/freqevolve/internal/registry"
)

// StrategyResolver resolves a strategy type to its factory.
type StrategyResolver interface {
	Resolve(strategyType string) (registry.Factory, error)
}

// Batch is one generation's worth of evaluation work.
type Batch struct {
	Genomes     []*domain.Genome
	Strategies  StrategyResolver
	Constructor Constructor
	Config      domain.BacktestConfig
	MaxWorkers  int
}

// Execute evaluates one genome with bt. It never returns nil: factory
// errors, backtester errors and panics all become error results.
func Execute(ctx context.Context, bt Backtester, strategies StrategyResolver, g *domain.Genome, cfg domain.BacktestConfig) *domain.BacktestResult {
	if err := ctx.Err(); err != nil {
		return domain.ErrorResult(g.ID, err.Error())
	}

	var (
		result *domain.BacktestResult
		runErr error
	)

	var pc panics.Catcher
	pc.Try(func() {
		req := Request{
			StrategyID:   g.ID,
			StrategyType: g.StrategyType,
			Parameters:   g.Parameters.Clone(),
			Config:       cfg,
		}

		if strategies != nil {
			factory, err := strategies.Resolve(g.StrategyType)
			if err != nil {
				runErr = err
				return
			}
			strategy, err := factory(req.Parameters)
			if err != nil {
				runErr = fmt.Errorf("failed to build strategy: %w", err)
				return
			}
			req.Strategy = strategy
		}

		result, runErr = bt.RunBacktest(ctx, req)
	})

	if r := pc.Recovered(); r != nil {
		return domain.ErrorResult(g.ID, r.AsError().Error())
	}
	if runErr != nil {
		return domain.ErrorResult(g.ID, runErr.Error())
	}
	if result == nil {
		return domain.ErrorResult(g.ID, "backtester returned no result")
	}

	out := *result
	out.GenomeID = g.ID
	if !out.Status.IsValid() {
		out.Status = domain.ResultStatusError
	}
	if out.Status == domain.ResultStatusError && out.ErrorMessage == "" {
		out.ErrorMessage = "unknown error"
	}
	return &out
}

// Build constructs a backtester, converting a constructor panic into an
// error.
func Build(c Constructor) (bt Backtester, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		bt, err = c()
	})
	if r := pc.Recovered(); r != nil {
		return nil, fmt.Errorf("backtester constructor panicked: %w", r.AsError())
	}
	if err == nil && bt == nil {
		err = fmt.Errorf("backtester constructor returned nil")
	}
	return bt, err
}
