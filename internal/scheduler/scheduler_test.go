package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqevolve/internal/backtest"
	"github.com/saltfish/freqevolve/internal/domain"
)

func testGenomes(n int) []*domain.Genome {
	genomes := make([]*domain.Genome, n)
	for i := range genomes {
		genomes[i] = domain.NewGenome("sma_cross", domain.Parameters{"fast": domain.IntValue(int64(i + 1))}, 0)
	}
	return genomes
}

func scoreBacktester(ctx context.Context, req backtest.Request) (*domain.BacktestResult, error) {
	return domain.SuccessResult(req.StrategyID, domain.Performance{
		domain.MetricTotalReturn: req.Parameters["fast"].AsFloat(),
	}), nil
}

func TestWorkers(t *testing.T) {
	assert.Equal(t, 3, Workers(8, 3))
	assert.Equal(t, 2, Workers(2, 10))
	assert.Equal(t, 1, Workers(4, 0))
	assert.GreaterOrEqual(t, Workers(0, 100), 1)
}

func TestPool_OneResultPerGenome(t *testing.T) {
	pool := NewPool(0, zaptest.NewLogger(t))
	genomes := testGenomes(12)

	var constructed int32
	batch := &backtest.Batch{
		Genomes: genomes,
		Constructor: func() (backtest.Backtester, error) {
			atomic.AddInt32(&constructed, 1)
			return backtest.Func(scoreBacktester), nil
		},
		Config:     domain.BacktestConfig{AssetClass: "crypto"},
		MaxWorkers: 4,
	}

	results, err := pool.RunGenerationBacktests(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, results, 12)
	for i, g := range genomes {
		r := results[g.ID]
		require.NotNil(t, r)
		assert.True(t, r.Succeeded())
		assert.Equal(t, float64(i+1), r.Performance[domain.MetricTotalReturn])
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&constructed), "one backtester per worker")
}

func TestPool_WorkerBoundaryCatchesFailures(t *testing.T) {
	pool := NewPool(0, zaptest.NewLogger(t))
	genomes := testGenomes(5)
	panicID, errID, nilID := genomes[1].ID, genomes[2].ID, genomes[3].ID

	bt := backtest.Func(func(ctx context.Context, req backtest.Request) (*domain.BacktestResult, error) {
		switch req.StrategyID {
		case panicID:
			panic("division by zero")
		case errID:
			return nil, errors.New("no candles")
		case nilID:
			return nil, nil
		}
		return scoreBacktester(ctx, req)
	})

	results, err := pool.RunGenerationBacktests(context.Background(), &backtest.Batch{
		Genomes:     genomes,
		Constructor: func() (backtest.Backtester, error) { return bt, nil },
		MaxWorkers:  2,
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.True(t, results[genomes[0].ID].Succeeded())
	assert.True(t, results[genomes[4].ID].Succeeded())
	assert.Contains(t, results[panicID].ErrorMessage, "division by zero")
	assert.Equal(t, "no candles", results[errID].ErrorMessage)
	assert.False(t, results[nilID].Succeeded())
}

func TestPool_ConstructorFailureBecomesErrorResults(t *testing.T) {
	pool := NewPool(0, zaptest.NewLogger(t))
	genomes := testGenomes(3)

	results, err := pool.RunGenerationBacktests(context.Background(), &backtest.Batch{
		Genomes: genomes,
		Constructor: func() (backtest.Backtester, error) {
			return nil, errors.New("docker daemon unreachable")
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.Succeeded())
		assert.Contains(t, r.ErrorMessage, "docker daemon unreachable")
	}
}

func TestPool_Unavailable(t *testing.T) {
	pool := NewPool(0, zaptest.NewLogger(t))

	_, err := pool.RunGenerationBacktests(context.Background(), &backtest.Batch{Genomes: testGenomes(1)})
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.RunGenerationBacktests(ctx, &backtest.Batch{
		Genomes:     testGenomes(1),
		Constructor: func() (backtest.Backtester, error) { return backtest.Func(scoreBacktester), nil },
	})
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)
}

func TestPool_JobTimeout(t *testing.T) {
	pool := NewPool(20*time.Millisecond, zaptest.NewLogger(t))
	genomes := testGenomes(2)
	slow := genomes[0].ID

	bt := backtest.Func(func(ctx context.Context, req backtest.Request) (*domain.BacktestResult, error) {
		if req.StrategyID == slow {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return scoreBacktester(ctx, req)
	})

	results, err := pool.RunGenerationBacktests(context.Background(), &backtest.Batch{
		Genomes:     genomes,
		Constructor: func() (backtest.Backtester, error) { return bt, nil },
	})
	require.NoError(t, err)
	assert.False(t, results[slow].Succeeded())
	assert.True(t, results[genomes[1].ID].Succeeded())
}

func TestPool_RunsConcurrently(t *testing.T) {
	pool := NewPool(0, zaptest.NewLogger(t))
	genomes := testGenomes(4)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	bt := backtest.Func(func(ctx context.Context, req backtest.Request) (*domain.BacktestResult, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return scoreBacktester(ctx, req)
	})

	_, err := pool.RunGenerationBacktests(context.Background(), &backtest.Batch{
		Genomes:     genomes,
		Constructor: func() (backtest.Backtester, error) { return bt, nil },
		MaxWorkers:  4,
	})
	require.NoError(t, err)
	assert.Greater(t, maxSeen, 1)
}

type closingBacktester struct {
	backtest.Func
	closed *int32
}

func (c closingBacktester) Close() error {
	atomic.AddInt32(c.closed, 1)
	return nil
}

func TestSequential(t *testing.T) {
	seq := NewSequential(zaptest.NewLogger(t))
	genomes := testGenomes(3)

	var closed int32
	results, err := seq.RunGenerationBacktests(context.Background(), &backtest.Batch{
		Genomes: genomes,
		Constructor: func() (backtest.Backtester, error) {
			return closingBacktester{Func: scoreBacktester, closed: &closed}, nil
		},
	})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, int32(1), atomic.LoadInt32(&closed))

	_, err = seq.RunGenerationBacktests(context.Background(), &backtest.Batch{
		Genomes: genomes,
		Constructor: func() (backtest.Backtester, error) {
			return nil, errors.New("no daemon")
		},
	})
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)

	_, err = seq.RunGenerationBacktests(context.Background(), &backtest.Batch{Genomes: genomes, Constructor: nil})
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)
}
