package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqevolve/internal/config"
	"github.com/saltfish/freqevolve/internal/db"
	"github.com/saltfish/freqevolve/internal/domain"
)

func sampleGenomes() []*domain.Genome {
	parent := domain.NewGenome("sma_cross", domain.Parameters{
		"fast":     domain.IntValue(9),
		"slow":     domain.IntValue(30),
		"stop":     domain.FloatValue(0.05),
		"trailing": domain.BoolValue(true),
		"mode":     domain.StringValue("ema"),
		"windows":  domain.ListValue(domain.IntValue(5), domain.IntValue(10)),
	}, 0)
	parent.MarkSucceeded(domain.Performance{
		domain.MetricTotalReturn: 0.12,
		domain.MetricSharpeRatio: 1.4,
	})

	child := domain.NewGenome("sma_cross", domain.Parameters{
		"fast": domain.IntValue(11),
		"stop": domain.FloatValue(2),
	}, 1, parent.ID)
	child.MarkFailed("container exited with code 1", domain.MetricSharpeRatio)

	fresh := domain.NewGenome("sma_cross", domain.Parameters{"fast": domain.IntValue(3)}, 1)

	return []*domain.Genome{parent, child, fresh}
}

func assertSameGenomes(t *testing.T, want, got []*domain.Genome) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Generation, got[i].Generation)
		assert.Equal(t, want[i].EvalError, got[i].EvalError)
		assert.Equal(t, want[i].Performance, got[i].Performance)
		assert.Equal(t, want[i].ParentIDs, got[i].ParentIDs)
		assert.True(t, want[i].Parameters.Equal(got[i].Parameters), "parameters of %s", want[i].ID)
		assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt))
	}
}

func TestCodec_PopulationRoundTrip(t *testing.T) {
	genomes := sampleGenomes()

	data, err := EncodePopulation(DocPopulation, genomes)
	require.NoError(t, err)

	got, err := DecodePopulation(DocPopulation, data)
	require.NoError(t, err)
	assertSameGenomes(t, genomes, got)

	// ints stay ints and floats with integral values stay floats
	assert.Equal(t, domain.KindInt, got[1].Parameters["fast"].Kind)
	assert.Equal(t, domain.KindFloat, got[1].Parameters["stop"].Kind)
	assert.False(t, got[2].IsEvaluated())
}

func TestCodec_WrongKindOrNewerVersion(t *testing.T) {
	data, err := EncodePopulation(DocBest, sampleGenomes())
	require.NoError(t, err)

	_, err = DecodePopulation(DocPopulation, data)
	assert.Error(t, err)

	_, err = DecodePopulation(DocBest, []byte(`{"version":99,"kind":"best_strategies","payload":[]}`))
	assert.Error(t, err)

	_, err = DecodePopulation(DocBest, []byte(`{"version":1,"kind":"best_strategies","payload":[{"v":1,"parameters":{"x":{"kind":"int"}}}]}`))
	assert.Error(t, err)
}

func TestCodec_HistoryAndState(t *testing.T) {
	runID := uuid.New()
	history := map[string][]*domain.Genome{runID.String(): sampleGenomes()}

	data, err := EncodeHistory(history)
	require.NoError(t, err)
	got, err := DecodeHistory(data)
	require.NoError(t, err)
	assertSameGenomes(t, history[runID.String()], got[runID.String()])

	state := &domain.EvolutionState{
		RunID:        runID,
		StrategyType: "sma_cross",
		Generation:   3,
		Config:       domain.DefaultEvolutionConfig(),
		BacktestConfig: domain.BacktestConfig{
			AssetClass: "crypto",
			Symbol:     "BTC/USDT",
		},
	}
	data, err = EncodeState(state)
	require.NoError(t, err)
	gotState, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, state.RunID, gotState.RunID)
	assert.Equal(t, 3, gotState.Generation)
	assert.Equal(t, state.Config, gotState.Config)
	assert.Equal(t, "BTC/USDT", gotState.BacktestConfig.Symbol)
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	empty, err := fs.Load(ctx)
	require.NoError(t, err)
	assert.True(t, empty.Empty())

	genomes := sampleGenomes()
	runID := uuid.New()

	require.NoError(t, fs.SaveCurrentPopulation(ctx, genomes))
	require.NoError(t, fs.SaveBestStrategies(ctx, genomes[:1]))
	require.NoError(t, fs.SaveHistory(ctx, map[string][]*domain.Genome{runID.String(): genomes}))
	require.NoError(t, fs.SaveState(ctx, &domain.EvolutionState{RunID: runID, StrategyType: "sma_cross", Generation: 1}))

	for _, name := range []string{DocPopulation, DocHistory, DocBest, DocState} {
		_, err := os.Stat(filepath.Join(dir, name+".json"))
		assert.NoError(t, err, name)
	}

	cp, err := fs.Load(ctx)
	require.NoError(t, err)
	assertSameGenomes(t, genomes, cp.Population)
	assertSameGenomes(t, genomes[:1], cp.Best)
	assertSameGenomes(t, genomes, cp.History[runID.String()])
	require.NotNil(t, cp.State)
	assert.Equal(t, runID, cp.State.RunID)

	// documents are rewritten, not appended
	require.NoError(t, fs.SaveCurrentPopulation(ctx, genomes[2:]))
	cp, err = fs.Load(ctx)
	require.NoError(t, err)
	assertSameGenomes(t, genomes[2:], cp.Population)

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileStore_Errors(t *testing.T) {
	_, err := NewFileStore("", zap.NewNop())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	fs, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, fs.SaveState(context.Background(), nil), domain.ErrInvalidInput)

	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), DocPopulation+".json"), []byte("{broken"), 0o644))
	_, err = fs.Load(context.Background())
	assert.Error(t, err)
}

func setupTestPostgres(t *testing.T) *db.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	pool, err := db.NewPool(context.Background(), &config.DatabaseConfig{
		URL:                dbURL,
		MaxConnections:     4,
		MaxIdleConnections: 1,
		ConnMaxLifetime:    "1h",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func TestPostgresStore_SaveAndLoad(t *testing.T) {
	pool := setupTestPostgres(t)
	ctx := context.Background()

	ps, err := NewPostgresStore(ctx, pool, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "TRUNCATE TABLE "+checkpointTable)
	require.NoError(t, err)

	genomes := sampleGenomes()
	require.NoError(t, ps.SaveCurrentPopulation(ctx, genomes))
	require.NoError(t, ps.SaveCurrentPopulation(ctx, genomes[:2]))
	require.NoError(t, ps.SaveBestStrategies(ctx, genomes[:1]))

	cp, err := ps.Load(ctx)
	require.NoError(t, err)
	assertSameGenomes(t, genomes[:2], cp.Population)
	assertSameGenomes(t, genomes[:1], cp.Best)
	assert.Nil(t, cp.State)
}
