package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/freqevolve/internal/domain"
)

const testSchemas = `
strategies:
  sma_cross:
    description: moving average crossover
    parameters:
      fast_period: {type: int, min: 5, max: 50, default: 10}
      slow_period: {type: int, min: 20, max: 200}
      stop_loss: {type: float, min: 0.01, max: 0.1}
      use_volume: {type: bool, default: true}
      ma_kind: {type: categorical, choices: [ema, sma], default: ema}
  rsi:
    parameters:
      period: {default: 14}
`

func ptr(f float64) *float64 { return &f }

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Definition{
		Type: "momentum",
		Schema: domain.Schema{
			"lookback": {Type: domain.ParamTypeInt, Min: ptr(5), Max: ptr(30)},
		},
	}))

	schema, err := r.Schema("momentum")
	require.NoError(t, err)
	assert.True(t, schema["lookback"].HasRange())

	factory, err := r.Resolve("momentum")
	require.NoError(t, err)

	s, err := factory(domain.Parameters{"lookback": domain.IntValue(10)})
	require.NoError(t, err)
	assert.Equal(t, "momentum", s.Type())
	assert.Equal(t, int64(10), s.Parameters()["lookback"].Int)

	_, err = factory(domain.Parameters{"lookback": domain.StringValue("ten")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRegistry_UnknownType(t *testing.T) {
	r := New()

	_, err := r.Schema("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	_, err = r.Resolve("missing")
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestRegistry_RegisterRejectsBadInput(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register(Definition{}), domain.ErrInvalidInput)

	err := r.Register(Definition{Type: "x", Schema: domain.Schema{"p": {Type: "decimal"}}})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRegistry_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSchemas), 0o644))

	r := New()
	types, err := r.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"rsi", "sma_cross"}, types)
	assert.Equal(t, types, r.Types())

	schema, err := r.Schema("sma_cross")
	require.NoError(t, err)
	require.Len(t, schema, 5)

	fast := schema["fast_period"]
	assert.Equal(t, domain.ParamTypeInt, fast.Type)
	assert.Equal(t, 5.0, *fast.Min)
	assert.Equal(t, domain.IntValue(10), *fast.Default)

	assert.Nil(t, schema["slow_period"].Default)
	assert.Equal(t, domain.BoolValue(true), *schema["use_volume"].Default)
	assert.Equal(t, []domain.Value{domain.StringValue("ema"), domain.StringValue("sma")}, schema["ma_kind"].Choices)

	rsi, err := r.Schema("rsi")
	require.NoError(t, err)
	assert.Equal(t, domain.ParamTypeInt, rsi["period"].Type)
}

func TestRegistry_LoadFileMissing(t *testing.T) {
	_, err := New().LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
