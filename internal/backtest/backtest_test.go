package backtest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqevolve/internal/domain"
)

func TestSet_Resolve(t *testing.T) {
	s := NewSet()
	s.Register("crypto", func() (Backtester, error) {
		return Func(func(ctx context.Context, req Request) (*domain.BacktestResult, error) {
			return domain.SuccessResult(req.StrategyID, domain.Performance{domain.MetricTotalReturn: 1}), nil
		}), nil
	})

	c, err := s.Resolve("crypto")
	require.NoError(t, err)
	bt, err := c()
	require.NoError(t, err)

	id := uuid.New()
	res, err := bt.RunBacktest(context.Background(), Request{StrategyID: id})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, id, res.GenomeID)

	_, err = s.Resolve("equities")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Equal(t, []string{"crypto"}, s.AssetClasses())
}

func TestParser_JSONLine(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))

	logs := "downloading data...\n" +
		`{"status":"success","performance":{"total_return":0.12,"sharpe_ratio":1.5,"trades":42}}` + "\n"

	perf, err := p.Parse(logs)
	require.NoError(t, err)
	assert.Equal(t, 0.12, perf[domain.MetricTotalReturn])
	assert.Equal(t, 1.5, perf[domain.MetricSharpeRatio])
	assert.Equal(t, 42.0, perf[domain.MetricTrades])
}

func TestParser_JSONErrorLine(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))

	_, err := p.Parse(`{"status":"error","error_message":"not enough candles"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough candles")
}

func TestParser_SummaryTable(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))

	logs := `
│ Total/Daily Avg Trades │ 120 / 1.2 │
│ Total profit %         │ 15.5%     │
│ Sharpe                 │ 1.8       │
│ Max Drawdown           │ 8.2%      │
│ Win Rate               │ 55.0%     │
`
	perf, err := p.Parse(logs)
	require.NoError(t, err)
	assert.InDelta(t, 0.155, perf[domain.MetricTotalReturn], 1e-9)
	assert.InDelta(t, 1.8, perf[domain.MetricSharpeRatio], 1e-9)
	assert.InDelta(t, 0.082, perf[domain.MetricMaxDrawdown], 1e-9)
	assert.InDelta(t, 0.55, perf[domain.MetricWinRate], 1e-9)
	assert.Equal(t, 120.0, perf[domain.MetricTrades])
}

func TestParser_ErrorPatterns(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))

	_, err := p.Parse("Traceback (most recent call last):\n  File x\nValueError: bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtest error")

	_, err = p.Parse("nothing useful here")
	assert.ErrorIs(t, err, ErrNoMetrics)
}

func TestEncodeRequest(t *testing.T) {
	id := uuid.New()
	data, err := EncodeRequest(Request{
		StrategyID:   id,
		StrategyType: "sma_cross",
		Parameters: domain.Parameters{
			"fast_period": domain.IntValue(10),
			"use_volume":  domain.BoolValue(true),
		},
		Config: domain.BacktestConfig{
			AssetClass:     "crypto",
			Symbol:         "BTC/USDT",
			StartDate:      "20240101",
			EndDate:        "20240301",
			Interval:       "1h",
			InitialCapital: 10000,
			CommissionPct:  0.001,
		},
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id.String(), decoded["strategy_id"])
	assert.Equal(t, "sma_cross", decoded["strategy_class"])
	assert.Equal(t, "BTC/USDT", decoded["symbol"])
	assert.Equal(t, 10000.0, decoded["initial_capital"])

	params := decoded["parameters"].(map[string]interface{})
	assert.Equal(t, 10.0, params["fast_period"])
	assert.Equal(t, true, params["use_volume"])
}
