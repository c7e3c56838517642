package backtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/domain"
)

// ErrNoMetrics is returned when the output contains no recognizable result.
var ErrNoMetrics = errors.New("no performance metrics found in backtest output")

// Parser turns backtester container output into performance metrics.
//
// The preferred format is a single JSON line, usually the last one:
//
//	{"status":"success","performance":{"total_return":0.12,"sharpe_ratio":1.3}}
//
// When no such line exists the Freqtrade summary table is parsed instead.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a new Parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

type outputLine struct {
	Status       string             `json:"status"`
	Performance  map[string]float64 `json:"performance"`
	ErrorMessage string             `json:"error_message"`
}

// Parse extracts the performance of a finished backtest.
func (p *Parser) Parse(logs string) (domain.Performance, error) {
	if line, ok := lastJSONLine(logs); ok {
		if domain.ResultStatusFromString(line.Status) == domain.ResultStatusError {
			msg := line.ErrorMessage
			if msg == "" {
				msg = "backtester reported an error"
			}
			return nil, fmt.Errorf("backtest error: %s", msg)
		}
		return domain.Performance(line.Performance).Clone(), nil
	}

	if err := checkForErrors(logs); err != nil {
		return nil, err
	}

	perf := parseSummary(logs)
	if len(perf) == 0 {
		return nil, ErrNoMetrics
	}

	p.logger.Debug("Parsed summary table",
		zap.Int("metrics", len(perf)),
	)

	return perf, nil
}

func lastJSONLine(logs string) (outputLine, bool) {
	lines := strings.Split(logs, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		text := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(text, "{") {
			continue
		}
		var line outputLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			continue
		}
		if line.Status == "" && line.Performance == nil {
			continue
		}
		return line, true
	}
	return outputLine{}, false
}

var errorPatterns = []string{
	"Error:",
	"CRITICAL:",
	"Exception:",
	"Traceback (most recent call last):",
	"Strategy file not found",
	"No data found",
	"ImportError:",
	"ModuleNotFoundError:",
	"SyntaxError:",
}

// checkForErrors checks the output for error indicators.
func checkForErrors(logs string) error {
	logsLower := strings.ToLower(logs)
	for _, pattern := range errorPatterns {
		if strings.Contains(logsLower, strings.ToLower(pattern)) {
			return fmt.Errorf("backtest error: %s", extractErrorMessage(logs, pattern))
		}
	}
	return nil
}

// extractErrorMessage returns the line of logs that starts at pattern.
func extractErrorMessage(logs, pattern string) string {
	idx := strings.Index(strings.ToLower(logs), strings.ToLower(pattern))
	if idx == -1 {
		return "unknown error"
	}

	end := idx + len(pattern) + 500
	if end > len(logs) {
		end = len(logs)
	}

	snippet := logs[idx:end]
	if newlineIdx := strings.Index(snippet, "\n"); newlineIdx != -1 {
		snippet = snippet[:newlineIdx]
	}

	return strings.TrimSpace(snippet)
}

// Freqtrade summary table patterns.
var (
	totalTradesRe = regexp.MustCompile(`(?i)Total[/\s].*Trades?\s*[│|]\s*(\d+)`)
	profitPctRe   = regexp.MustCompile(`(?i)Total profit\s*%?\s*[│|]\s*([-\d.]+)\s*%?`)
	sharpeRe      = regexp.MustCompile(`(?i)Sharpe\s*[│|]\s*([-\d.]+)`)
	sortinoRe     = regexp.MustCompile(`(?i)Sortino\s*[│|]\s*([-\d.]+)`)
	maxDrawdownRe = regexp.MustCompile(`(?i)Max\s*[dD]rawdown\s*[│|]\s*([-\d.]+)\s*%?`)
	winRateRe     = regexp.MustCompile(`(?i)Win\s*[rR]ate\s*[│|]?\s*([\d.]+)\s*%?`)
)

// parseSummary maps the summary table onto the standard metric names.
// Percentages are converted to fractions.
func parseSummary(logs string) domain.Performance {
	perf := domain.Performance{}

	if v, ok := matchFloat(totalTradesRe, logs); ok {
		perf[domain.MetricTrades] = v
	}
	if v, ok := matchFloat(profitPctRe, logs); ok {
		perf[domain.MetricTotalReturn] = v / 100
	}
	if v, ok := matchFloat(sharpeRe, logs); ok {
		perf[domain.MetricSharpeRatio] = v
	}
	if v, ok := matchFloat(sortinoRe, logs); ok {
		perf["sortino_ratio"] = v
	}
	if v, ok := matchFloat(maxDrawdownRe, logs); ok {
		perf[domain.MetricMaxDrawdown] = v / 100
	}
	if v, ok := matchFloat(winRateRe, logs); ok {
		if v > 1 {
			v /= 100
		}
		perf[domain.MetricWinRate] = v
	}

	return perf
}

func matchFloat(re *regexp.Regexp, logs string) (float64, bool) {
	matches := re.FindStringSubmatch(logs)
	if len(matches) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
