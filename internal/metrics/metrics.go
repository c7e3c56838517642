// Package metrics exposes Prometheus collectors for evolution runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "freqevolve"

// Metrics holds the evolution collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	GenerationsEvaluated *prometheus.CounterVec
	GenerationsEvolved   *prometheus.CounterVec
	BacktestsTotal       *prometheus.CounterVec
	GenerationDuration   *prometheus.HistogramVec
	BestFitness          *prometheus.GaugeVec
	PopulationSize       *prometheus.GaugeVec
	PromotionsTotal      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		GenerationsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_evaluated_total",
			Help:      "Total number of evaluated generations by strategy type",
		}, []string{"strategy_type"}),
		GenerationsEvolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_evolved_total",
			Help:      "Total number of evolve steps by strategy type",
		}, []string{"strategy_type"}),
		BacktestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtests_total",
			Help:      "Total number of genome backtests by strategy type and status",
		}, []string{"strategy_type", "status"}),
		GenerationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of a generation's evaluation barrier",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"strategy_type"}),
		BestFitness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_fitness",
			Help:      "Primary fitness of the current top genome",
		}, []string{"strategy_type"}),
		PopulationSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "population_size",
			Help:      "Number of genomes in the current population",
		}, []string{"strategy_type"}),
		PromotionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Total number of promoted genomes by strategy type",
		}, []string{"strategy_type"}),
	}
}

// Register registers every collector with reg. reg also serves Handler when
// it is a Gatherer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.GenerationsEvaluated,
		m.GenerationsEvolved,
		m.BacktestsTotal,
		m.GenerationDuration,
		m.BestFitness,
		m.PopulationSize,
		m.PromotionsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return nil
}

// Handler returns the /metrics handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveGeneration records one evaluated generation.
func (m *Metrics) ObserveGeneration(strategyType string, successful, failed int, duration time.Duration, bestFitness float64, hasBest bool) {
	if m == nil {
		return
	}
	m.GenerationsEvaluated.WithLabelValues(strategyType).Inc()
	m.BacktestsTotal.WithLabelValues(strategyType, "success").Add(float64(successful))
	m.BacktestsTotal.WithLabelValues(strategyType, "error").Add(float64(failed))
	m.GenerationDuration.WithLabelValues(strategyType).Observe(duration.Seconds())
	if hasBest {
		m.BestFitness.WithLabelValues(strategyType).Set(bestFitness)
	}
}

// ObserveEvolve records one evolve step.
func (m *Metrics) ObserveEvolve(strategyType string, populationSize int) {
	if m == nil {
		return
	}
	m.GenerationsEvolved.WithLabelValues(strategyType).Inc()
	m.PopulationSize.WithLabelValues(strategyType).Set(float64(populationSize))
}

// SetPopulation records the population size after start or restore.
func (m *Metrics) SetPopulation(strategyType string, populationSize int) {
	if m == nil {
		return
	}
	m.PopulationSize.WithLabelValues(strategyType).Set(float64(populationSize))
}

// ObservePromotions records promoted genomes.
func (m *Metrics) ObservePromotions(strategyType string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.PromotionsTotal.WithLabelValues(strategyType).Add(float64(count))
}
