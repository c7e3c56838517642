// Package evolution implements the generational controller: it owns the
// population, drives evaluation and breeding, keeps the best-strategies list
// and checkpoints after every mutating step.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/backtest"
	"github.com/saltfish/freqevolve/internal/domain"
	"github.com/saltfish/freqevolve/internal/events"
	"github.com/saltfish/freqevolve/internal/genetic"
	"github.com/saltfish/freqevolve/internal/metrics"
	"github.com/saltfish/freqevolve/internal/registry"
	"github.com/saltfish/freqevolve/internal/store"
)

// StrategyRegistry is the part of the registry the engine needs.
type StrategyRegistry interface {
	Schema(strategyType string) (domain.Schema, error)
	Resolve(strategyType string) (registry.Factory, error)
}

// BacktesterSet resolves the backtester constructor for an asset class.
type BacktesterSet interface {
	Resolve(assetClass string) (backtest.Constructor, error)
}

// Evaluator runs one backtest per genome of a batch.
type Evaluator interface {
	RunGenerationBacktests(ctx context.Context, batch *backtest.Batch) (map[uuid.UUID]*domain.BacktestResult, error)
}

// Options are the collaborators of an Engine. Registry, Backtesters and at
// least one evaluator are required.
type Options struct {
	Registry    StrategyRegistry
	Backtesters BacktesterSet
	Parallel    Evaluator
	Sequential  Evaluator
	Store       store.Checkpointer
	Publisher   events.Publisher
	Metrics     *metrics.Metrics
	Rand        *rand.Rand
}

// Engine is the evolution controller. It is single-writer: callers that
// share an Engine between goroutines must serialize access (see
// Coordinator).
type Engine struct {
	registry    StrategyRegistry
	backtesters BacktesterSet
	parallel    Evaluator
	sequential  Evaluator
	store       store.Checkpointer
	publisher   events.Publisher
	metrics     *metrics.Metrics
	rng         *rand.Rand
	defaults    domain.EvolutionConfig
	logger      *zap.Logger
	tracer      trace.Tracer

	ops *genetic.Operators

	runID          uuid.UUID
	strategyType   string
	config         domain.EvolutionConfig
	backtestConfig domain.BacktestConfig
	generation     int
	population     []*domain.Genome
	history        map[string][]*domain.Genome
	best           []*domain.Genome
}

// NewEngine creates an Engine. defaults is the config used by runs started
// without an explicit config.
func NewEngine(opts Options, defaults domain.EvolutionConfig, logger *zap.Logger) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: strategy registry is required", domain.ErrInvalidInput)
	}
	if opts.Backtesters == nil {
		return nil, fmt.Errorf("%w: backtester set is required", domain.ErrInvalidInput)
	}
	if opts.Parallel == nil && opts.Sequential == nil {
		return nil, fmt.Errorf("%w: an evaluator is required", domain.ErrInvalidInput)
	}

	defaults = defaults.WithDefaults()
	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NewNoOpPublisher()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Engine{
		registry:    opts.Registry,
		backtesters: opts.Backtesters,
		parallel:    opts.Parallel,
		sequential:  opts.Sequential,
		store:       opts.Store,
		publisher:   publisher,
		metrics:     opts.Metrics,
		rng:         rng,
		defaults:    defaults,
		logger:      logger,
		tracer:      otel.Tracer("freqevolve/evolution"),
		config:      defaults,
		history:     make(map[string][]*domain.Genome),
	}, nil
}

// StartEvolution samples a fresh population for strategyType and archives
// it under a new run id. No backtests are run. A nil cfg uses the engine
// defaults; overrides replace the schema-derived space per parameter.
func (e *Engine) StartEvolution(ctx context.Context, strategyType string, btCfg domain.BacktestConfig, cfg *domain.EvolutionConfig, overrides domain.ParameterSpace) (uuid.UUID, error) {
	ctx, span := e.tracer.Start(ctx, "evolution.StartEvolution",
		trace.WithAttributes(attribute.String("strategy_type", strategyType)),
	)
	defer span.End()

	runCfg := e.defaults
	if cfg != nil {
		runCfg = cfg.WithDefaults()
	}
	if err := runCfg.Validate(); err != nil {
		return uuid.Nil, err
	}
	if err := btCfg.Validate(); err != nil {
		return uuid.Nil, err
	}

	schema, err := e.registry.Schema(strategyType)
	if err != nil {
		return uuid.Nil, err
	}
	space, err := genetic.BuildSpace(schema, overrides)
	if err != nil {
		return uuid.Nil, fmt.Errorf("strategy %s: %w", strategyType, err)
	}

	population := make([]*domain.Genome, runCfg.PopulationSize)
	for i := range population {
		population[i] = domain.NewGenome(strategyType, genetic.Sample(space, e.rng), 0)
	}

	e.runID = uuid.New()
	e.strategyType = strategyType
	e.config = runCfg
	e.backtestConfig = btCfg
	e.generation = 0
	e.population = population
	e.ops = genetic.NewOperators(e.rng, runCfg.FitnessMetric, runCfg.GeneMutationProbability)
	e.archive(population)

	span.SetAttributes(
		attribute.String("run_id", e.runID.String()),
		attribute.Int("population_size", len(population)),
	)

	e.logger.Info("Evolution started",
		zap.String("run_id", e.runID.String()),
		zap.String("strategy_type", strategyType),
		zap.Int("population_size", len(population)),
		zap.String("asset_class", btCfg.AssetClass),
	)

	e.persist(ctx, store.DocPopulation, store.DocHistory, store.DocBest, store.DocState)
	e.metrics.SetPopulation(strategyType, len(population))

	state := e.state()
	if err := e.publisher.PublishEvolutionStarted(ctx, events.NewEvolutionStartedEvent(&state, len(population))); err != nil {
		e.logger.Warn("Failed to publish evolution started event", zap.Error(err))
	}

	return e.runID, nil
}

// RunBacktestGeneration evaluates the current population. A nil btCfg, or
// one without an asset class, uses the run's backtest config. Per-genome
// failures are recorded on the genome and never returned as errors.
func (e *Engine) RunBacktestGeneration(ctx context.Context, btCfg *domain.BacktestConfig) (*domain.GenerationReport, error) {
	if len(e.population) == 0 {
		return nil, domain.ErrEmptyPopulation
	}

	cfg := e.backtestConfig
	if btCfg != nil && btCfg.AssetClass != "" {
		if err := btCfg.Validate(); err != nil {
			return nil, err
		}
		cfg = *btCfg
	}

	constructor, err := e.backtesters.Resolve(cfg.AssetClass)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "evolution.RunBacktestGeneration",
		trace.WithAttributes(
			attribute.String("run_id", e.runID.String()),
			attribute.Int("generation", e.generation),
			attribute.Int("population_size", len(e.population)),
			attribute.String("asset_class", cfg.AssetClass),
		),
	)
	defer span.End()

	batch := &backtest.Batch{
		Genomes:     e.population,
		Strategies:  e.registry,
		Constructor: constructor,
		Config:      cfg,
		MaxWorkers:  e.config.MaxParallelWorkers,
	}

	start := time.Now()
	results, err := e.evaluator().RunGenerationBacktests(ctx, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, domain.ErrPoolUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrPoolUnavailable, err)
		}
		return nil, err
	}
	duration := time.Since(start)

	e.merge(results)
	e.rankPopulation()

	report := e.buildReport(duration)
	if report.Best != nil {
		e.updateBest(e.population[0])
	}

	if report.Successful == 0 {
		e.logger.Warn("No successful genomes in generation",
			zap.String("run_id", e.runID.String()),
			zap.Int("generation", e.generation),
			zap.Int("failed", report.Failed),
		)
	}

	e.logger.Info("Generation evaluated",
		zap.String("run_id", e.runID.String()),
		zap.Int("generation", e.generation),
		zap.Int("successful", report.Successful),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", duration),
	)

	span.SetAttributes(
		attribute.Int("successful", report.Successful),
		attribute.Int("failed", report.Failed),
	)

	e.persist(ctx, store.DocPopulation, store.DocBest, store.DocState)

	bestFitness := math.Inf(-1)
	if report.Best != nil {
		bestFitness = report.Best.Fitness(e.config.FitnessMetric)
	}
	e.metrics.ObserveGeneration(e.strategyType, report.Successful, report.Failed, duration, bestFitness, report.Best != nil && !math.IsInf(bestFitness, 0))

	if err := e.publisher.PublishGenerationEvaluated(ctx, events.NewGenerationEvaluatedEvent(report, e.config.FitnessMetric)); err != nil {
		e.logger.Warn("Failed to publish generation evaluated event", zap.Error(err))
	}

	return report, nil
}

func (e *Engine) evaluator() Evaluator {
	if e.config.ParallelEvaluation && e.parallel != nil {
		return e.parallel
	}
	if e.sequential != nil {
		return e.sequential
	}
	return e.parallel
}

// merge attaches a result to every genome. Missing and error results get
// the failure marker on the primary and ranking metrics.
func (e *Engine) merge(results map[uuid.UUID]*domain.BacktestResult) {
	for _, g := range e.population {
		r, ok := results[g.ID]
		switch {
		case !ok || r == nil:
			g.MarkFailed("no result returned for genome", e.config.FitnessMetric, e.config.RankingMetric)
		case r.Succeeded():
			g.MarkSucceeded(r.Performance)
		default:
			g.MarkFailed(r.ErrorMessage, e.config.FitnessMetric, e.config.RankingMetric)
		}
	}
}

// rankPopulation sorts the population best first by the primary metric.
// Successful genomes precede failed ones on equal fitness; other ties keep
// the current order.
func (e *Engine) rankPopulation() {
	metric := e.config.FitnessMetric
	sort.SliceStable(e.population, func(i, j int) bool {
		return e.population[i].RanksAbove(e.population[j], metric)
	})
}

func (e *Engine) buildReport(duration time.Duration) *domain.GenerationReport {
	report := &domain.GenerationReport{
		RunID:        e.runID,
		StrategyType: e.strategyType,
		Generation:   e.generation,
		Results:      make([]domain.GenomeResult, 0, len(e.population)),
		Averages:     make(map[string]float64),
		Duration:     duration,
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)

	for _, g := range e.population {
		row := domain.GenomeResult{
			GenomeID:    g.ID,
			Name:        g.Name,
			Fitness:     reportedFitness(g.Fitness(e.config.FitnessMetric)),
			Performance: g.Performance.Clone(),
		}
		if g.Failed() {
			row.Status = domain.ResultStatusError.String()
			row.Error = g.EvalError
			report.Failed++
		} else {
			row.Status = domain.ResultStatusSuccess.String()
			report.Successful++
			for metric, v := range g.Performance {
				sums[metric] += v
				counts[metric]++
			}
		}
		report.Results = append(report.Results, row)
	}

	for metric, sum := range sums {
		report.Averages[metric] = sum / float64(counts[metric])
	}

	if report.Successful == 0 {
		report.Warning = fmt.Sprintf("no successful genomes in generation %d", e.generation)
	}
	if top := e.population[0]; !top.Failed() {
		report.Best = top.Clone()
	}
	return report
}

// reportedFitness replaces a missing metric with the failure sentinel so
// that reports stay JSON encodable.
func reportedFitness(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return domain.FailedFitness
	}
	return v
}

// updateBest inserts top into the best-strategies list when the list has
// room or top beats the worst kept entry on the ranking metric. An entry
// with the same id is replaced.
func (e *Engine) updateBest(top *domain.Genome) {
	if top == nil || !top.IsEvaluated() || top.Failed() {
		return
	}

	metric := e.config.RankingMetric
	entry := top.Clone()

	replaced := false
	for i, b := range e.best {
		if b.ID == entry.ID {
			e.best[i] = entry
			replaced = true
			break
		}
	}

	if !replaced {
		limit := e.config.BestStrategiesLimit()
		if len(e.best) < limit || entry.Fitness(metric) > e.best[len(e.best)-1].Fitness(metric) {
			e.best = append(e.best, entry)
		}
	}

	sort.SliceStable(e.best, func(i, j int) bool {
		return e.best[i].RanksAbove(e.best[j], metric)
	})
	if limit := e.config.BestStrategiesLimit(); len(e.best) > limit {
		e.best = e.best[:limit]
	}
}

// EvolveGeneration breeds the next generation from the current one and
// archives the replaced population.
func (e *Engine) EvolveGeneration(ctx context.Context) (*domain.EvolutionDescriptor, error) {
	if len(e.population) == 0 {
		return nil, domain.ErrEmptyPopulation
	}

	ctx, span := e.tracer.Start(ctx, "evolution.EvolveGeneration",
		trace.WithAttributes(
			attribute.String("run_id", e.runID.String()),
			attribute.Int("generation", e.generation),
		),
	)
	defer span.End()

	cfg := e.config
	nextGen := e.generation + 1

	ranked := make([]*domain.Genome, len(e.population))
	copy(ranked, e.population)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Fitness(cfg.FitnessMetric) > ranked[j].Fitness(cfg.FitnessMetric)
	})

	eliteCount := cfg.EliteSize
	if eliteCount > len(ranked) {
		eliteCount = len(ranked)
	}
	if eliteCount > cfg.PopulationSize {
		eliteCount = cfg.PopulationSize
	}

	next := make([]*domain.Genome, 0, cfg.PopulationSize)
	for _, elite := range ranked[:eliteCount] {
		next = append(next, domain.NewGenome(e.strategyType, elite.Parameters.Clone(), nextGen, elite.ID))
	}

	mutated := 0
	for len(next) < cfg.PopulationSize {
		var child *domain.Genome
		if len(ranked) >= 2 && e.rng.Float64() < cfg.CrossoverRate {
			p1 := e.ops.Select(ranked, cfg.SelectionMethod, cfg.TournamentSize)
			p2 := e.ops.Select(ranked, cfg.SelectionMethod, cfg.TournamentSize)
			child = e.ops.Crossover(p1, p2, nextGen)
		} else {
			parent := e.ops.Select(ranked, cfg.SelectionMethod, cfg.TournamentSize)
			child = domain.NewGenome(e.strategyType, parent.Parameters.Clone(), nextGen, parent.ID)
		}

		if e.rng.Float64() < cfg.MutationRate {
			if e.ops.Mutate(child) > 0 {
				mutated++
			}
		}
		next = append(next, child)
	}

	e.archive(e.population)

	desc := &domain.EvolutionDescriptor{
		RunID:              e.runID,
		StrategyType:       e.strategyType,
		PreviousGeneration: e.generation,
		NewGeneration:      nextGen,
		PopulationSize:     len(next),
		EliteCount:         eliteCount,
	}

	e.population = next
	e.generation = nextGen

	e.logger.Info("Generation evolved",
		zap.String("run_id", e.runID.String()),
		zap.Int("previous_generation", desc.PreviousGeneration),
		zap.Int("new_generation", desc.NewGeneration),
		zap.Int("population_size", desc.PopulationSize),
		zap.Int("elite_count", eliteCount),
		zap.Int("mutated", mutated),
	)

	e.persist(ctx, store.DocPopulation, store.DocHistory, store.DocState)
	e.metrics.ObserveEvolve(e.strategyType, len(next))

	if err := e.publisher.PublishGenerationEvolved(ctx, events.NewGenerationEvolvedEvent(desc)); err != nil {
		e.logger.Warn("Failed to publish generation evolved event", zap.Error(err))
	}

	return desc, nil
}

// AutoPromoteStrategies returns the evaluated, non-failed genomes of the
// current population and the best-strategies list that meet criteria. A nil
// criteria uses the configured auto-promotion threshold as the minimum total
// return. Engine state is not modified.
func (e *Engine) AutoPromoteStrategies(ctx context.Context, criteria *domain.PromotionCriteria) ([]*domain.Genome, error) {
	c := domain.PromotionCriteria{MinTotalReturn: e.config.AutoPromotionThreshold}
	if criteria != nil {
		c = *criteria
	}

	seen := make(map[uuid.UUID]struct{})
	var promoted []*domain.Genome

	candidates := make([]*domain.Genome, 0, len(e.population)+len(e.best))
	candidates = append(candidates, e.population...)
	candidates = append(candidates, e.best...)

	for _, g := range candidates {
		if _, ok := seen[g.ID]; ok {
			continue
		}
		seen[g.ID] = struct{}{}

		if !g.IsEvaluated() || g.Failed() || !c.IsMet(g.Performance) {
			continue
		}
		promoted = append(promoted, g.Clone())
	}

	metric := e.config.FitnessMetric
	sort.SliceStable(promoted, func(i, j int) bool {
		return promoted[i].Fitness(metric) > promoted[j].Fitness(metric)
	})

	for _, g := range promoted {
		if err := e.publisher.PublishStrategyPromoted(ctx, events.NewStrategyPromotedEvent(e.runID, g, c)); err != nil {
			e.logger.Warn("Failed to publish strategy promoted event",
				zap.String("genome_id", g.ID.String()),
				zap.Error(err),
			)
		}
	}
	e.metrics.ObservePromotions(e.strategyType, len(promoted))

	e.logger.Info("Auto-promotion evaluated",
		zap.Int("candidates", len(seen)),
		zap.Int("promoted", len(promoted)),
		zap.Float64("min_total_return", c.MinTotalReturn),
	)

	return promoted, nil
}

// GetStrategyDetails looks a genome up in the current population, then the
// history, then the best-strategies list.
func (e *Engine) GetStrategyDetails(id uuid.UUID) (*domain.Genome, error) {
	g := e.lookup(id)
	if g == nil {
		return nil, domain.NewNotFoundError("genome", id.String())
	}
	return g.Clone(), nil
}

// CreateStrategyInstance builds a strategy from a stored genome.
func (e *Engine) CreateStrategyInstance(id uuid.UUID) (registry.Strategy, error) {
	g := e.lookup(id)
	if g == nil {
		return nil, domain.NewNotFoundError("genome", id.String())
	}
	factory, err := e.registry.Resolve(g.StrategyType)
	if err != nil {
		return nil, err
	}
	return factory(g.Parameters.Clone())
}

func (e *Engine) lookup(id uuid.UUID) *domain.Genome {
	for _, g := range e.population {
		if g.ID == id {
			return g
		}
	}
	for _, genomes := range e.history {
		for _, g := range genomes {
			if g.ID == id {
				return g
			}
		}
	}
	for _, g := range e.best {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// Lineage returns the genome followed by every ancestor reachable through
// parent ids, nearest first. Ancestors that are no longer known are skipped.
func (e *Engine) Lineage(id uuid.UUID) ([]*domain.Genome, error) {
	root := e.lookup(id)
	if root == nil {
		return nil, domain.NewNotFoundError("genome", id.String())
	}

	visited := map[uuid.UUID]struct{}{root.ID: {}}
	queue := []*domain.Genome{root}
	var lineage []*domain.Genome

	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		lineage = append(lineage, g.Clone())

		for _, pid := range g.ParentIDs {
			if _, ok := visited[pid]; ok {
				continue
			}
			visited[pid] = struct{}{}
			if parent := e.lookup(pid); parent != nil {
				queue = append(queue, parent)
			}
		}
	}
	return lineage, nil
}

// GetEvolutionSummary returns a snapshot of the controller state.
func (e *Engine) GetEvolutionSummary() *domain.EvolutionSummary {
	summary := &domain.EvolutionSummary{
		RunID:             e.runID,
		StrategyType:      e.strategyType,
		Generation:        e.generation,
		PopulationSize:    len(e.population),
		TotalRuns:         len(e.history),
		BestStrategyCount: len(e.best),
		Config:            e.config,
	}
	if len(e.best) > 0 {
		summary.TopPerformer = e.best[0].Clone()
	}
	return summary
}

// Restore reloads the last checkpoint. It returns false when there is no
// store or nothing was stored.
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	if e.store == nil {
		return false, nil
	}

	cp, err := e.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp.Empty() {
		return false, nil
	}

	e.population = cp.Population
	e.best = cp.Best
	e.history = cp.History
	if e.history == nil {
		e.history = make(map[string][]*domain.Genome)
	}

	if cp.State != nil {
		e.runID = cp.State.RunID
		e.strategyType = cp.State.StrategyType
		e.generation = cp.State.Generation
		e.config = cp.State.Config.WithDefaults()
		e.backtestConfig = cp.State.BacktestConfig
	} else if len(e.population) > 0 {
		e.strategyType = e.population[0].StrategyType
		e.generation = e.population[0].Generation
		e.config = e.defaults
	}
	e.ops = genetic.NewOperators(e.rng, e.config.FitnessMetric, e.config.GeneMutationProbability)

	e.metrics.SetPopulation(e.strategyType, len(e.population))

	e.logger.Info("Evolution checkpoint restored",
		zap.String("run_id", e.runID.String()),
		zap.String("strategy_type", e.strategyType),
		zap.Int("generation", e.generation),
		zap.Int("population_size", len(e.population)),
		zap.Int("best_strategies", len(e.best)),
	)
	return true, nil
}

// archive merges genomes into the history of the current run by id.
func (e *Engine) archive(genomes []*domain.Genome) {
	key := e.runID.String()
	existing := e.history[key]

	index := make(map[uuid.UUID]int, len(existing))
	for i, g := range existing {
		index[g.ID] = i
	}
	for _, g := range genomes {
		c := g.Clone()
		if i, ok := index[g.ID]; ok {
			existing[i] = c
			continue
		}
		index[g.ID] = len(existing)
		existing = append(existing, c)
	}
	e.history[key] = existing
}

func (e *Engine) state() domain.EvolutionState {
	return domain.EvolutionState{
		RunID:          e.runID,
		StrategyType:   e.strategyType,
		Generation:     e.generation,
		Config:         e.config,
		BacktestConfig: e.backtestConfig,
		UpdatedAt:      time.Now().UTC(),
	}
}

// persist rewrites the named documents. Failures are logged and do not
// roll back in-memory state.
func (e *Engine) persist(ctx context.Context, docs ...string) {
	if e.store == nil {
		return
	}
	for _, doc := range docs {
		var err error
		switch doc {
		case store.DocPopulation:
			err = e.store.SaveCurrentPopulation(ctx, e.population)
		case store.DocHistory:
			err = e.store.SaveHistory(ctx, e.history)
		case store.DocBest:
			err = e.store.SaveBestStrategies(ctx, e.best)
		case store.DocState:
			state := e.state()
			err = e.store.SaveState(ctx, &state)
		}
		if err != nil {
			e.logger.Error("Failed to persist checkpoint document",
				zap.String("document", doc),
				zap.String("run_id", e.runID.String()),
				zap.Error(err),
			)
		}
	}
}

// RunID returns the id of the active run.
func (e *Engine) RunID() uuid.UUID { return e.runID }

// Generation returns the current generation number.
func (e *Engine) Generation() int { return e.generation }

// Config returns the active run config.
func (e *Engine) Config() domain.EvolutionConfig { return e.config }

// BacktestConfig returns the backtest config of the active run.
func (e *Engine) BacktestConfig() domain.BacktestConfig { return e.backtestConfig }

// Population returns a copy of the current population.
func (e *Engine) Population() []*domain.Genome { return domain.CloneGenomes(e.population) }

// BestStrategies returns a copy of the best-strategies list.
func (e *Engine) BestStrategies() []*domain.Genome { return domain.CloneGenomes(e.best) }

// Ready reports whether a population exists.
func (e *Engine) Ready() bool { return len(e.population) > 0 }
