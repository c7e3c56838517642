// Package backtest defines the backtester contract used to score genomes and
// provides the Docker-based implementation.
package backtest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/saltfish/freqevolve/internal/domain"
	"github.com/saltfish/freqevolve/internal/registry"
)

// Request contains everything a backtester needs to evaluate one genome.
type Request struct {
	// StrategyID is the genome id.
	StrategyID uuid.UUID

	// StrategyType is the registered strategy type.
	StrategyType string

	// Strategy is the instance built by the registry factory. It may be nil
	// for callers that only pass parameters.
	Strategy registry.Strategy

	// Parameters is the genome's parameter set.
	Parameters domain.Parameters

	// Config is the market window to test on.
	Config domain.BacktestConfig
}

// Backtester runs a single historical simulation.
type Backtester interface {
	RunBacktest(ctx context.Context, req Request) (*domain.BacktestResult, error)
}

// Func adapts an ordinary function to the Backtester interface.
type Func func(ctx context.Context, req Request) (*domain.BacktestResult, error)

// RunBacktest calls f(ctx, req).
func (f Func) RunBacktest(ctx context.Context, req Request) (*domain.BacktestResult, error) {
	return f(ctx, req)
}

// Constructor builds a fresh Backtester. Every evaluation worker calls it
// once so that no backtester instance is shared between workers.
type Constructor func() (Backtester, error)

// Set maps asset classes to backtester constructors.
type Set struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{constructors: make(map[string]Constructor)}
}

// Register adds the constructor for an asset class.
func (s *Set) Register(assetClass string, c Constructor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.constructors[assetClass] = c
}

// Resolve returns the constructor for an asset class.
func (s *Set) Resolve(assetClass string) (Constructor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.constructors[assetClass]
	if !ok {
		return nil, domain.NewConfigurationError(assetClass, "no backtester registered for asset class")
	}
	return c, nil
}

// AssetClasses returns the registered asset classes in sorted order.
func (s *Set) AssetClasses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.constructors))
	for k := range s.constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
