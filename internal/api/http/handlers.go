package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/domain"
	"github.com/saltfish/freqevolve/internal/registry"
)

// EvolutionService is the serialized evolution API the handlers call.
// *evolution.Coordinator implements it.
type EvolutionService interface {
	Start(ctx context.Context, strategyType string, btCfg domain.BacktestConfig, cfg *domain.EvolutionConfig, overrides domain.ParameterSpace) (uuid.UUID, error)
	Evaluate(ctx context.Context, btCfg *domain.BacktestConfig) (*domain.GenerationReport, error)
	Evolve(ctx context.Context) (*domain.EvolutionDescriptor, error)
	RunSteps(ctx context.Context, btCfg *domain.BacktestConfig, n int) ([]*domain.StepReport, error)
	Promote(ctx context.Context, criteria *domain.PromotionCriteria) ([]*domain.Genome, error)
	Summary() *domain.EvolutionSummary
	Details(id uuid.UUID) (*domain.Genome, error)
	Instance(id uuid.UUID) (registry.Strategy, error)
	Lineage(id uuid.UUID) ([]*domain.Genome, error)
	Ready() bool
}

// Defaults fill request fields a client leaves out. Partial config objects
// in a request are merged over Backtest and Evolution.
type Defaults struct {
	StrategyType string
	Backtest     domain.BacktestConfig
	Evolution    domain.EvolutionConfig
}

// Handler provides REST API handlers.
type Handler struct {
	service  EvolutionService
	defaults Defaults
	logger   *zap.Logger
}

// NewHandler creates a new Handler instance.
func NewHandler(service EvolutionService, defaults Defaults, logger *zap.Logger) *Handler {
	if defaults.Evolution.PopulationSize == 0 {
		defaults.Evolution = domain.DefaultEvolutionConfig()
	}
	return &Handler{
		service:  service,
		defaults: defaults,
		logger:   logger,
	}
}

// RegisterRoutes mounts the REST routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/evolution/start", h.HandleStartEvolution)
	mux.HandleFunc("/api/v1/evolution/evaluate", h.HandleEvaluateGeneration)
	mux.HandleFunc("/api/v1/evolution/evolve", h.HandleEvolveGeneration)
	mux.HandleFunc("/api/v1/evolution/step", h.HandleStep)
	mux.HandleFunc("/api/v1/evolution/promote", h.HandlePromote)
	mux.HandleFunc("/api/v1/evolution/summary", h.HandleGetSummary)
	mux.HandleFunc("/api/v1/strategies/", h.HandleStrategyRoutes)
}

// Error response structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}

// writeServiceError maps an engine error to its HTTP status.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrConfiguration), errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyPopulation):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrPoolUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}
	writeError(w, status, err, message)
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// parseUUID parses UUID from string.
func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, errors.New("empty UUID")
	}
	return uuid.Parse(s)
}

// splitPath returns the path segments after prefix.
// Expected format: /api/v1/resource/:id or /api/v1/resource/:id/action
func splitPath(path, prefix string) []string {
	path = strings.TrimPrefix(path, prefix)
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// ========================================
// Evolution Handlers
// ========================================

// StartEvolutionRequest represents the request body for starting a run.
type StartEvolutionRequest struct {
	StrategyType   string                  `json:"strategy_type"`
	BacktestConfig *domain.BacktestConfig  `json:"backtest_config,omitempty"`
	Config         *domain.EvolutionConfig `json:"config,omitempty"`
	ParameterSpace domain.ParameterSpace   `json:"parameter_space,omitempty"`
}

// StartEvolutionResponse represents the response for starting a run.
type StartEvolutionResponse struct {
	RunID   uuid.UUID                `json:"run_id"`
	Summary *domain.EvolutionSummary `json:"summary"`
}

// HandleStartEvolution creates the initial population of a new run.
func (h *Handler) HandleStartEvolution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"), "")
		return
	}

	// decoding into copies of the defaults keeps fields the body omits
	btCfg := h.defaults.Backtest
	evoCfg := h.defaults.Evolution
	req := StartEvolutionRequest{BacktestConfig: &btCfg, Config: &evoCfg}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	strategyType := req.StrategyType
	if strategyType == "" {
		strategyType = h.defaults.StrategyType
	}
	if req.BacktestConfig == nil {
		req.BacktestConfig = &h.defaults.Backtest
	}

	runID, err := h.service.Start(r.Context(), strategyType, *req.BacktestConfig, req.Config, req.ParameterSpace)
	if err != nil {
		h.writeServiceError(w, err, "failed to start evolution")
		return
	}

	h.logger.Info("Evolution started via API",
		zap.String("run_id", runID.String()),
		zap.String("strategy_type", strategyType),
	)

	writeJSON(w, http.StatusCreated, StartEvolutionResponse{
		RunID:   runID,
		Summary: h.service.Summary(),
	})
}

// BacktestRequest carries an optional backtest config override.
type BacktestRequest struct {
	BacktestConfig *domain.BacktestConfig `json:"backtest_config,omitempty"`
}

// HandleEvaluateGeneration backtests the current population.
func (h *Handler) HandleEvaluateGeneration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"), "")
		return
	}

	var req BacktestRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	report, err := h.service.Evaluate(r.Context(), req.BacktestConfig)
	if err != nil {
		h.writeServiceError(w, err, "failed to evaluate generation")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// HandleEvolveGeneration breeds the next generation.
func (h *Handler) HandleEvolveGeneration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"), "")
		return
	}

	descriptor, err := h.service.Evolve(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "failed to evolve generation")
		return
	}

	writeJSON(w, http.StatusOK, descriptor)
}

// StepRequest represents the request body for running evolution steps.
type StepRequest struct {
	Generations    int                    `json:"generations"`
	BacktestConfig *domain.BacktestConfig `json:"backtest_config,omitempty"`
}

// StepResponse lists the reports of the completed steps.
type StepResponse struct {
	Steps   []*domain.StepReport     `json:"steps"`
	Summary *domain.EvolutionSummary `json:"summary"`
}

// HandleStep runs one or more evaluate-then-evolve steps.
func (h *Handler) HandleStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"), "")
		return
	}

	var req StepRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}
	if req.Generations < 0 {
		writeError(w, http.StatusBadRequest, errors.New("generations must be non-negative"), "invalid request body")
		return
	}
	if req.Generations == 0 {
		req.Generations = 1
	}

	steps, err := h.service.RunSteps(r.Context(), req.BacktestConfig, req.Generations)
	if err != nil {
		h.writeServiceError(w, err, "failed to run evolution step")
		return
	}

	writeJSON(w, http.StatusOK, StepResponse{
		Steps:   steps,
		Summary: h.service.Summary(),
	})
}

// PromoteRequest represents the request body for auto-promotion.
type PromoteRequest struct {
	Criteria *domain.PromotionCriteria `json:"criteria,omitempty"`
}

// PromoteResponse lists the promoted genomes.
type PromoteResponse struct {
	Promoted []*domain.Genome `json:"promoted"`
	Count    int              `json:"count"`
}

// HandlePromote returns the genomes meeting the promotion criteria.
func (h *Handler) HandlePromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"), "")
		return
	}

	var req PromoteRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}

	promoted, err := h.service.Promote(r.Context(), req.Criteria)
	if err != nil {
		h.writeServiceError(w, err, "failed to promote strategies")
		return
	}
	if promoted == nil {
		promoted = []*domain.Genome{}
	}

	writeJSON(w, http.StatusOK, PromoteResponse{Promoted: promoted, Count: len(promoted)})
}

// HandleGetSummary returns the controller summary.
func (h *Handler) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"), "")
		return
	}
	writeJSON(w, http.StatusOK, h.service.Summary())
}

// ========================================
// Strategy Handlers
// ========================================

// GetStrategyResponse represents the response for a genome lookup.
type GetStrategyResponse struct {
	Strategy *domain.Genome `json:"strategy"`
}

// GetStrategyLineageResponse represents the response for lineage lookups.
type GetStrategyLineageResponse struct {
	Lineage []*domain.Genome `json:"lineage"`
}

// StrategyInstanceResponse describes an instantiated strategy.
type StrategyInstanceResponse struct {
	Type       string            `json:"type"`
	Parameters domain.Parameters `json:"parameters"`
}

// HandleStrategyRoutes dispatches /api/v1/strategies/:id[/lineage|/instance].
func (h *Handler) HandleStrategyRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"), "")
		return
	}

	parts := splitPath(r.URL.Path, "/api/v1/strategies")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, errors.New("not found"), "")
		return
	}

	id, err := parseUUID(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid strategy id")
		return
	}

	if len(parts) == 1 {
		genome, err := h.service.Details(id)
		if err != nil {
			h.writeServiceError(w, err, "failed to get strategy")
			return
		}
		writeJSON(w, http.StatusOK, GetStrategyResponse{Strategy: genome})
		return
	}

	switch parts[1] {
	case "lineage":
		lineage, err := h.service.Lineage(id)
		if err != nil {
			h.writeServiceError(w, err, "failed to get lineage")
			return
		}
		writeJSON(w, http.StatusOK, GetStrategyLineageResponse{Lineage: lineage})
	case "instance":
		strategy, err := h.service.Instance(id)
		if err != nil {
			h.writeServiceError(w, err, "failed to create strategy instance")
			return
		}
		writeJSON(w, http.StatusOK, StrategyInstanceResponse{
			Type:       strategy.Type(),
			Parameters: strategy.Parameters(),
		})
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"), "")
	}
}
