// Package api serves the reconciler admin HTTP API.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/cleanup"
	"github.com/tendant/blob-reconcile/pkg/reconcile/tasks"
)

// Deps are the components the handler serves.
type Deps struct {
	Runner   *tasks.Runner
	Engine   *cleanup.Engine
	Metadata reconcile.MetadataStore
	Plans    reconcile.PlanStore
	Policies reconcile.PolicyStore
	Logger   *slog.Logger
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// Handler handles admin requests for plans and cleanup policies
type Handler struct {
	runner   *tasks.Runner
	engine   *cleanup.Engine
	metadata reconcile.MetadataStore
	plans    reconcile.PlanStore
	policies reconcile.PolicyStore
	logger   *slog.Logger
	metrics  http.Handler
}

// NewHandler creates a new admin handler
func NewHandler(d Deps) (*Handler, error) {
	if d.Runner == nil || d.Metadata == nil || d.Plans == nil || d.Policies == nil {
		return nil, fmt.Errorf("api handler requires a task runner and metadata, plan and policy stores")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Engine == nil {
		d.Engine = cleanup.NewEngine(cleanup.WithLogger(d.Logger))
	}
	return &Handler{
		runner:   d.Runner,
		engine:   d.Engine,
		metadata: d.Metadata,
		plans:    d.Plans,
		policies: d.Policies,
		logger:   d.Logger,
		metrics:  d.Metrics,
	}, nil
}

// Routes returns the admin routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(h.logger))
	r.Use(RecoveryMiddleware(h.logger))

	r.Get("/health", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/repositories/{repo}", func(r chi.Router) {
		r.Post("/plans", h.CreatePlan)
		r.Get("/plans", h.ListPlans)

		r.Get("/cleanup-policies", h.ListPolicies)
		r.Put("/cleanup-policies/{name}", h.PutPolicy)
		r.Get("/cleanup-policies/{name}", h.GetPolicy)
		r.Delete("/cleanup-policies/{name}", h.DeletePolicy)
		r.Get("/cleanup-policies/{name}/preview", h.PreviewPolicy)
		r.Post("/cleanup-policies/{name}/run", h.RunPolicy)
	})

	r.Get("/plans/{id}", h.GetPlan)
	r.Post("/plans/{id}/execute", h.ExecutePlan)
	r.Get("/plans/{id}/report", h.GetReport)
	return r
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// PlanSummary is a plan without its actions
type PlanSummary struct {
	ID          string                       `json:"id"`
	Repository  string                       `json:"repository"`
	Status      reconcile.PlanStatus         `json:"status"`
	DryRun      bool                         `json:"dry_run"`
	CreatedAt   time.Time                    `json:"created_at"`
	GracePeriod string                       `json:"grace_period"`
	Actions     int                          `json:"actions"`
	Counts      map[reconcile.ActionKind]int `json:"counts"`
}

// PlanResponse is a plan with its actions
type PlanResponse struct {
	PlanSummary
	Items []reconcile.Action `json:"items"`
}

func newPlanSummary(p *reconcile.Plan) PlanSummary {
	return PlanSummary{
		ID:          p.ID.String(),
		Repository:  p.Repository,
		Status:      p.Status,
		DryRun:      p.DryRun,
		CreatedAt:   p.CreatedAt,
		GracePeriod: p.GracePeriod.String(),
		Actions:     len(p.Actions),
		Counts:      p.Counts(),
	}
}

func newPlanResponse(p *reconcile.Plan) PlanResponse {
	items := p.Actions
	if items == nil {
		items = []reconcile.Action{}
	}
	return PlanResponse{PlanSummary: newPlanSummary(p), Items: items}
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// CreatePlan scans a repository and returns the persisted plan
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	params := tasks.PlanParams{Repository: repo}
	var err error
	for key, dst := range map[string]*bool{
		"dryRun":         &params.DryRun,
		"undelete":       &params.Undelete,
		"integrityCheck": &params.IntegrityCheck,
	} {
		if *dst, err = queryBool(r, key); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if params.SinceDays, err = queryInt(r, "sinceDays"); err != nil {
		h.fail(w, r, err)
		return
	}
	plan, err := h.runner.Plan(r.Context(), params)
	if err != nil {
		h.reply(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, newPlanResponse(plan))
}

// ListPlans lists the plans of a repository
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.ListPlans(r.Context(), chi.URLParam(r, "repo"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := make([]PlanSummary, 0, len(plans))
	for _, p := range plans {
		resp = append(resp, newPlanSummary(p))
	}
	render.JSON(w, r, resp)
}

// GetPlan retrieves a plan with its actions
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := planID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	plan, err := h.plans.GetPlan(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, newPlanResponse(plan))
}

// ExecutePlan applies a plan and returns its report. A report with failed
// actions is still a 200; interrupted or refused runs map to an error status.
func (h *Handler) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	rerun, err := queryBool(r, "rerun")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.runner.Execute(r.Context(), tasks.ExecuteParams{PlanID: chi.URLParam(r, "id"), Rerun: rerun})
	if err != nil && !errors.Is(err, tasks.ErrRunFailed) {
		h.reply(w, r, err)
		return
	}
	render.JSON(w, r, report)
}

// GetReport retrieves the persisted execution report of a plan
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, err := planID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.plans.GetReport(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, report)
}

func planID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid plan id %q", tasks.ErrInvalidParams, raw)
	}
	return id, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", tasks.ErrInvalidParams, key)
	}
	return b, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", tasks.ErrInvalidParams, key)
	}
	return n, nil
}

// statusFor maps an error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, reconcile.ErrPlanNotFound),
		errors.Is(err, reconcile.ErrReportNotFound),
		errors.Is(err, reconcile.ErrPolicyNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, reconcile.ErrInvalidPolicy),
		errors.Is(err, tasks.ErrInvalidParams):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, reconcile.ErrLeaseHeld),
		reconcile.IsConflict(err),
		errors.Is(err, reconcile.ErrDryRunPlan),
		errors.Is(err, reconcile.ErrNotDryRunPlan):
		return http.StatusConflict, "conflict"
	case reconcile.IsTransient(err):
		return http.StatusServiceUnavailable, "unavailable"
	case reconcile.IsCanceled(err):
		return http.StatusServiceUnavailable, "canceled"
	}
	return http.StatusInternalServerError, "internal_error"
}

// fail logs server-side errors and renders err.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := statusFor(err); status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.reply(w, r, err)
}

// reply renders err without logging it. Errors returned by the task runner
// have already been logged there.
func (h *Handler) reply(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	requestID, _ := r.Context().Value(RequestIDKey).(string)
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: ErrorDetail{Code: code, Message: err.Error(), RequestID: requestID}})
}
