package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/cleanup"
	"github.com/tendant/blob-reconcile/pkg/reconcile/tasks"
)

// PolicyRequest is the body of a policy PUT
type PolicyRequest struct {
	Format  string         `json:"format"`
	Options map[string]any `json:"options"`
}

// PolicyResponse is a saved policy in its option-map form
type PolicyResponse struct {
	Repository string         `json:"repository"`
	Name       string         `json:"name"`
	Format     string         `json:"format"`
	Options    map[string]any `json:"options"`
}

func newPolicyResponse(repo string, p *reconcile.CleanupPolicy) PolicyResponse {
	return PolicyResponse{Repository: repo, Name: p.Name, Format: p.Format, Options: cleanup.Options(p)}
}

// PutPolicy creates or replaces a cleanup policy. Unknown option keys are rejected.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	repo, name := chi.URLParam(r, "repo"), chi.URLParam(r, "name")
	var req PolicyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", reconcile.ErrInvalidPolicy, err))
		return
	}
	policy, err := cleanup.ParsePolicy(name, req.Format, req.Options)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.policies.SavePolicy(r.Context(), repo, policy); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "cleanup policy saved", "repository", repo, "policy", name)
	render.JSON(w, r, newPolicyResponse(repo, policy))
}

// GetPolicy retrieves a cleanup policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	policy, err := h.policies.GetPolicy(r.Context(), repo, chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, newPolicyResponse(repo, policy))
}

// ListPolicies lists the cleanup policies of a repository
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	policies, err := h.policies.ListPolicies(r.Context(), repo)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := make([]PolicyResponse, 0, len(policies))
	for _, p := range policies {
		resp = append(resp, newPolicyResponse(repo, p))
	}
	render.JSON(w, r, resp)
}

// DeletePolicy removes a cleanup policy
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	repo, name := chi.URLParam(r, "repo"), chi.URLParam(r, "name")
	if err := h.policies.DeletePolicy(r.Context(), repo, name); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "cleanup policy deleted", "repository", repo, "policy", name)
	w.WriteHeader(http.StatusNoContent)
}

// PreviewPolicy lists the first candidates a policy would delete, as JSON or
// with ?format=csv as CSV.
func (h *Handler) PreviewPolicy(w http.ResponseWriter, r *http.Request) {
	repo, name := chi.URLParam(r, "repo"), chi.URLParam(r, "name")
	policy, err := h.policies.GetPolicy(r.Context(), repo, name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	seq := h.engine.Candidates(r.Context(), h.metadata, repo, policy)
	preview, err := cleanup.Preview(r.Context(), repo, name, seq, cleanup.PreviewLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		render.JSON(w, r, preview)
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", repo+"-"+name+"-preview.csv"))
		if err := cleanup.WriteCSV(w, preview.Items); err != nil {
			h.logger.ErrorContext(r.Context(), "write preview csv", "repository", repo, "policy", name, "error", err)
		}
	default:
		h.fail(w, r, fmt.Errorf("%w: format must be json or csv", tasks.ErrInvalidParams))
	}
}

// RunPolicy runs a cleanup with the saved policy and returns its report
func (h *Handler) RunPolicy(w http.ResponseWriter, r *http.Request) {
	dryRun, err := queryBool(r, "dryRun")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.runner.Cleanup(r.Context(), tasks.CleanupParams{
		Repository: chi.URLParam(r, "repo"),
		Policy:     chi.URLParam(r, "name"),
		Limit:      limit,
		DryRun:     dryRun,
	})
	if err != nil && !errors.Is(err, tasks.ErrRunFailed) {
		h.reply(w, r, err)
		return
	}
	render.JSON(w, r, report)
}
