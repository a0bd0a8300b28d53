// Package tasks exposes planning, plan execution and cleanup as named tasks
// with string-keyed parameters, for schedulers, the CLI and the admin API.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/cleanup"
)

// Stable task type identifiers.
const (
	TypePlan    = "blobstore.reconcile.plan"
	TypeExecute = "blobstore.reconcile.execute"
	TypeCleanup = "repository.cleanup"
)

var (
	// ErrUnknownTask indicates an unrecognized task type id
	ErrUnknownTask = errors.New("unknown task type")

	// ErrInvalidParams indicates task parameters failed to decode or validate
	ErrInvalidParams = errors.New("invalid task parameters")

	// ErrRunFailed indicates a run finished with a FAILED report
	ErrRunFailed = errors.New("run finished with failures")
)

// PlanParams are the parameters of TypePlan.
type PlanParams struct {
	Repository     string `mapstructure:"repository"`
	DryRun         bool   `mapstructure:"dryRun"`
	Undelete       bool   `mapstructure:"undelete"`
	IntegrityCheck bool   `mapstructure:"integrityCheck"`
	SinceDays      int    `mapstructure:"sinceDays"`
}

// ExecuteParams are the parameters of TypeExecute.
type ExecuteParams struct {
	Repository string `mapstructure:"repository"`
	PlanID     string `mapstructure:"planId"`
	Rerun      bool   `mapstructure:"rerun"`
}

// CleanupParams are the parameters of TypeCleanup.
type CleanupParams struct {
	Repository string `mapstructure:"repository"`
	Policy     string `mapstructure:"policy"`
	Limit      int    `mapstructure:"limit"`
	DryRun     bool   `mapstructure:"dryRun"`
}

// Deps are the components tasks run against.
type Deps struct {
	Planner  *reconcile.Planner
	Executor *reconcile.Executor
	Engine   *cleanup.Engine
	Metadata reconcile.MetadataStore
	Plans    reconcile.PlanStore
	Policies reconcile.PolicyStore
	Logger   *slog.Logger
}

// Runner runs tasks. Every failed run logs exactly one "task failed" line.
type Runner struct {
	planner  *reconcile.Planner
	executor *reconcile.Executor
	engine   *cleanup.Engine
	metadata reconcile.MetadataStore
	plans    reconcile.PlanStore
	policies reconcile.PolicyStore
	logger   *slog.Logger
}

// NewRunner creates a task runner.
func NewRunner(d Deps) (*Runner, error) {
	if d.Planner == nil || d.Executor == nil || d.Metadata == nil || d.Plans == nil || d.Policies == nil {
		return nil, fmt.Errorf("task runner requires planner, executor, metadata, plan and policy stores")
	}
	if d.Engine == nil {
		d.Engine = cleanup.NewEngine(cleanup.WithLogger(d.Logger))
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Runner{
		planner:  d.Planner,
		executor: d.Executor,
		engine:   d.Engine,
		metadata: d.Metadata,
		plans:    d.Plans,
		policies: d.Policies,
		logger:   d.Logger,
	}, nil
}

// Types lists the task type ids a Runner accepts.
func Types() []string {
	return []string{TypePlan, TypeExecute, TypeCleanup}
}

// Run decodes params for the task type id and runs it. The result is a
// *reconcile.Plan for TypePlan and a *reconcile.ExecutionReport otherwise.
func (r *Runner) Run(ctx context.Context, typeID string, params map[string]any) (any, error) {
	switch typeID {
	case TypePlan:
		var p PlanParams
		if err := r.decode(ctx, typeID, params, &p); err != nil {
			return nil, err
		}
		return r.Plan(ctx, p)
	case TypeExecute:
		var p ExecuteParams
		if err := r.decode(ctx, typeID, params, &p); err != nil {
			return nil, err
		}
		return r.Execute(ctx, p)
	case TypeCleanup:
		var p CleanupParams
		if err := r.decode(ctx, typeID, params, &p); err != nil {
			return nil, err
		}
		return r.Cleanup(ctx, p)
	}
	err := fmt.Errorf("%w: %q", ErrUnknownTask, typeID)
	r.failed(ctx, typeID, repositoryParam(params), err)
	return nil, err
}

func (r *Runner) decode(ctx context.Context, typeID string, params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err == nil {
		err = decoder.Decode(params)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidParams, err)
		r.failed(ctx, typeID, repositoryParam(params), err)
	}
	return err
}

// Plan scans a repository and persists a plan.
func (r *Runner) Plan(ctx context.Context, p PlanParams) (*reconcile.Plan, error) {
	if p.Repository == "" {
		err := fmt.Errorf("%w: repository is required", ErrInvalidParams)
		r.failed(ctx, TypePlan, p.Repository, err)
		return nil, err
	}
	plan, err := r.planner.ScanWith(ctx, p.Repository, reconcile.ScanOptions{
		DryRun:         p.DryRun,
		Undelete:       p.Undelete,
		IntegrityCheck: p.IntegrityCheck,
		SinceDays:      p.SinceDays,
	})
	if err != nil {
		r.failed(ctx, TypePlan, p.Repository, err)
		return nil, err
	}
	return plan, nil
}

// Execute applies a persisted plan. A dry-run plan is executed report-only.
func (r *Runner) Execute(ctx context.Context, p ExecuteParams) (*reconcile.ExecutionReport, error) {
	report, err := r.execute(ctx, &p)
	if err != nil {
		r.failed(ctx, TypeExecute, p.Repository, err)
	}
	return report, err
}

// execute fills p.Repository from the plan when the caller left it empty.
func (r *Runner) execute(ctx context.Context, p *ExecuteParams) (*reconcile.ExecutionReport, error) {
	id, err := uuid.Parse(p.PlanID)
	if err != nil {
		return nil, fmt.Errorf("%w: planId: %v", ErrInvalidParams, err)
	}
	plan, err := r.plans.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Repository != "" && plan.Repository != p.Repository {
		return nil, fmt.Errorf("%w: plan %s belongs to repository %q", ErrInvalidParams, id, plan.Repository)
	}
	p.Repository = plan.Repository
	report, err := r.executor.Execute(ctx, id, reconcile.ExecuteOptions{Rerun: p.Rerun, ReportOnly: plan.DryRun})
	if err != nil {
		return report, err
	}
	return report, failedReport(report)
}

// Cleanup evaluates a saved policy and deletes its candidates.
func (r *Runner) Cleanup(ctx context.Context, p CleanupParams) (*reconcile.ExecutionReport, error) {
	report, err := r.cleanup(ctx, p)
	if err != nil {
		r.failed(ctx, TypeCleanup, p.Repository, err)
	}
	return report, err
}

func (r *Runner) cleanup(ctx context.Context, p CleanupParams) (*reconcile.ExecutionReport, error) {
	if p.Repository == "" || p.Policy == "" {
		return nil, fmt.Errorf("%w: repository and policy are required", ErrInvalidParams)
	}
	if p.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidParams)
	}
	policy, err := r.policies.GetPolicy(ctx, p.Repository, p.Policy)
	if err != nil {
		return nil, err
	}
	candidates := r.engine.Candidates(ctx, r.metadata, p.Repository, policy)
	report, err := r.executor.ApplyCleanup(ctx, p.Repository, policy, candidates,
		reconcile.CleanupOptions{DryRun: p.DryRun, Limit: p.Limit})
	if err != nil {
		return report, err
	}
	return report, failedReport(report)
}

func failedReport(report *reconcile.ExecutionReport) error {
	if report != nil && report.Status == reconcile.PlanStatusFailed {
		return fmt.Errorf("%w: %s", ErrRunFailed, report.Error)
	}
	return nil
}

func repositoryParam(params map[string]any) string {
	s, _ := params["repository"].(string)
	return s
}

func (r *Runner) failed(ctx context.Context, typeID, repository string, err error) {
	r.logger.ErrorContext(ctx, "task failed", "task", typeID, "repository", repository, "error", err)
}
