package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
)

// ActionDeleteComponent is the outcome kind recorded for cleanup deletions.
const ActionDeleteComponent = "DeleteComponent"

// CleanupOptions tune one cleanup run.
type CleanupOptions struct {
	// DryRun records every candidate as SKIPPED without deleting anything.
	DryRun bool
	// Limit caps the number of candidates consumed; zero means no cap.
	Limit int
}

// ApplyCleanup deletes cleanup candidates through the executor's guarded
// apply path. Each candidate's group is re-listed and re-ranked immediately
// before deletion, so a component that now ranks among the retained versions
// is skipped. Blobs released by the deletion are left to the next scan.
//
// A read error from candidates stops the run; the report is FAILED and the
// error is returned alongside it.
func (e *Executor) ApplyCleanup(ctx context.Context, repository string, policy *CleanupPolicy, candidates iter.Seq2[Candidate, error], opts CleanupOptions) (*ExecutionReport, error) {
	policy, err := policy.Normalized()
	if err != nil {
		return nil, err
	}
	release, runCtx, err := e.hold(ctx, CleanupLeaseResource(repository), func(holder Identity, cause error) error {
		return &ConcurrencyConflictError{Holder: holder, Err: fmt.Errorf("cleanup of %s: %w", repository, cause)}
	})
	if err != nil {
		return nil, err
	}
	defer release()

	report := &ExecutionReport{
		PlanID:     uuid.New(),
		Repository: repository,
		Status:     PlanStatusExecuting,
		StartedAt:  e.opts.now(),
	}
	e.opts.logger.InfoContext(ctx, "cleanup started",
		"run_id", report.PlanID, "repository", repository, "policy", policy.Name, "dry_run", opts.DryRun)

	var runErr error
	seq := 0
	for c, err := range candidates {
		if err != nil {
			runErr = err
			break
		}
		if err := runCtx.Err(); err != nil {
			runErr = context.Cause(runCtx)
			break
		}
		if opts.Limit > 0 && seq >= opts.Limit {
			break
		}
		target := c.Component.Coordinates()
		var o ActionOutcome
		if opts.DryRun {
			o = e.dryRunOutcome(seq, ActionDeleteComponent, target)
		} else {
			attempts, err := e.guarded(runCtx, func(ctx context.Context) error {
				return e.deleteComponent(ctx, repository, policy, c.Component)
			})
			o = e.outcome(seq, ActionDeleteComponent, target, attempts, err)
			if o.Result == OutcomeFailed {
				e.opts.logger.WarnContext(ctx, "component deletion failed",
					"repository", repository, "component", target, "attempts", attempts, "error", err)
			}
		}
		report.Outcomes = append(report.Outcomes, o)
		seq++
	}
	if runErr == nil {
		if cause := context.Cause(runCtx); cause != nil {
			runErr = cause
		}
	}

	report.Tally()
	report.FinishedAt = e.opts.now()
	report.Status = PlanStatusCompleted
	switch {
	case runErr != nil:
		report.Status = PlanStatusFailed
		report.Error = runErr.Error()
		report.Retryable = IsTransient(runErr) || IsCanceled(runErr) || IsConflict(runErr)
	case report.Failed > 0:
		report.Status = PlanStatusFailed
		report.Error = fmt.Sprintf("%d of %d deletions failed", report.Failed, len(report.Outcomes))
	}

	persist := context.WithoutCancel(ctx)
	if err := e.plans.SaveReport(persist, report); err != nil {
		return report, fmt.Errorf("persist cleanup report: %w", err)
	}
	if err := e.opts.events.CleanupCompleted(persist, policy.Name, report); err != nil {
		e.opts.logger.WarnContext(ctx, "event sink failed", "event", "cleanup_completed", "error", err)
	}
	e.opts.logger.InfoContext(ctx, "cleanup finished",
		"run_id", report.PlanID, "repository", repository, "policy", policy.Name, "status", report.Status,
		"deleted", report.Applied, "skipped", report.Skipped, "failed", report.Failed)
	return report, runErr
}

func (e *Executor) deleteComponent(ctx context.Context, repository string, policy *CleanupPolicy, c *Component) error {
	key := c.Coordinates()
	current, err := e.metadata.GetComponent(ctx, c.ID)
	if errors.Is(err, ErrComponentNotFound) {
		return stale(ActionDeleteComponent, key, "component no longer exists")
	}
	if err != nil {
		return err
	}
	group, err := e.metadata.ListComponentGroup(ctx, repository, current.Key())
	if err != nil {
		return err
	}
	members := group[:0:0]
	for _, m := range group {
		if policy.MatchesFormat(m.Format) {
			members = append(members, m)
		}
	}
	RankGroup(members, policy.RetainSortBy)
	found, retained := Retained(members, c.ID, policy.RetainCount)
	if !found {
		return stale(ActionDeleteComponent, key, "component no longer exists")
	}
	if retained {
		return stale(ActionDeleteComponent, key, "component now ranks among retained versions")
	}

	assets, err := e.metadata.ListComponentAssets(ctx, c.ID)
	if err != nil {
		return err
	}
	for _, a := range assets {
		if err := e.metadata.DeleteAsset(ctx, a.ID); err != nil && !errors.Is(err, ErrAssetNotFound) {
			return err
		}
	}
	if err := e.metadata.DeleteComponent(ctx, c.ID); err != nil {
		if errors.Is(err, ErrComponentNotFound) {
			return stale(ActionDeleteComponent, key, "component no longer exists")
		}
		return err
	}
	return nil
}
