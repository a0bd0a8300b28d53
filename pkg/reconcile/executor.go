package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Executor applies persisted plans. Every action's precondition is rechecked
// against the live stores immediately before it is applied, and each outcome
// is persisted as soon as it is known so an interrupted run can resume.
type Executor struct {
	blobs    BlobStore
	metadata MetadataStore
	plans    PlanStore
	leases   LeaseManager
	opts     options
}

// NewExecutor creates an executor over the given stores.
func NewExecutor(blobs BlobStore, metadata MetadataStore, plans PlanStore, leases LeaseManager, opts ...Option) (*Executor, error) {
	if blobs == nil || metadata == nil || plans == nil {
		return nil, fmt.Errorf("executor requires blob, metadata and plan stores")
	}
	if leases == nil {
		return nil, fmt.Errorf("executor requires a lease manager")
	}
	e := &Executor{blobs: blobs, metadata: metadata, plans: plans, leases: leases, opts: defaultOptions()}
	for _, opt := range opts {
		opt(&e.opts)
	}
	if e.opts.identity == "" {
		return nil, fmt.Errorf("executor requires an identity (WithIdentity)")
	}
	return e, nil
}

// Identity returns the lease owner identity of this executor.
func (e *Executor) Identity() Identity {
	return e.opts.identity
}

// ExecuteOptions tune one execution.
type ExecuteOptions struct {
	// Rerun re-applies every action of a plan, including a COMPLETED one.
	// Actions whose effect is already in place come back SKIPPED.
	Rerun bool
	// ReportOnly records every action as SKIPPED without touching the stores.
	// Dry-run plans can only be executed this way, and only they can.
	ReportOnly bool
}

// Execute applies the plan identified by planID.
//
// A COMPLETED plan returns its persisted report. Otherwise the returned report
// is FAILED unless every action ended APPLIED or SKIPPED. A non-nil error is
// returned with a retryable report when the run was interrupted by
// cancellation or by losing the plan lease.
func (e *Executor) Execute(ctx context.Context, planID uuid.UUID, opts ExecuteOptions) (*ExecutionReport, error) {
	plan, err := e.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.DryRun && !opts.ReportOnly {
		return nil, fmt.Errorf("execute plan %s: %w", planID, ErrDryRunPlan)
	}
	if opts.ReportOnly && !plan.DryRun {
		return nil, fmt.Errorf("execute plan %s: %w", planID, ErrNotDryRunPlan)
	}

	release, leaseCtx, err := e.hold(ctx, PlanLeaseResource(planID), func(holder Identity, cause error) error {
		return &ConcurrencyConflictError{PlanID: planID, Holder: holder, Err: cause}
	})
	if err != nil {
		return nil, err
	}
	defer release()

	if plan.Status == PlanStatusCompleted && !opts.Rerun {
		report, err := e.plans.GetReport(ctx, planID)
		if err == nil {
			return report, nil
		}
		if !errors.Is(err, ErrReportNotFound) {
			return nil, err
		}
	}
	if opts.Rerun {
		if err := e.plans.ClearOutcomes(ctx, planID); err != nil {
			return nil, fmt.Errorf("clear outcomes: %w", err)
		}
	}

	report := &ExecutionReport{
		PlanID:     planID,
		Repository: plan.Repository,
		Status:     PlanStatusExecuting,
		StartedAt:  e.opts.now(),
	}
	if err := e.plans.UpdatePlanStatus(ctx, planID, PlanStatusExecuting); err != nil {
		return nil, fmt.Errorf("mark plan executing: %w", err)
	}
	observePlan(e.opts.metrics, plan.Repository, PlanStatusExecuting)

	prior, err := e.plans.ListOutcomes(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	settled := make(map[int]ActionOutcome, len(prior))
	for _, o := range prior {
		if o.Result.Settled() {
			settled[o.Seq] = o
		}
	}
	var pending []Action
	for _, a := range plan.Actions {
		if _, done := settled[a.Seq]; !done {
			pending = append(pending, a)
		}
	}
	e.opts.logger.InfoContext(ctx, "executing plan",
		"plan_id", planID, "repository", plan.Repository,
		"actions", len(plan.Actions), "pending", len(pending), "identity", e.opts.identity)

	fresh, runErr := e.run(leaseCtx, plan, pending, opts)

	outcomes := make([]ActionOutcome, 0, len(plan.Actions))
	for _, o := range settled {
		outcomes = append(outcomes, o)
	}
	outcomes = append(outcomes, fresh...)
	slices.SortFunc(outcomes, func(a, b ActionOutcome) int { return a.Seq - b.Seq })
	report.Outcomes = outcomes
	report.Tally()
	report.FinishedAt = e.opts.now()

	report.Status = PlanStatusFailed
	if runErr == nil && report.Applied+report.Skipped == len(plan.Actions) {
		report.Status = PlanStatusCompleted
	}
	if runErr != nil {
		report.Retryable = true
		report.Error = runErr.Error()
	} else if report.Failed > 0 {
		report.Error = fmt.Sprintf("%d of %d actions failed", report.Failed, len(plan.Actions))
	}

	// The run may have been cancelled; the outcome of what was done must still land.
	persist := context.WithoutCancel(ctx)
	if err := e.plans.SaveReport(persist, report); err != nil {
		return report, fmt.Errorf("persist report: %w", err)
	}
	if err := e.plans.UpdatePlanStatus(persist, planID, report.Status); err != nil {
		return report, fmt.Errorf("mark plan %s: %w", report.Status, err)
	}
	observePlan(e.opts.metrics, plan.Repository, report.Status)
	if err := e.opts.events.PlanExecuted(persist, report); err != nil {
		e.opts.logger.WarnContext(ctx, "event sink failed", "event", "plan_executed", "error", err)
	}
	e.opts.logger.InfoContext(ctx, "plan execution finished",
		"plan_id", planID, "status", report.Status,
		"applied", report.Applied, "skipped", report.Skipped, "failed", report.Failed)
	return report, runErr
}

// run applies pending actions partitioned by blob id. Actions sharing a
// partition key land in the same partition and run in plan order.
func (e *Executor) run(ctx context.Context, plan *Plan, pending []Action, opts ExecuteOptions) ([]ActionOutcome, error) {
	workers := min(e.opts.workers, max(len(pending), 1))
	partitions := make([][]Action, workers)
	for _, a := range pending {
		i := partitionOf(a.PartitionKey(), workers)
		partitions[i] = append(partitions[i], a)
	}

	var (
		mu       sync.Mutex
		outcomes []ActionOutcome
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range partitions {
		g.Go(func() error {
			for _, a := range part {
				if err := gctx.Err(); err != nil {
					return err
				}
				var o ActionOutcome
				if opts.ReportOnly {
					o = e.dryRunOutcome(a.Seq, string(a.Kind), a.String())
				} else {
					o = e.applyAction(gctx, plan, a)
				}
				if err := e.plans.SaveOutcome(context.WithoutCancel(gctx), plan.ID, o); err != nil {
					return fmt.Errorf("persist outcome %d: %w", a.Seq, err)
				}
				if o.Result == OutcomeApplied {
					if err := e.opts.events.ActionApplied(gctx, plan.ID, o); err != nil {
						e.opts.logger.WarnContext(gctx, "event sink failed", "event", "action_applied", "error", err)
					}
				}
				mu.Lock()
				outcomes = append(outcomes, o)
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	return outcomes, err
}

func (e *Executor) applyAction(ctx context.Context, plan *Plan, a Action) ActionOutcome {
	handler, ok := actionHandlers[a.Kind]
	if !ok {
		return e.outcome(a.Seq, string(a.Kind), a.String(), 0, fmt.Errorf("no handler for action kind %q", a.Kind))
	}
	attempts, err := e.guarded(ctx, func(ctx context.Context) error {
		return handler(ctx, e, plan, a)
	})
	o := e.outcome(a.Seq, string(a.Kind), a.String(), attempts, err)
	if o.Result == OutcomeFailed {
		e.opts.logger.WarnContext(ctx, "action failed",
			"plan_id", plan.ID, "seq", a.Seq, "action", a.String(), "attempts", attempts, "error", err)
	}
	return o
}

// guarded runs fn with bounded exponential backoff on transient errors.
func (e *Executor) guarded(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.opts.retryDelay
	policy.MaxInterval = 20 * e.opts.retryDelay
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.opts.maxAttempts-1)), ctx)
	return attempts, backoff.Retry(op, b)
}

func (e *Executor) outcome(seq int, kind, target string, attempts int, err error) ActionOutcome {
	o := ActionOutcome{
		Seq:        seq,
		Kind:       kind,
		Target:     target,
		Result:     OutcomeApplied,
		Attempts:   attempts,
		FinishedAt: e.opts.now(),
	}
	switch {
	case err == nil:
	case IsStale(err):
		o.Result = OutcomeSkipped
		o.Reason = err.Error()
	default:
		o.Result = OutcomeFailed
		o.Reason = err.Error()
	}
	observeAction(e.opts.metrics, kind, o.Result)
	return o
}

func (e *Executor) dryRunOutcome(seq int, kind, target string) ActionOutcome {
	observeAction(e.opts.metrics, kind, OutcomeSkipped)
	return ActionOutcome{
		Seq:        seq,
		Kind:       kind,
		Target:     target,
		Result:     OutcomeSkipped,
		Reason:     "dry-run",
		FinishedAt: e.opts.now(),
	}
}

// hold acquires resource under a fresh run owner derived from the executor's
// identity and keeps renewing it every ttl/3 until release is called. The
// returned context is cancelled with a conflict error built by conflict once
// the lease cannot be renewed.
func (e *Executor) hold(ctx context.Context, resource string, conflict func(holder Identity, cause error) error) (func(), context.Context, error) {
	ttl := e.opts.leaseTTL
	owner := e.opts.identity.RunOwner()
	lease, err := e.leases.Acquire(ctx, resource, owner, ttl)
	if errors.Is(err, ErrLeaseHeld) {
		var holder Identity
		if current, gerr := e.leases.Get(ctx, resource); gerr == nil && current != nil {
			holder = current.Owner
		}
		return nil, nil, conflict(holder, ErrLeaseHeld)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lease %s: %w", resource, err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				renewed, err := e.leases.Renew(runCtx, resource, owner, ttl)
				if err == nil && renewed.HeldBy(owner, e.opts.now()) {
					lease = renewed
					continue
				}
				if err != nil && runCtx.Err() != nil {
					return
				}
				if err == nil || IsTransient(err) {
					// Keep trying until the lease we hold actually lapses.
					if lease.HeldBy(owner, e.opts.now()) {
						continue
					}
				}
				e.opts.logger.WarnContext(ctx, "lease lost", "resource", resource, "owner", owner, "error", err)
				cancel(conflict("", ErrLeaseLost))
				return
			}
		}
	}()

	release := func() {
		close(done)
		wg.Wait()
		cancel(nil)
		if err := e.leases.Release(context.WithoutCancel(ctx), resource, owner); err != nil {
			e.opts.logger.WarnContext(ctx, "release lease failed", "resource", resource, "error", err)
		}
	}
	return release, runCtx, nil
}

func partitionOf(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
