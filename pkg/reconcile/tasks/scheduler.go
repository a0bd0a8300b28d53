package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

// Schedule triggers one task on a fixed interval.
type Schedule struct {
	Task   string         `yaml:"task" json:"task"`
	Every  time.Duration  `yaml:"every" json:"every"`
	Params map[string]any `yaml:"params" json:"params"`
}

// Resource is the lease resource guarding this schedule. Instances sharing a
// lease manager trigger a schedule at most once per interval between them.
func (s Schedule) Resource() string {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("schedule:")
	b.WriteString(s.Task)
	for _, k := range keys {
		fmt.Fprintf(&b, ":%s=%v", k, s.Params[k])
	}
	return b.String()
}

// Scheduler runs schedules until its context is cancelled.
type Scheduler struct {
	runner    *Runner
	leases    reconcile.LeaseManager
	identity  reconcile.Identity
	schedules []Schedule
	logger    *slog.Logger
}

// NewScheduler creates a scheduler. identity must be the process identity
// shared with the executor.
func NewScheduler(runner *Runner, leases reconcile.LeaseManager, identity reconcile.Identity, schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	if runner == nil || leases == nil || identity == "" {
		return nil, fmt.Errorf("scheduler requires a runner, a lease manager and an identity")
	}
	for _, s := range schedules {
		if s.Every <= 0 {
			return nil, fmt.Errorf("%w: schedule %s needs a positive interval", ErrInvalidParams, s.Task)
		}
		if !knownType(s.Task) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTask, s.Task)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, leases: leases, identity: identity, schedules: schedules, logger: logger}, nil
}

func knownType(id string) bool {
	for _, t := range Types() {
		if t == id {
			return true
		}
	}
	return false
}

// Run triggers every schedule once per interval and blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sch := range s.schedules {
		g.Go(func() error {
			ticker := time.NewTicker(sch.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.Trigger(ctx, sch)
				}
			}
		})
	}
	return g.Wait()
}

// Trigger runs sch if this instance wins its lease for the current interval.
// It reports whether the task ran. Task failures are logged by the runner.
func (s *Scheduler) Trigger(ctx context.Context, sch Schedule) bool {
	// Held for most of the interval and never released, so peers skip this tick.
	ttl := sch.Every - sch.Every/10
	_, err := s.leases.Acquire(ctx, sch.Resource(), s.identity, ttl)
	if errors.Is(err, reconcile.ErrLeaseHeld) {
		s.logger.DebugContext(ctx, "schedule claimed by another instance", "task", sch.Task)
		return false
	}
	if err != nil {
		s.logger.WarnContext(ctx, "schedule lease failed", "task", sch.Task, "error", err)
		return false
	}
	s.logger.InfoContext(ctx, "schedule triggered", "task", sch.Task, "params", sch.Params)
	_, _ = s.runner.Run(ctx, sch.Task, sch.Params)
	return true
}
