// Package cleanup evaluates retention policies against the component
// versions of a repository and streams deletion candidates.
//
// Evaluation is read-only. Deletion goes through reconcile.Executor.ApplyCleanup,
// which rechecks every candidate before removing it.
package cleanup

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

// Engine evaluates cleanup policies.
type Engine struct {
	clock   func() time.Time
	logger  *slog.Logger
	metrics reconcile.Metrics
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now for age filters
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m reconcile.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates a policy engine
func NewEngine(opts ...Option) *Engine {
	e := &Engine{clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CompareVersions orders version strings with numeric runs compared as numbers.
func CompareVersions(a, b string) int {
	return reconcile.CompareVersions(a, b)
}

// Evaluate streams the deletion candidates of repository under policy.
//
// components must be ordered by (name, group). Members of a group are
// buffered until the key changes, ranked best first, and every member past
// the first RetainCount that passes the policy filters is yielded. Components
// of another format are ignored. Any read error, out-of-order input or
// cancellation is yielded once and ends the sequence.
func (e *Engine) Evaluate(ctx context.Context, repository string, policy *reconcile.CleanupPolicy, components iter.Seq2[*reconcile.Component, error]) iter.Seq2[reconcile.Candidate, error] {
	return func(yield func(reconcile.Candidate, error) bool) {
		policy, err := policy.Normalized()
		if err != nil {
			yield(reconcile.Candidate{}, err)
			return
		}
		filter, err := policy.NewFilter(e.clock().UTC())
		if err != nil {
			yield(reconcile.Candidate{}, err)
			return
		}

		var (
			group   []*reconcile.Component
			key     reconcile.ComponentKey
			started bool
			found   int
		)
		flush := func() bool {
			if len(group) == 0 {
				return true
			}
			reconcile.RankGroup(group, policy.RetainSortBy)
			for i := policy.RetainCount; i < len(group); i++ {
				if !filter.Eligible(group[i]) {
					continue
				}
				found++
				if !yield(reconcile.Candidate{Component: group[i], Rank: i, GroupSize: len(group)}, nil) {
					return false
				}
			}
			group = group[:0]
			return true
		}

		for c, err := range components {
			if err == nil {
				err = ctx.Err()
			}
			if err != nil {
				yield(reconcile.Candidate{}, err)
				return
			}
			k := c.Key()
			if started && k.Compare(key) < 0 {
				yield(reconcile.Candidate{}, fmt.Errorf("%w: component %s after %s",
					reconcile.ErrUnsortedInput, c.Coordinates(), key.Name))
				return
			}
			if !started || k != key {
				if !flush() {
					return
				}
				key, started = k, true
			}
			if policy.MatchesFormat(c.Format) {
				group = append(group, c)
			}
		}
		if !flush() {
			return
		}
		reconcile.ObserveCandidates(e.metrics, repository, policy.Name, found)
		e.logger.DebugContext(ctx, "cleanup evaluated",
			"repository", repository, "policy", policy.Name, "candidates", found)
	}
}

// Candidates evaluates policy against the components listed by store.
func (e *Engine) Candidates(ctx context.Context, store reconcile.MetadataStore, repository string, policy *reconcile.CleanupPolicy) iter.Seq2[reconcile.Candidate, error] {
	return e.Evaluate(ctx, repository, policy, store.ListComponents(ctx, repository, reconcile.ComponentKey{}))
}

// Limit stops seq after n elements; n <= 0 means no limit.
func Limit[T any](seq iter.Seq2[T, error], n int) iter.Seq2[T, error] {
	if n <= 0 {
		return seq
	}
	return func(yield func(T, error) bool) {
		taken := 0
		for v, err := range seq {
			if !yield(v, err) || err != nil {
				return
			}
			taken++
			if taken >= n {
				return
			}
		}
	}
}
