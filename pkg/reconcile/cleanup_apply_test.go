package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/cleanup"
)

func (f *fixture) component(t *testing.T, version string) *reconcile.Component {
	t.Helper()
	ctx := context.Background()
	c := &reconcile.Component{
		ID:         uuid.New(),
		Repository: testRepo,
		Format:     "maven2",
		Group:      "org.example",
		Name:       "lib",
		Version:    version,
	}
	require.NoError(t, f.repo.CreateComponent(ctx, c))
	id := c.ID
	require.NoError(t, f.repo.CreateAsset(ctx, &reconcile.Asset{
		Repository:  testRepo,
		Path:        "org/example/lib/" + version + "/lib-" + version + ".jar",
		Format:      "maven2",
		ComponentID: &id,
		BlobRef:     reconcile.BlobID("blob-" + version),
	}))
	return c
}

func collectCandidates(t *testing.T, f *fixture, policy *reconcile.CleanupPolicy) []reconcile.Candidate {
	t.Helper()
	engine := cleanup.NewEngine(cleanup.WithClock(f.clock))
	var out []reconcile.Candidate
	for c, err := range engine.Candidates(context.Background(), f.repo, testRepo, policy) {
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func replay(cands []reconcile.Candidate) func(func(reconcile.Candidate, error) bool) {
	return func(yield func(reconcile.Candidate, error) bool) {
		for _, c := range cands {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func TestApplyCleanup(t *testing.T) {
	ctx := context.Background()
	policy := &reconcile.CleanupPolicy{Name: "keep-latest", RetainCount: 1}

	t.Run("DeletesComponentsAndAssets", func(t *testing.T) {
		f := newFixture(t)
		old := f.component(t, "1.0")
		f.component(t, "1.1")
		f.component(t, "1.2")

		cands := collectCandidates(t, f, policy)
		require.Len(t, cands, 2)

		report, err := f.executor(t).ApplyCleanup(ctx, testRepo, policy, replay(cands), reconcile.CleanupOptions{})
		require.NoError(t, err)
		assert.Equal(t, reconcile.PlanStatusCompleted, report.Status)
		assert.Equal(t, 2, report.Applied)
		assert.Equal(t, reconcile.ActionDeleteComponent, report.Outcomes[0].Kind)

		_, err = f.repo.GetComponent(ctx, old.ID)
		assert.ErrorIs(t, err, reconcile.ErrComponentNotFound)
		assets, err := f.repo.ListComponentAssets(ctx, old.ID)
		require.NoError(t, err)
		assert.Empty(t, assets)

		stored, err := f.repo.GetReport(ctx, report.PlanID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.Applied)

		// deleted assets free their blobs for the next scan
		referenced, err := f.repo.BlobReferenced(ctx, "blob-1.0")
		require.NoError(t, err)
		assert.False(t, referenced)
	})

	t.Run("RechecksRankBeforeDeleting", func(t *testing.T) {
		f := newFixture(t)
		f.component(t, "1.0")
		f.component(t, "1.1")
		newest := f.component(t, "1.2")

		cands := collectCandidates(t, f, policy)
		require.Len(t, cands, 2)

		// the retained head disappears, so 1.1 becomes the version to keep
		require.NoError(t, f.repo.DeleteComponent(ctx, newest.ID))

		report, err := f.executor(t).ApplyCleanup(ctx, testRepo, policy, replay(cands), reconcile.CleanupOptions{})
		require.NoError(t, err)
		require.Len(t, report.Outcomes, 2)
		byTarget := map[string]reconcile.OutcomeResult{}
		for _, o := range report.Outcomes {
			byTarget[o.Target] = o.Result
		}
		assert.Equal(t, reconcile.OutcomeSkipped, byTarget["org.example:lib:1.1"])
		assert.Equal(t, reconcile.OutcomeApplied, byTarget["org.example:lib:1.0"])
	})

	t.Run("DryRunAndLimit", func(t *testing.T) {
		f := newFixture(t)
		for _, v := range []string{"1.0", "1.1", "1.2", "1.3"} {
			f.component(t, v)
		}
		cands := collectCandidates(t, f, policy)
		require.Len(t, cands, 3)

		report, err := f.executor(t).ApplyCleanup(ctx, testRepo, policy, replay(cands), reconcile.CleanupOptions{DryRun: true, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, report.Skipped)
		assert.Equal(t, 0, report.Applied)

		comps := 0
		for _, err := range f.repo.ListComponents(ctx, testRepo, reconcile.ComponentKey{}) {
			require.NoError(t, err)
			comps++
		}
		assert.Equal(t, 4, comps)
	})

	t.Run("HeldByAnotherRun", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.leases.Acquire(ctx, reconcile.CleanupLeaseResource(testRepo), "other-host", time.Minute)
		require.NoError(t, err)

		_, err = f.executor(t).ApplyCleanup(ctx, testRepo, policy, replay(nil), reconcile.CleanupOptions{})
		assert.True(t, reconcile.IsConflict(err))
	})

	t.Run("ConcurrentRunsOfOneExecutor", func(t *testing.T) {
		f := newFixture(t)
		f.component(t, "1.0")
		f.component(t, "1.1")
		cands := collectCandidates(t, f, policy)
		exec := f.executor(t)

		started, release := make(chan struct{}), make(chan struct{})
		gated := func(yield func(reconcile.Candidate, error) bool) {
			close(started)
			<-release
			replay(cands)(yield)
		}
		type result struct {
			report *reconcile.ExecutionReport
			err    error
		}
		done := make(chan result, 1)
		go func() {
			report, err := exec.ApplyCleanup(ctx, testRepo, policy, gated, reconcile.CleanupOptions{})
			done <- result{report, err}
		}()
		<-started

		_, err := exec.ApplyCleanup(ctx, testRepo, policy, replay(cands), reconcile.CleanupOptions{})
		assert.True(t, reconcile.IsConflict(err))
		assert.ErrorIs(t, err, reconcile.ErrLeaseHeld)

		close(release)
		res := <-done
		require.NoError(t, res.err)
		assert.Equal(t, 1, res.report.Applied)
	})

	t.Run("LeavesCallerPolicyUntouched", func(t *testing.T) {
		f := newFixture(t)
		f.component(t, "1.0")
		f.component(t, "1.1")
		raw := &reconcile.CleanupPolicy{Name: "keep-latest", RetainCount: 1}
		cands := collectCandidates(t, f, raw)

		_, err := f.executor(t).ApplyCleanup(ctx, testRepo, raw, replay(cands), reconcile.CleanupOptions{})
		require.NoError(t, err)
		assert.Equal(t, &reconcile.CleanupPolicy{Name: "keep-latest", RetainCount: 1}, raw)
	})

	t.Run("InvalidPolicy", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.executor(t).ApplyCleanup(ctx, testRepo, &reconcile.CleanupPolicy{}, replay(nil), reconcile.CleanupOptions{})
		assert.ErrorIs(t, err, reconcile.ErrInvalidPolicy)
	})
}
