package cleanup

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func daysAgo(n int) *time.Time {
	t := now.Add(-time.Duration(n) * 24 * time.Hour)
	return &t
}

func comp(name, version string) *reconcile.Component {
	return &reconcile.Component{
		ID:         uuid.New(),
		Repository: "maven-releases",
		Format:     "maven2",
		Group:      "org.example",
		Name:       name,
		Version:    version,
	}
}

func seqOf(cs ...*reconcile.Component) iter.Seq2[*reconcile.Component, error] {
	return func(yield func(*reconcile.Component, error) bool) {
		for _, c := range cs {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func evaluate(t *testing.T, policy *reconcile.CleanupPolicy, cs ...*reconcile.Component) []reconcile.Candidate {
	t.Helper()
	engine := NewEngine(WithClock(func() time.Time { return now }))
	var out []reconcile.Candidate
	for c, err := range engine.Evaluate(context.Background(), "maven-releases", policy, seqOf(cs...)) {
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func versions(cands []reconcile.Candidate) []string {
	var vs []string
	for _, c := range cands {
		vs = append(vs, c.Component.Version)
	}
	return vs
}

func TestCompareVersions(t *testing.T) {
	vs := []string{"1.9", "1.10", "1.2"}
	slices.SortFunc(vs, CompareVersions)
	assert.Equal(t, []string{"1.2", "1.9", "1.10"}, vs)

	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0.1", "1.0", 1},
		{"1.0-rc1", "1.0", -1},
		{"2.0", "10.0", -1},
		{"1.01", "1.1", 0},
		{"1.0-alpha", "1.0-beta", -1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s vs %s", tt.a, tt.b), func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b))
			assert.Equal(t, -tt.want, CompareVersions(tt.b, tt.a))
		})
	}
}

func TestEvaluate_RetainCount(t *testing.T) {
	for _, tc := range []struct{ versions, retain int }{
		{5, 2}, {3, 3}, {2, 5}, {4, 0}, {1, 1}, {10, 1},
	} {
		t.Run(fmt.Sprintf("M=%d N=%d", tc.versions, tc.retain), func(t *testing.T) {
			var cs []*reconcile.Component
			for i := range tc.versions {
				cs = append(cs, comp("lib", fmt.Sprintf("1.%d", i)))
			}
			policy := &reconcile.CleanupPolicy{Name: "keep", RetainCount: tc.retain}
			cands := evaluate(t, policy, cs...)

			assert.Len(t, cands, max(0, tc.versions-tc.retain))
			for _, c := range cands {
				assert.GreaterOrEqual(t, c.Rank, tc.retain)
				assert.Equal(t, tc.versions, c.GroupSize)
			}
			// the highest versions are never candidates
			for i := tc.versions - 1; i >= max(0, tc.versions-tc.retain); i-- {
				assert.NotContains(t, versions(cands), fmt.Sprintf("1.%d", i))
			}
		})
	}
}

func TestEvaluate_GroupsByKey(t *testing.T) {
	a1, a2, a3 := comp("alpha", "1.0"), comp("alpha", "1.10"), comp("alpha", "1.9")
	b1, b2 := comp("beta", "2.0"), comp("beta", "3.0")
	policy := &reconcile.CleanupPolicy{Name: "keep-one", RetainCount: 1}

	cands := evaluate(t, policy, a1, a2, a3, b1, b2)
	assert.Equal(t, []string{"1.9", "1.0", "2.0"}, versions(cands))
}

func TestEvaluate_LeavesPolicyUntouched(t *testing.T) {
	policy := &reconcile.CleanupPolicy{Name: "keep-one", RetainCount: 1}
	cands := evaluate(t, policy, comp("lib", "1.0"), comp("lib", "1.1"))
	assert.Equal(t, []string{"1.0"}, versions(cands))
	assert.Empty(t, policy.Format)
	assert.Empty(t, policy.RetainSortBy)
}

func TestEvaluate_SortByLastDownloaded(t *testing.T) {
	recent, old, never := comp("lib", "1.0"), comp("lib", "2.0"), comp("lib", "3.0")
	recent.LastDownloaded = daysAgo(1)
	old.LastDownloaded = daysAgo(100)

	policy := &reconcile.CleanupPolicy{Name: "by-use", RetainCount: 1, RetainSortBy: reconcile.SortByLastDownloaded}
	cands := evaluate(t, policy, recent, old, never)
	assert.Equal(t, []string{"2.0", "3.0"}, versions(cands), "never-downloaded sorts last")
}

func TestEvaluate_Filters(t *testing.T) {
	yes, no := true, false
	fresh, stale, untouched := comp("lib", "1.0"), comp("lib", "1.1"), comp("lib", "1.2-SNAPSHOT")
	fresh.LastBlobUpdated, fresh.LastDownloaded = daysAgo(2), daysAgo(2)
	stale.LastBlobUpdated, stale.LastDownloaded = daysAgo(90), daysAgo(90)
	untouched.IsPrerelease = true

	tests := []struct {
		name   string
		policy reconcile.CleanupPolicy
		want   []string
	}{
		{name: "no filters", policy: reconcile.CleanupPolicy{}, want: []string{"1.2-SNAPSHOT", "1.1", "1.0"}},
		{name: "max age", policy: reconcile.CleanupPolicy{MaxAgeDays: 30}, want: []string{"1.2-SNAPSHOT", "1.1"}},
		{name: "unused", policy: reconcile.CleanupPolicy{UnusedDays: 30}, want: []string{"1.2-SNAPSHOT", "1.1"}},
		{name: "regex excludes", policy: reconcile.CleanupPolicy{ExcludeRegex: `.*-SNAPSHOT$`}, want: []string{"1.1", "1.0"}},
		{name: "regex on coordinates", policy: reconcile.CleanupPolicy{ExcludeRegex: `^org\.example:lib:1\.0$`}, want: []string{"1.2-SNAPSHOT", "1.1"}},
		{name: "prereleases only", policy: reconcile.CleanupPolicy{IsPrerelease: &yes}, want: []string{"1.2-SNAPSHOT"}},
		{name: "releases only", policy: reconcile.CleanupPolicy{IsPrerelease: &no}, want: []string{"1.1", "1.0"}},
		{name: "filters never touch the retained head", policy: reconcile.CleanupPolicy{RetainCount: 2, MaxAgeDays: 30}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := tt.policy
			policy.Name = "filters"
			assert.Equal(t, tt.want, versions(evaluate(t, &policy, fresh, stale, untouched)))
		})
	}
}

func TestEvaluate_IgnoresOtherFormats(t *testing.T) {
	m1, m2 := comp("lib", "1.0"), comp("lib", "2.0")
	npm := comp("lib", "0.1")
	npm.Format = "npm"

	policy := &reconcile.CleanupPolicy{Name: "maven", Format: "maven2", RetainCount: 1}
	cands := evaluate(t, policy, npm, m1, m2)
	require.Len(t, cands, 1)
	assert.Equal(t, "1.0", cands[0].Component.Version)
	assert.Equal(t, 2, cands[0].GroupSize)
}

func TestEvaluate_UnsortedInput(t *testing.T) {
	engine := NewEngine()
	policy := &reconcile.CleanupPolicy{Name: "p"}
	var errs []error
	for _, err := range engine.Evaluate(context.Background(), "r", policy, seqOf(comp("zeta", "1"), comp("alpha", "1"))) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], reconcile.ErrUnsortedInput)
}

func TestEvaluate_ReadErrorEndsSequence(t *testing.T) {
	boom := errors.New("connection reset")
	input := func(yield func(*reconcile.Component, error) bool) {
		if !yield(comp("alpha", "1"), nil) || !yield(comp("alpha", "2"), nil) {
			return
		}
		if !yield(nil, boom) {
			return
		}
		yield(comp("beta", "1"), nil)
	}

	engine := NewEngine()
	policy := &reconcile.CleanupPolicy{Name: "p"}
	var got []reconcile.Candidate
	var errs []error
	for c, err := range engine.Evaluate(context.Background(), "r", policy, input) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got = append(got, c)
	}
	assert.Empty(t, got, "a partial group is never emitted")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestEvaluate_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := NewEngine()
	var errs []error
	for _, err := range engine.Evaluate(ctx, "r", &reconcile.CleanupPolicy{Name: "p"}, seqOf(comp("a", "1"))) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestLimit(t *testing.T) {
	var cs []*reconcile.Component
	for i := range 10 {
		cs = append(cs, comp("lib", fmt.Sprintf("%d.0", i)))
	}
	engine := NewEngine()
	n := 0
	for _, err := range Limit(engine.Evaluate(context.Background(), "r", &reconcile.CleanupPolicy{Name: "p"}, seqOf(cs...)), 3) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 3, n)
}
