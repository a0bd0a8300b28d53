package cleanup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

func TestParsePolicy(t *testing.T) {
	t.Run("AllKeys", func(t *testing.T) {
		p, err := ParsePolicy("old-snapshots", "maven2", map[string]any{
			"policyName":      "old-snapshots",
			"isPrerelease":    true,
			"lastBlobUpdated": float64(30),
			"lastDownloaded":  "60",
			"retain":          3,
			"sortBy":          "lastDownloaded",
			"regex":           `.*-rc\d+`,
		})
		require.NoError(t, err)
		assert.Equal(t, "old-snapshots", p.Name)
		assert.Equal(t, "maven2", p.Format)
		assert.Equal(t, 30, p.MaxAgeDays)
		assert.Equal(t, 60, p.UnusedDays)
		assert.Equal(t, 3, p.RetainCount)
		assert.Equal(t, reconcile.SortByLastDownloaded, p.RetainSortBy)
		require.NotNil(t, p.IsPrerelease)
		assert.True(t, *p.IsPrerelease)
	})

	t.Run("Defaults", func(t *testing.T) {
		p, err := ParsePolicy("minimal", "", map[string]any{"retain": 1})
		require.NoError(t, err)
		assert.Equal(t, reconcile.AnyFormat, p.Format)
		assert.Equal(t, reconcile.SortByVersion, p.RetainSortBy)
		assert.Nil(t, p.IsPrerelease)
	})

	t.Run("NameFromOptions", func(t *testing.T) {
		p, err := ParsePolicy("", "", map[string]any{"policyName": "from-options"})
		require.NoError(t, err)
		assert.Equal(t, "from-options", p.Name)
	})

	invalid := []struct {
		name    string
		options map[string]any
	}{
		{"unknown key", map[string]any{"retain": 1, "keepForever": true}},
		{"bad sort", map[string]any{"sortBy": "size"}},
		{"negative retain", map[string]any{"retain": -1}},
		{"bad regex", map[string]any{"regex": "("}},
		{"name mismatch", map[string]any{"policyName": "other"}},
		{"not a number", map[string]any{"lastDownloaded": "soon"}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy("p", "", tt.options)
			require.Error(t, err)
			assert.ErrorIs(t, err, reconcile.ErrInvalidPolicy)
		})
	}
}

func TestOptionsRoundTrip(t *testing.T) {
	no := false
	p := &reconcile.CleanupPolicy{
		Name: "p", Format: "npm", RetainCount: 2, RetainSortBy: reconcile.SortByLastBlobUpdated,
		MaxAgeDays: 10, ExcludeRegex: "^keep", IsPrerelease: &no,
	}
	back, err := ParsePolicy("p", "npm", Options(p))
	require.NoError(t, err)
	assert.Equal(t, p, back)
}
