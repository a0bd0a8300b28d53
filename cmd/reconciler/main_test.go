package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

func TestPrintPlan(t *testing.T) {
	asset := uuid.New()
	plan := &reconcile.Plan{
		ID:         uuid.New(),
		Repository: "maven-releases",
		Status:     reconcile.PlanStatusReady,
		DryRun:     true,
		Actions: []reconcile.Action{
			reconcile.DeleteOrphanBlob("blob-1"),
			reconcile.DeleteDanglingAssetRecord(asset, "blob-2"),
		},
	}
	plan.Actions[1].Seq = 1

	var buf bytes.Buffer
	printPlan(&buf, plan)
	out := buf.String()

	assert.Contains(t, out, "maven-releases")
	assert.Contains(t, out, "2 actions (dry run)")
	assert.Contains(t, out, "DeleteOrphanBlob")
	assert.Contains(t, out, asset.String())
	assert.Contains(t, out, "SEQ")
}

func TestPrintPlan_Empty(t *testing.T) {
	var buf bytes.Buffer
	printPlan(&buf, &reconcile.Plan{Repository: "r", Status: reconcile.PlanStatusReady})
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestPrintPolicies(t *testing.T) {
	yes := true
	var buf bytes.Buffer
	printPolicies(&buf, []*reconcile.CleanupPolicy{
		{Name: "keep-five", Format: "maven2", RetainCount: 5, RetainSortBy: reconcile.SortByVersion, UnusedDays: 90},
		{Name: "snapshots", RetainCount: 1, RetainSortBy: reconcile.SortByLastBlobUpdated, IsPrerelease: &yes},
	})
	out := buf.String()

	assert.Contains(t, out, "keep-five")
	assert.Contains(t, out, "90d")
	assert.Contains(t, out, "any")
	assert.Contains(t, out, "true")
}

func TestParsePolicyFile(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr string
	}{
		{
			name: "valid",
			input: `
policies:
  - repository: maven-releases
    name: keep-five
    format: maven2
    options:
      retain: 5
      sortBy: version
      lastDownloaded: "90"
  - repository: npm
    name: prune
    options:
      lastBlobUpdated: 30
`,
			want: 2,
		},
		{
			name: "unknown field",
			input: `
policies:
  - repository: r
    name: p
    retention: 3
`,
			wantErr: "retention",
		},
		{
			name: "unknown option",
			input: `
policies:
  - repository: r
    name: p
    options:
      keep: 3
`,
			wantErr: "invalid cleanup policy",
		},
		{
			name: "missing repository",
			input: `
policies:
  - name: p
    options:
      retain: 1
`,
			wantErr: "repository is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePolicyFile(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, tt.want)
			assert.Equal(t, "maven-releases", got[0].repository)
			assert.Equal(t, 5, got[0].policy.RetainCount)
			assert.Equal(t, 90, got[0].policy.UnusedDays)
			assert.Equal(t, 30, got[1].policy.MaxAgeDays)
		})
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "defaults"},
		{name: "json debug", level: "debug", format: "json"},
		{name: "text warn", level: "WARN", format: "text"},
		{name: "bad level", level: "loud", wantErr: true},
		{name: "bad format", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.level)
			t.Setenv("LOG_FORMAT", tt.format)
			logger, err := newLogger()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}
