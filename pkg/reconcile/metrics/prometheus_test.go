package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/metrics"
)

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveScan("r", 2*time.Second, 3, nil)
	m.ObserveScan("r", time.Second, 0, errors.New("boom"))
	m.ObserveAction("DeleteOrphanBlob", reconcile.OutcomeApplied)
	m.ObserveAction("DeleteOrphanBlob", reconcile.OutcomeApplied)
	m.ObservePlan("r", reconcile.PlanStatusCompleted)
	m.ObserveCandidates("r", "keep-3", 7)

	n, err := testutil.GatherAndCount(reg, "reconcile_scans_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `reconcile_actions_total{kind="DeleteOrphanBlob",result="APPLIED"} 2`)
	assert.Contains(t, string(body), `reconcile_planned_actions_total{repository="r"} 3`)
	assert.Contains(t, string(body), `reconcile_cleanup_candidates{policy="keep-3",repository="r"} 7`)
}

func TestPrometheus_NilIsSafe(t *testing.T) {
	var m *metrics.Prometheus
	assert.NotPanics(t, func() {
		m.ObserveScan("r", time.Second, 1, nil)
		m.ObserveAction("NoOp", reconcile.OutcomeSkipped)
		m.ObservePlan("r", reconcile.PlanStatusFailed)
		m.ObserveCandidates("r", "p", 1)
	})
}
