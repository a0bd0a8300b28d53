// Package metrics records reconcile activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

// Prometheus implements reconcile.Metrics
type Prometheus struct {
	scans         *prometheus.CounterVec
	scanDuration  *prometheus.HistogramVec
	plannedTotal  *prometheus.CounterVec
	actions       *prometheus.CounterVec
	planStatus    *prometheus.CounterVec
	candidates    *prometheus.GaugeVec
	candidatesAll *prometheus.CounterVec
}

var _ reconcile.Metrics = (*Prometheus)(nil)

// New registers the reconcile metrics with reg.
func New(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		scans: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_scans_total",
				Help: "Total number of reconciliation scans by repository and result",
			},
			[]string{"repository", "result"}, // "ok", "error"
		),
		scanDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconcile_scan_duration_seconds",
				Help:    "Duration of reconciliation scans",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"repository"},
		),
		plannedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_planned_actions_total",
				Help: "Total number of actions proposed by completed scans",
			},
			[]string{"repository"},
		),
		actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_actions_total",
				Help: "Total number of applied actions by kind and outcome",
			},
			[]string{"kind", "result"},
		),
		planStatus: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_plan_transitions_total",
				Help: "Total number of plan status transitions",
			},
			[]string{"repository", "status"},
		),
		candidates: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reconcile_cleanup_candidates",
				Help: "Deletion candidates found by the last evaluation of a cleanup policy",
			},
			[]string{"repository", "policy"},
		),
		candidatesAll: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_cleanup_candidates_total",
				Help: "Total number of deletion candidates found by cleanup evaluations",
			},
			[]string{"repository", "policy"},
		),
	}
}

func (m *Prometheus) ObserveScan(repository string, duration time.Duration, actions int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.scans.WithLabelValues(repository, result).Inc()
	m.scanDuration.WithLabelValues(repository).Observe(duration.Seconds())
	if err == nil {
		m.plannedTotal.WithLabelValues(repository).Add(float64(actions))
	}
}

func (m *Prometheus) ObserveAction(kind string, result reconcile.OutcomeResult) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind, string(result)).Inc()
}

func (m *Prometheus) ObservePlan(repository string, status reconcile.PlanStatus) {
	if m == nil {
		return
	}
	m.planStatus.WithLabelValues(repository, string(status)).Inc()
}

func (m *Prometheus) ObserveCandidates(repository, policy string, n int) {
	if m == nil {
		return
	}
	m.candidates.WithLabelValues(repository, policy).Set(float64(n))
	m.candidatesAll.WithLabelValues(repository, policy).Add(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
