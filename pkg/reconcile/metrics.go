package reconcile

import "time"

func observeScan(m Metrics, repository string, d time.Duration, actions int, err error) {
	if m != nil {
		m.ObserveScan(repository, d, actions, err)
	}
}

func observeAction(m Metrics, kind string, result OutcomeResult) {
	if m != nil {
		m.ObserveAction(kind, result)
	}
}

func observePlan(m Metrics, repository string, status PlanStatus) {
	if m != nil {
		m.ObservePlan(repository, status)
	}
}

// ObserveCandidates records the number of cleanup candidates found; nil m is ignored.
func ObserveCandidates(m Metrics, repository, policy string, n int) {
	if m != nil {
		m.ObserveCandidates(repository, policy, n)
	}
}
