package reconcile

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionReport summarizes one execution of a plan or one cleanup run.
type ExecutionReport struct {
	PlanID     uuid.UUID       `json:"plan_id"`
	Repository string          `json:"repository"`
	Status     PlanStatus      `json:"status"`
	Applied    int             `json:"applied"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Outcomes   []ActionOutcome `json:"outcomes"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Retryable  bool            `json:"retryable"`
	Error      string          `json:"error,omitempty"`
}

// Tally recomputes the counts from the outcomes.
func (r *ExecutionReport) Tally() {
	r.Applied, r.Skipped, r.Failed = 0, 0, 0
	for _, o := range r.Outcomes {
		switch o.Result {
		case OutcomeApplied:
			r.Applied++
		case OutcomeSkipped:
			r.Skipped++
		case OutcomeFailed:
			r.Failed++
		}
	}
}

// Succeeded reports whether every outcome settled.
func (r *ExecutionReport) Succeeded() bool {
	return r.Status == PlanStatusCompleted
}
