package reconcile

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// EventSink receives lifecycle notifications from the planner, executor and
// cleanup runs. Errors returned by a sink are logged and never fail the run.
type EventSink interface {
	PlanCreated(ctx context.Context, plan *Plan) error
	PlanExecuted(ctx context.Context, report *ExecutionReport) error
	ActionApplied(ctx context.Context, planID uuid.UUID, outcome ActionOutcome) error
	CleanupCompleted(ctx context.Context, policy string, report *ExecutionReport) error
}

// NoopEventSink is a no-operation implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

func (n *NoopEventSink) PlanCreated(ctx context.Context, plan *Plan) error { return nil }

func (n *NoopEventSink) PlanExecuted(ctx context.Context, report *ExecutionReport) error {
	return nil
}

func (n *NoopEventSink) ActionApplied(ctx context.Context, planID uuid.UUID, outcome ActionOutcome) error {
	return nil
}

func (n *NoopEventSink) CleanupCompleted(ctx context.Context, policy string, report *ExecutionReport) error {
	return nil
}

// LoggingEventSink logs events but takes no other action.
// Useful for development and debugging
type LoggingEventSink struct {
	logger *slog.Logger
}

// NewLoggingEventSink creates a new logging event sink
func NewLoggingEventSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingEventSink{logger: logger}
}

// PlanCreated logs the plan creation event
func (l *LoggingEventSink) PlanCreated(ctx context.Context, plan *Plan) error {
	l.logger.InfoContext(ctx, "plan created",
		"plan_id", plan.ID, "repository", plan.Repository, "actions", len(plan.Actions))
	return nil
}

// PlanExecuted logs the end of a plan execution
func (l *LoggingEventSink) PlanExecuted(ctx context.Context, report *ExecutionReport) error {
	l.logger.InfoContext(ctx, "plan executed",
		"plan_id", report.PlanID, "status", report.Status,
		"applied", report.Applied, "skipped", report.Skipped, "failed", report.Failed)
	return nil
}

// ActionApplied logs a single settled action
func (l *LoggingEventSink) ActionApplied(ctx context.Context, planID uuid.UUID, outcome ActionOutcome) error {
	l.logger.DebugContext(ctx, "action applied",
		"plan_id", planID, "seq", outcome.Seq, "kind", outcome.Kind, "target", outcome.Target)
	return nil
}

// CleanupCompleted logs the end of a cleanup run
func (l *LoggingEventSink) CleanupCompleted(ctx context.Context, policy string, report *ExecutionReport) error {
	l.logger.InfoContext(ctx, "cleanup completed",
		"policy", policy, "repository", report.Repository, "status", report.Status,
		"deleted", report.Applied, "skipped", report.Skipped, "failed", report.Failed)
	return nil
}
