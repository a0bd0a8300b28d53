// Package nats publishes reconcile lifecycle events to NATS subjects as JSON.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

// DefaultSubjectPrefix is prepended to every event subject.
const DefaultSubjectPrefix = "reconcile"

// Event subjects, relative to the prefix.
const (
	SubjectPlanCreated      = "plan.created"
	SubjectPlanExecuted     = "plan.executed"
	SubjectActionApplied    = "action.applied"
	SubjectCleanupCompleted = "cleanup.completed"
)

var errNilPublisher = errors.New("nats publisher not initialized")

// Publisher is the subset of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON envelope published for every notification.
type Event struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	PlanID     uuid.UUID `json:"plan_id"`
	Repository string    `json:"repository,omitempty"`
	Policy     string    `json:"policy,omitempty"`
	Payload    any       `json:"payload,omitempty"`
}

// Sink implements reconcile.EventSink over NATS
type Sink struct {
	pub    Publisher
	conn   *natsgo.Conn
	prefix string
	clock  func() time.Time
}

var _ reconcile.EventSink = (*Sink)(nil)

// Option configures the sink
type Option func(*Sink)

// WithSubjectPrefix replaces DefaultSubjectPrefix
func WithSubjectPrefix(prefix string) Option {
	return func(s *Sink) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock replaces time.Now for event timestamps
func WithClock(clock func() time.Time) Option {
	return func(s *Sink) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Dial connects to NATS at url and returns a sink owning the connection.
func Dial(url string, logger *slog.Logger, opts ...Option) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := natsgo.Connect(url,
		natsgo.Name("blob-reconcile"),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			logger.Warn("disconnected from NATS", "error", err)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	s := New(nc, opts...)
	s.conn = nc
	return s, nil
}

// New creates a sink publishing through pub.
func New(pub Publisher, opts ...Option) *Sink {
	s := &Sink{pub: pub, prefix: DefaultSubjectPrefix, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close drains and closes a connection opened by Dial.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

func (s *Sink) publish(ctx context.Context, subject string, e Event) error {
	if s == nil || s.pub == nil {
		return errNilPublisher
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Type = subject
	e.Time = s.clock().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	return s.pub.Publish(s.prefix+"."+subject, data)
}

type planSummary struct {
	Status  reconcile.PlanStatus         `json:"status"`
	DryRun  bool                         `json:"dry_run"`
	Actions int                          `json:"actions"`
	Counts  map[reconcile.ActionKind]int `json:"counts"`
}

type reportSummary struct {
	Status    reconcile.PlanStatus `json:"status"`
	Applied   int                  `json:"applied"`
	Skipped   int                  `json:"skipped"`
	Failed    int                  `json:"failed"`
	Retryable bool                 `json:"retryable"`
	Error     string               `json:"error,omitempty"`
}

func summarize(r *reconcile.ExecutionReport) reportSummary {
	return reportSummary{
		Status: r.Status, Applied: r.Applied, Skipped: r.Skipped, Failed: r.Failed,
		Retryable: r.Retryable, Error: r.Error,
	}
}

func (s *Sink) PlanCreated(ctx context.Context, plan *reconcile.Plan) error {
	return s.publish(ctx, SubjectPlanCreated, Event{
		PlanID:     plan.ID,
		Repository: plan.Repository,
		Payload: planSummary{
			Status: plan.Status, DryRun: plan.DryRun, Actions: len(plan.Actions), Counts: plan.Counts(),
		},
	})
}

func (s *Sink) PlanExecuted(ctx context.Context, report *reconcile.ExecutionReport) error {
	return s.publish(ctx, SubjectPlanExecuted, Event{
		PlanID:     report.PlanID,
		Repository: report.Repository,
		Payload:    summarize(report),
	})
}

func (s *Sink) ActionApplied(ctx context.Context, planID uuid.UUID, outcome reconcile.ActionOutcome) error {
	return s.publish(ctx, SubjectActionApplied, Event{PlanID: planID, Payload: outcome})
}

func (s *Sink) CleanupCompleted(ctx context.Context, policy string, report *reconcile.ExecutionReport) error {
	return s.publish(ctx, SubjectCleanupCompleted, Event{
		PlanID:     report.PlanID,
		Repository: report.Repository,
		Policy:     policy,
		Payload:    summarize(report),
	})
}
