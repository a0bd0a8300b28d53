package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrBlobNotFound indicates a blob is absent from a store
	ErrBlobNotFound = errors.New("blob not found")

	// ErrAssetNotFound indicates an asset record was not found
	ErrAssetNotFound = errors.New("asset not found")

	// ErrComponentNotFound indicates a component record was not found
	ErrComponentNotFound = errors.New("component not found")

	// ErrPlanNotFound indicates a plan was not found
	ErrPlanNotFound = errors.New("plan not found")

	// ErrReportNotFound indicates no execution report has been persisted for a plan
	ErrReportNotFound = errors.New("execution report not found")

	// ErrPolicyNotFound indicates a cleanup policy was not found
	ErrPolicyNotFound = errors.New("cleanup policy not found")

	// ErrInvalidPolicy indicates a cleanup policy failed validation
	ErrInvalidPolicy = errors.New("invalid cleanup policy")

	// ErrUnsortedInput indicates a listing violated its ordering contract
	ErrUnsortedInput = errors.New("input sequence is not sorted")

	// ErrPreconditionStale indicates the live stores no longer match what was planned
	ErrPreconditionStale = errors.New("precondition no longer holds")

	// ErrLeaseHeld indicates another identity holds the lease
	ErrLeaseHeld = errors.New("lease held by another owner")

	// ErrLeaseLost indicates the lease expired or was taken over during a run
	ErrLeaseLost = errors.New("lease lost")

	// ErrDryRunPlan indicates a dry-run plan was submitted for mutating execution
	ErrDryRunPlan = errors.New("plan was created as a dry run")

	// ErrNotDryRunPlan indicates report-only execution was requested for a plan that may mutate
	ErrNotDryRunPlan = errors.New("report-only execution requires a dry-run plan")
)

// TransientStoreError wraps a store failure that is expected to succeed on retry.
type TransientStoreError struct {
	Store string
	Op    string
	Key   string
	Err   error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient %s error during %s on %s: %v", e.Store, e.Op, e.Key, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a TransientStoreError.
func NewTransientError(store, op, key string, err error) error {
	return &TransientStoreError{Store: store, Op: op, Key: key, Err: err}
}

// PreconditionStaleError explains why an action was skipped.
type PreconditionStaleError struct {
	Kind   string
	Key    string
	Reason string
}

func (e *PreconditionStaleError) Error() string {
	return fmt.Sprintf("%s on %s is stale: %s", e.Kind, e.Key, e.Reason)
}

func (e *PreconditionStaleError) Unwrap() error {
	return ErrPreconditionStale
}

// CorruptReferenceError reports a blob that is present but unreadable or
// inconsistent with its other copy.
type CorruptReferenceError struct {
	BlobID BlobID
	Reason string
	Err    error
}

func (e *CorruptReferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt reference to blob %s: %s: %v", e.BlobID, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt reference to blob %s: %s", e.BlobID, e.Reason)
}

func (e *CorruptReferenceError) Unwrap() error {
	return e.Err
}

// ConcurrencyConflictError reports that a plan's lease is held elsewhere or
// was lost mid-run.
type ConcurrencyConflictError struct {
	PlanID uuid.UUID
	Holder Identity
	Err    error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("plan %s: %v (holder %s)", e.PlanID, e.Err, e.Holder)
	}
	return fmt.Sprintf("plan %s: %v", e.PlanID, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}

// IsStale reports whether err means the action should be skipped.
func IsStale(err error) bool {
	return errors.Is(err, ErrPreconditionStale)
}

// IsCorrupt reports whether err is a CorruptReferenceError.
func IsCorrupt(err error) bool {
	var ce *CorruptReferenceError
	return errors.As(err, &ce)
}

// IsConflict reports whether err is a ConcurrencyConflictError.
func IsConflict(err error) bool {
	var ce *ConcurrencyConflictError
	return errors.As(err, &ce)
}

// IsCanceled reports whether err stems from context cancellation or deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func stale(kind ActionKind, key, reason string) error {
	return &PreconditionStaleError{Kind: string(kind), Key: key, Reason: reason}
}
