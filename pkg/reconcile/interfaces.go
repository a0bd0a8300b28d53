package reconcile

import (
	"context"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"
)

// BlobStore is content-addressable storage of immutable payloads.
type BlobStore interface {
	// ListBlobIDs yields blob ids in ascending order, starting after the given
	// id (empty for the beginning). Deleted-flag blobs are included.
	ListBlobIDs(ctx context.Context, after BlobID) iter.Seq2[BlobID, error]

	// Exists reports whether a blob is stored, deleted flag or not
	Exists(ctx context.Context, id BlobID) (bool, error)

	// GetAttributes returns blob attributes or ErrBlobNotFound
	GetAttributes(ctx context.Context, id BlobID) (*BlobAttributes, error)

	// Open returns the blob payload or ErrBlobNotFound
	Open(ctx context.Context, id BlobID) (io.ReadCloser, error)

	// Put stores a payload under id with the given properties
	Put(ctx context.Context, id BlobID, r io.Reader, props map[string]string) (*BlobAttributes, error)

	// Delete removes a blob or returns ErrBlobNotFound
	Delete(ctx context.Context, id BlobID) error
}

// Undeleter is implemented by blob stores that can clear a blob's soft-delete
// flag. Undeleting a live blob is a no-op.
type Undeleter interface {
	Undelete(ctx context.Context, id BlobID) error
}

// MetadataStore is the authoritative record of assets and components.
type MetadataStore interface {
	// ListAssets yields live assets of a repository ordered by (BlobRef, ID),
	// starting after the given blob id.
	ListAssets(ctx context.Context, repository string, after BlobID) iter.Seq2[*Asset, error]

	// ListComponents yields components of a repository ordered by (Name, Group),
	// starting after the given key.
	ListComponents(ctx context.Context, repository string, after ComponentKey) iter.Seq2[*Component, error]

	// ListComponentGroup returns every version sharing a key.
	ListComponentGroup(ctx context.Context, repository string, key ComponentKey) ([]*Component, error)

	GetAsset(ctx context.Context, id uuid.UUID) (*Asset, error)
	GetComponent(ctx context.Context, id uuid.UUID) (*Component, error)
	ListComponentAssets(ctx context.Context, componentID uuid.UUID) ([]*Asset, error)

	// BlobReferenced reports whether any live asset in any repository references the blob.
	BlobReferenced(ctx context.Context, blob BlobID) (bool, error)

	DeleteAsset(ctx context.Context, id uuid.UUID) error
	DeleteComponent(ctx context.Context, id uuid.UUID) error
	CreateAssetRecord(ctx context.Context, repository string, blob BlobID, attrs AssetAttributes) (*Asset, error)
}

// PlanStore persists plans, their per-action outcomes and execution reports.
type PlanStore interface {
	CreatePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	ListPlans(ctx context.Context, repository string) ([]*Plan, error)
	UpdatePlanStatus(ctx context.Context, id uuid.UUID, status PlanStatus) error

	SaveOutcome(ctx context.Context, planID uuid.UUID, outcome ActionOutcome) error
	ListOutcomes(ctx context.Context, planID uuid.UUID) ([]ActionOutcome, error)
	ClearOutcomes(ctx context.Context, planID uuid.UUID) error

	SaveReport(ctx context.Context, report *ExecutionReport) error
	GetReport(ctx context.Context, planID uuid.UUID) (*ExecutionReport, error)
}

// PolicyStore persists cleanup policies keyed by (repository, name).
type PolicyStore interface {
	SavePolicy(ctx context.Context, repository string, policy *CleanupPolicy) error
	GetPolicy(ctx context.Context, repository, name string) (*CleanupPolicy, error)
	ListPolicies(ctx context.Context, repository string) ([]*CleanupPolicy, error)
	DeletePolicy(ctx context.Context, repository, name string) error
}

// LeaseManager grants time-bounded exclusive ownership of a resource.
type LeaseManager interface {
	// Acquire grants the lease or returns ErrLeaseHeld. Re-acquiring a lease
	// already held by owner extends it.
	Acquire(ctx context.Context, resource string, owner Identity, ttl time.Duration) (*Lease, error)

	// Renew extends a held lease or returns ErrLeaseLost
	Renew(ctx context.Context, resource string, owner Identity, ttl time.Duration) (*Lease, error)

	// Release drops the lease if owner holds it
	Release(ctx context.Context, resource string, owner Identity) error

	// Get returns the current lease, or nil when free
	Get(ctx context.Context, resource string) (*Lease, error)
}

// Metrics records engine activity. Implementations must be safe for
// concurrent use; a nil Metrics is valid and records nothing.
type Metrics interface {
	ObserveScan(repository string, duration time.Duration, actions int, err error)
	ObserveAction(kind string, result OutcomeResult)
	ObservePlan(repository string, status PlanStatus)
	ObserveCandidates(repository, policy string, n int)
}
