package reconcile

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Identity names the process that owns a lease. Generate it once at start-up
// with NewIdentity and pass it to every component that takes leases.
type Identity string

// NewIdentity returns a fresh identity of the form "<hostname>-<uuid>".
func NewIdentity() Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "reconciler"
	}
	return Identity(fmt.Sprintf("%s-%s", host, uuid.NewString()))
}

// RunOwner returns a lease owner unique to one run by id. Two runs in the
// same process hold different owners, so they exclude each other.
func (id Identity) RunOwner() Identity {
	return Identity(fmt.Sprintf("%s/run-%s", id, uuid.NewString()))
}

// Lease is a time-bounded mutual-exclusion token.
type Lease struct {
	Resource   string    `json:"resource"`
	Owner      Identity  `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// HeldBy reports whether owner holds the lease at now.
func (l *Lease) HeldBy(owner Identity, now time.Time) bool {
	return l != nil && owner != "" && l.Owner == owner && now.Before(l.ExpiresAt)
}

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// PlanLeaseResource is the lease resource name guarding execution of a plan.
func PlanLeaseResource(planID uuid.UUID) string {
	return "plan:" + planID.String()
}

// CleanupLeaseResource guards cleanup runs of one repository.
func CleanupLeaseResource(repository string) string {
	return "cleanup:" + repository
}
