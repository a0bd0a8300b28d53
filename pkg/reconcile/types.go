package reconcile

import (
	"time"

	"github.com/google/uuid"
)

// BlobID is the content identifier of a blob. Blob ids sort lexically and
// both store listings are ordered by it.
type BlobID string

// Blob property keys recorded alongside a blob payload.
const (
	PropRepoName    = "repo-name"
	PropBlobName    = "blob-name"
	PropFormat      = "format"
	PropContentType = "content-type"
	PropSHA1        = "sha1"
)

// BlobAttributes describes a blob as reported by a BlobStore.
type BlobAttributes struct {
	ID         BlobID            `json:"id"`
	Size       int64             `json:"size"`
	CreatedAt  time.Time         `json:"created_at"`
	Deleted    bool              `json:"deleted"`
	Checksum   string            `json:"checksum,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Live reports whether the blob can satisfy a reference.
func (a *BlobAttributes) Live() bool {
	return a != nil && !a.Deleted
}

// Repository returns the repository named in the blob properties, if any.
func (a *BlobAttributes) Repository() string {
	if a == nil {
		return ""
	}
	return a.Properties[PropRepoName]
}

// Asset is a logical record in a repository that references a blob.
type Asset struct {
	ID              uuid.UUID         `json:"id"`
	Repository      string            `json:"repository"`
	Path            string            `json:"path"`
	Format          string            `json:"format"`
	ComponentID     *uuid.UUID        `json:"component_id,omitempty"`
	BlobRef         BlobID            `json:"blob_ref"`
	LastDownloaded  *time.Time        `json:"last_downloaded,omitempty"`
	LastBlobUpdated *time.Time        `json:"last_blob_updated,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// AssetAttributes are the fields used to create an asset record for an
// existing blob.
type AssetAttributes struct {
	Path        string
	Format      string
	ComponentID *uuid.UUID
	Attributes  map[string]string
}

// Component is a logical version of a package, grouping one or more assets.
//
// LastDownloaded and LastBlobUpdated are the most recent values across the
// component's assets and are nil when no asset has a value.
type Component struct {
	ID              uuid.UUID         `json:"id"`
	Repository      string            `json:"repository"`
	Format          string            `json:"format"`
	Group           string            `json:"group,omitempty"`
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	IsPrerelease    bool              `json:"is_prerelease"`
	LastDownloaded  *time.Time        `json:"last_downloaded,omitempty"`
	LastBlobUpdated *time.Time        `json:"last_blob_updated,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// Key returns the identity the component is grouped by.
func (c *Component) Key() ComponentKey {
	return ComponentKey{Name: c.Name, Group: c.Group}
}

// Coordinates returns "group:name:version", or "name:version" without a group.
func (c *Component) Coordinates() string {
	if c.Group == "" {
		return c.Name + ":" + c.Version
	}
	return c.Group + ":" + c.Name + ":" + c.Version
}

// ComponentKey identifies a group of component versions.
type ComponentKey struct {
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
}

// Compare orders keys by name, then group.
func (k ComponentKey) Compare(other ComponentKey) int {
	switch {
	case k.Name < other.Name:
		return -1
	case k.Name > other.Name:
		return 1
	case k.Group < other.Group:
		return -1
	case k.Group > other.Group:
		return 1
	}
	return 0
}

// IsZero reports whether the key is empty, meaning "start of listing".
func (k ComponentKey) IsZero() bool {
	return k.Name == "" && k.Group == ""
}

// PlanStatus is the lifecycle state of a Plan.
type PlanStatus string

const (
	PlanStatusDraft     PlanStatus = "DRAFT"
	PlanStatusReady     PlanStatus = "READY"
	PlanStatusExecuting PlanStatus = "EXECUTING"
	PlanStatusCompleted PlanStatus = "COMPLETED"
	PlanStatusFailed    PlanStatus = "FAILED"
)

// Terminal reports whether no further execution is expected.
func (s PlanStatus) Terminal() bool {
	return s == PlanStatusCompleted
}

// Plan is an ordered, immutable list of repair actions produced by a scan.
type Plan struct {
	ID          uuid.UUID     `json:"id"`
	Repository  string        `json:"repository"`
	CreatedAt   time.Time     `json:"created_at"`
	Status      PlanStatus    `json:"status"`
	GracePeriod time.Duration `json:"grace_period"`
	DryRun      bool          `json:"dry_run"`
	Actions     []Action      `json:"actions"`
}

// Counts returns the number of actions of each kind.
func (p *Plan) Counts() map[ActionKind]int {
	counts := make(map[ActionKind]int, len(AllActionKinds))
	for _, a := range p.Actions {
		counts[a.Kind]++
	}
	return counts
}
