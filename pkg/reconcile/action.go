package reconcile

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind tags the variant of an Action. The set is closed: every kind in
// AllActionKinds has exactly one handler in the executor.
type ActionKind string

const (
	ActionCreateMissingAssetRecord  ActionKind = "CreateMissingAssetRecord"
	ActionDeleteOrphanBlob          ActionKind = "DeleteOrphanBlob"
	ActionDeleteDanglingAssetRecord ActionKind = "DeleteDanglingAssetRecord"
	ActionRepairFromFailover        ActionKind = "RepairFromFailover"
	ActionUndeleteBlob              ActionKind = "UndeleteBlob"
	ActionDeleteCorruptAssetRecord  ActionKind = "DeleteCorruptAssetRecord"
	ActionNoOp                      ActionKind = "NoOp"
)

// AllActionKinds lists every recognized action kind.
var AllActionKinds = []ActionKind{
	ActionCreateMissingAssetRecord,
	ActionDeleteOrphanBlob,
	ActionDeleteDanglingAssetRecord,
	ActionRepairFromFailover,
	ActionUndeleteBlob,
	ActionDeleteCorruptAssetRecord,
	ActionNoOp,
}

// Valid reports whether k is a recognized kind.
func (k ActionKind) Valid() bool {
	for _, known := range AllActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Action is one proposed repair. Which fields are set depends on Kind:
//
//	CreateMissingAssetRecord   BlobID
//	DeleteOrphanBlob           BlobID
//	DeleteDanglingAssetRecord  AssetID, BlobID (the dangling reference)
//	RepairFromFailover         AssetID, BlobID
//	UndeleteBlob               AssetID, BlobID (the soft-deleted blob)
//	DeleteCorruptAssetRecord   AssetID, BlobID
//	NoOp                       none
type Action struct {
	Seq     int        `json:"seq"`
	Kind    ActionKind `json:"kind"`
	BlobID  BlobID     `json:"blob_id,omitempty"`
	AssetID uuid.UUID  `json:"asset_id,omitempty"`
}

// CreateMissingAssetRecord builds an action restoring an asset record for blob.
func CreateMissingAssetRecord(blob BlobID) Action {
	return Action{Kind: ActionCreateMissingAssetRecord, BlobID: blob}
}

// DeleteOrphanBlob builds an action deleting an unreferenced blob.
func DeleteOrphanBlob(blob BlobID) Action {
	return Action{Kind: ActionDeleteOrphanBlob, BlobID: blob}
}

// DeleteDanglingAssetRecord builds an action removing an asset whose blob is gone.
func DeleteDanglingAssetRecord(asset uuid.UUID, blob BlobID) Action {
	return Action{Kind: ActionDeleteDanglingAssetRecord, AssetID: asset, BlobID: blob}
}

// RepairFromFailover builds an action copying blob back from the failover store.
func RepairFromFailover(asset uuid.UUID, blob BlobID) Action {
	return Action{Kind: ActionRepairFromFailover, AssetID: asset, BlobID: blob}
}

// UndeleteBlob builds an action clearing the deleted flag of a blob asset
// still references.
func UndeleteBlob(asset uuid.UUID, blob BlobID) Action {
	return Action{Kind: ActionUndeleteBlob, AssetID: asset, BlobID: blob}
}

// DeleteCorruptAssetRecord builds an action removing an asset whose recorded
// sha1 disagrees with its blob.
func DeleteCorruptAssetRecord(asset uuid.UUID, blob BlobID) Action {
	return Action{Kind: ActionDeleteCorruptAssetRecord, AssetID: asset, BlobID: blob}
}

// NoOp builds an action that changes nothing.
func NoOp() Action {
	return Action{Kind: ActionNoOp}
}

// PartitionKey is the id an executor serializes on. Actions with the same key
// never run concurrently.
func (a Action) PartitionKey() string {
	return string(a.BlobID)
}

func (a Action) String() string {
	switch a.Kind {
	case ActionDeleteDanglingAssetRecord, ActionRepairFromFailover, ActionUndeleteBlob, ActionDeleteCorruptAssetRecord:
		return fmt.Sprintf("%s(%s, %s)", a.Kind, a.AssetID, a.BlobID)
	case ActionNoOp:
		return string(a.Kind)
	default:
		return fmt.Sprintf("%s(%s)", a.Kind, a.BlobID)
	}
}

// OutcomeResult is the recorded result of applying one action.
type OutcomeResult string

const (
	OutcomeApplied OutcomeResult = "APPLIED"
	OutcomeSkipped OutcomeResult = "SKIPPED"
	OutcomeFailed  OutcomeResult = "FAILED"
)

// Settled reports whether the action needs no further attempts.
func (r OutcomeResult) Settled() bool {
	return r == OutcomeApplied || r == OutcomeSkipped
}

// ActionOutcome records what happened to one action of a plan or one
// component deletion of a cleanup run.
type ActionOutcome struct {
	Seq        int           `json:"seq"`
	Kind       string        `json:"kind"`
	Target     string        `json:"target"`
	Result     OutcomeResult `json:"result"`
	Reason     string        `json:"reason,omitempty"`
	Attempts   int           `json:"attempts"`
	FinishedAt time.Time     `json:"finished_at"`
}
