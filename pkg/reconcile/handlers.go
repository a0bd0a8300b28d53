package reconcile

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
)

// actionHandler rechecks an action's precondition against the live stores and
// applies it. A stale precondition is reported as a PreconditionStaleError.
type actionHandler func(ctx context.Context, e *Executor, plan *Plan, a Action) error

var actionHandlers = map[ActionKind]actionHandler{
	ActionCreateMissingAssetRecord:  applyCreateMissingAssetRecord,
	ActionDeleteOrphanBlob:          applyDeleteOrphanBlob,
	ActionDeleteDanglingAssetRecord: applyDeleteDanglingAssetRecord,
	ActionRepairFromFailover:        applyRepairFromFailover,
	ActionUndeleteBlob:              applyUndeleteBlob,
	ActionDeleteCorruptAssetRecord:  applyDeleteCorruptAssetRecord,
	ActionNoOp:                      applyNoOp,
}

func applyNoOp(context.Context, *Executor, *Plan, Action) error {
	return nil
}

func applyDeleteOrphanBlob(ctx context.Context, e *Executor, plan *Plan, a Action) error {
	key := string(a.BlobID)
	attrs, err := e.blobs.GetAttributes(ctx, a.BlobID)
	if errors.Is(err, ErrBlobNotFound) {
		return stale(a.Kind, key, "blob no longer exists")
	}
	if err != nil {
		return err
	}
	if attrs.Deleted {
		return stale(a.Kind, key, "blob is marked deleted")
	}
	if e.insideGrace(plan, attrs) {
		return stale(a.Kind, key, "blob is inside the grace period")
	}
	referenced, err := e.metadata.BlobReferenced(ctx, a.BlobID)
	if err != nil {
		return err
	}
	if referenced {
		return stale(a.Kind, key, "blob is referenced by a live asset")
	}
	if err := e.blobs.Delete(ctx, a.BlobID); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return stale(a.Kind, key, "blob no longer exists")
		}
		return err
	}
	return nil
}

func applyDeleteDanglingAssetRecord(ctx context.Context, e *Executor, plan *Plan, a Action) error {
	key := a.AssetID.String()
	asset, err := e.metadata.GetAsset(ctx, a.AssetID)
	if errors.Is(err, ErrAssetNotFound) {
		return stale(a.Kind, key, "asset no longer exists")
	}
	if err != nil {
		return err
	}
	live, err := liveIn(ctx, e.blobs, asset.BlobRef)
	if err != nil {
		return err
	}
	if live {
		return stale(a.Kind, key, "blob is live in the primary store")
	}
	if e.opts.failover != nil {
		recoverable, err := liveIn(ctx, e.opts.failover, asset.BlobRef)
		if err != nil {
			return err
		}
		if recoverable {
			return stale(a.Kind, key, "blob is recoverable from failover")
		}
	}
	if err := e.metadata.DeleteAsset(ctx, a.AssetID); err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			return stale(a.Kind, key, "asset no longer exists")
		}
		return err
	}
	return nil
}

func applyRepairFromFailover(ctx context.Context, e *Executor, plan *Plan, a Action) error {
	key := a.AssetID.String()
	if e.opts.failover == nil {
		return stale(a.Kind, key, "no failover store configured")
	}
	asset, err := e.metadata.GetAsset(ctx, a.AssetID)
	if errors.Is(err, ErrAssetNotFound) {
		return stale(a.Kind, key, "asset no longer exists")
	}
	if err != nil {
		return err
	}
	if asset.BlobRef != a.BlobID {
		return stale(a.Kind, key, "asset references a different blob")
	}
	live, err := liveIn(ctx, e.blobs, a.BlobID)
	if err != nil {
		return err
	}
	if live {
		return stale(a.Kind, key, "blob is already live in the primary store")
	}
	source, err := e.opts.failover.GetAttributes(ctx, a.BlobID)
	if errors.Is(err, ErrBlobNotFound) || (err == nil && !source.Live()) {
		return stale(a.Kind, key, "failover no longer holds the blob")
	}
	if err != nil {
		return err
	}

	// Verify the failover copy before anything reaches the primary store.
	want := expectedChecksum(source, asset)
	if want != "" {
		sum, err := checksumOf(ctx, e.opts.failover, a.BlobID)
		if errors.Is(err, ErrBlobNotFound) {
			return stale(a.Kind, key, "failover no longer holds the blob")
		}
		if err != nil {
			return err
		}
		if !strings.EqualFold(want, sum) {
			return &CorruptReferenceError{
				BlobID: a.BlobID,
				Reason: fmt.Sprintf("failover checksum %s does not match expected %s", sum, want),
			}
		}
	}

	rc, err := e.opts.failover.Open(ctx, a.BlobID)
	if errors.Is(err, ErrBlobNotFound) {
		return stale(a.Kind, key, "failover no longer holds the blob")
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	h := sha1.New()
	props := maps.Clone(source.Properties)
	if _, err := e.blobs.Put(ctx, a.BlobID, io.TeeReader(rc, h), props); err != nil {
		return err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if want == "" || strings.EqualFold(want, sum) {
		return nil
	}
	cerr := &CorruptReferenceError{
		BlobID: a.BlobID,
		Reason: fmt.Sprintf("failover content changed while copying: checksum %s does not match expected %s", sum, want),
	}
	if derr := e.blobs.Delete(ctx, a.BlobID); derr != nil && !errors.Is(derr, ErrBlobNotFound) {
		return fmt.Errorf("%w; removing the corrupt copy failed: %v", cerr, derr)
	}
	return cerr
}

func applyUndeleteBlob(ctx context.Context, e *Executor, plan *Plan, a Action) error {
	key := a.AssetID.String()
	undeleter, ok := e.blobs.(Undeleter)
	if !ok {
		return stale(a.Kind, key, "blob store cannot undelete")
	}
	asset, err := e.metadata.GetAsset(ctx, a.AssetID)
	if errors.Is(err, ErrAssetNotFound) {
		return stale(a.Kind, key, "asset no longer exists")
	}
	if err != nil {
		return err
	}
	if asset.BlobRef != a.BlobID {
		return stale(a.Kind, key, "asset references a different blob")
	}
	attrs, err := e.blobs.GetAttributes(ctx, a.BlobID)
	if errors.Is(err, ErrBlobNotFound) {
		return stale(a.Kind, key, "blob no longer exists")
	}
	if err != nil {
		return err
	}
	if attrs.Live() {
		return stale(a.Kind, key, "blob is already live")
	}
	if err := undeleter.Undelete(ctx, a.BlobID); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return stale(a.Kind, key, "blob no longer exists")
		}
		return err
	}
	return nil
}

func applyDeleteCorruptAssetRecord(ctx context.Context, e *Executor, plan *Plan, a Action) error {
	key := a.AssetID.String()
	asset, err := e.metadata.GetAsset(ctx, a.AssetID)
	if errors.Is(err, ErrAssetNotFound) {
		return stale(a.Kind, key, "asset no longer exists")
	}
	if err != nil {
		return err
	}
	if asset.BlobRef != a.BlobID {
		return stale(a.Kind, key, "asset references a different blob")
	}
	attrs, err := e.blobs.GetAttributes(ctx, a.BlobID)
	if errors.Is(err, ErrBlobNotFound) || (err == nil && !attrs.Live()) {
		return stale(a.Kind, key, "blob is no longer live")
	}
	if err != nil {
		return err
	}
	want, got := blobChecksum(attrs), asset.Attributes[PropSHA1]
	if want == "" || got == "" || strings.EqualFold(want, got) {
		return stale(a.Kind, key, "asset checksum matches its blob")
	}
	if err := e.metadata.DeleteAsset(ctx, a.AssetID); err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			return stale(a.Kind, key, "asset no longer exists")
		}
		return err
	}
	return nil
}

func applyCreateMissingAssetRecord(ctx context.Context, e *Executor, plan *Plan, a Action) error {
	key := string(a.BlobID)
	attrs, err := e.blobs.GetAttributes(ctx, a.BlobID)
	if errors.Is(err, ErrBlobNotFound) {
		return stale(a.Kind, key, "blob no longer exists")
	}
	if err != nil {
		return err
	}
	if !attrs.Live() {
		return stale(a.Kind, key, "blob is marked deleted")
	}
	if attrs.Repository() != plan.Repository {
		return stale(a.Kind, key, "blob properties no longer name the repository")
	}
	if e.insideGrace(plan, attrs) {
		return stale(a.Kind, key, "blob is inside the grace period")
	}
	referenced, err := e.metadata.BlobReferenced(ctx, a.BlobID)
	if err != nil {
		return err
	}
	if referenced {
		return stale(a.Kind, key, "blob is already referenced")
	}

	extra := map[string]string{}
	for _, k := range []string{PropContentType, PropSHA1} {
		if v := attrs.Properties[k]; v != "" {
			extra[k] = v
		}
	}
	_, err = e.metadata.CreateAssetRecord(ctx, plan.Repository, a.BlobID, AssetAttributes{
		Path:       attrs.Properties[PropBlobName],
		Format:     attrs.Properties[PropFormat],
		Attributes: extra,
	})
	return err
}

// expectedChecksum prefers the sha1 recorded with the blob, then the asset's.
func expectedChecksum(source *BlobAttributes, asset *Asset) string {
	if v := source.Properties[PropSHA1]; v != "" {
		return v
	}
	if v := asset.Attributes[PropSHA1]; v != "" {
		return v
	}
	return source.Checksum
}

// insideGrace reports whether the blob is younger than the plan's grace period.
func (e *Executor) insideGrace(plan *Plan, attrs *BlobAttributes) bool {
	grace := plan.GracePeriod
	if grace <= 0 {
		grace = e.opts.grace
	}
	return e.opts.now().Sub(attrs.CreatedAt) <= grace
}

// blobChecksum returns the sha1 a store recorded for a blob.
func blobChecksum(attrs *BlobAttributes) string {
	if v := attrs.Properties[PropSHA1]; v != "" {
		return v
	}
	return attrs.Checksum
}

func checksumOf(ctx context.Context, store BlobStore, id BlobID) (string, error) {
	rc, err := store.Open(ctx, id)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := sha1.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func liveIn(ctx context.Context, store BlobStore, id BlobID) (bool, error) {
	attrs, err := store.GetAttributes(ctx, id)
	if errors.Is(err, ErrBlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return attrs.Live(), nil
}
