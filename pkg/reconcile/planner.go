package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Planner diffs a repository's asset records against the blob store and
// persists the resulting repair Plan. It never mutates either store.
type Planner struct {
	blobs    BlobStore
	metadata MetadataStore
	plans    PlanStore
	opts     options
}

// NewPlanner creates a planner over the given stores.
func NewPlanner(blobs BlobStore, metadata MetadataStore, plans PlanStore, opts ...Option) (*Planner, error) {
	if blobs == nil || metadata == nil || plans == nil {
		return nil, fmt.Errorf("planner requires blob, metadata and plan stores")
	}
	p := &Planner{blobs: blobs, metadata: metadata, plans: plans, opts: defaultOptions()}
	for _, opt := range opts {
		opt(&p.opts)
	}
	return p, nil
}

// ScanOptions tune a single scan.
type ScanOptions struct {
	// DryRun marks the plan as report-only; executors refuse to mutate for it.
	DryRun bool
	// Undelete proposes clearing the deleted flag of soft-deleted blobs that
	// assets still reference. It needs a primary store implementing Undeleter.
	Undelete bool
	// IntegrityCheck proposes removing assets whose recorded sha1 disagrees
	// with their live blob.
	IntegrityCheck bool
	// SinceDays, when positive, limits blob-side decisions (orphan deletion,
	// restore, undelete and integrity) to blobs created within that many days.
	SinceDays int
}

// Scan diffs repository and persists a READY plan.
func (p *Planner) Scan(ctx context.Context, repository string) (*Plan, error) {
	return p.ScanWith(ctx, repository, ScanOptions{})
}

// ScanWith is Scan with per-scan options. Nothing is persisted unless the scan
// completes: read errors and cancellation discard the in-memory plan.
func (p *Planner) ScanWith(ctx context.Context, repository string, so ScanOptions) (*Plan, error) {
	if repository == "" {
		return nil, fmt.Errorf("repository is required")
	}
	start := p.opts.now()
	plan := &Plan{
		ID:          uuid.New(),
		Repository:  repository,
		CreatedAt:   start,
		Status:      PlanStatusDraft,
		GracePeriod: p.opts.grace,
		DryRun:      so.DryRun,
	}

	actions, err := p.diff(ctx, repository, so,
		p.blobs.ListBlobIDs(ctx, ""),
		p.metadata.ListAssets(ctx, repository, ""))
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		observeScan(p.opts.metrics, repository, time.Since(start), 0, err)
		p.opts.logger.DebugContext(ctx, "scan aborted", "repository", repository, "error", err)
		return nil, fmt.Errorf("scan %s: %w", repository, err)
	}

	for i := range actions {
		actions[i].Seq = i
	}
	plan.Actions = actions
	plan.Status = PlanStatusReady
	if err := p.plans.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	observeScan(p.opts.metrics, repository, time.Since(start), len(actions), nil)
	observePlan(p.opts.metrics, repository, plan.Status)
	p.opts.logger.InfoContext(ctx, "plan ready",
		"plan_id", plan.ID, "repository", repository, "actions", len(actions), "dry_run", plan.DryRun)
	if err := p.opts.events.PlanCreated(ctx, plan); err != nil {
		p.opts.logger.WarnContext(ctx, "event sink failed", "event", "plan_created", "error", err)
	}
	return plan, nil
}

// diff merge-joins two ordered listings by blob id. Neither listing is
// materialized; each side is read once through a one-element lookahead.
func (p *Planner) diff(ctx context.Context, repository string, so ScanOptions, blobSeq iter.Seq2[BlobID, error], assetSeq iter.Seq2[*Asset, error]) ([]Action, error) {
	blobs := newCursor(blobSeq)
	defer blobs.close()
	assets := newCursor(assetSeq)
	defer assets.close()

	var (
		actions   []Action
		scanned   int64
		lastBlob  BlobID
		lastAsset *Asset
		reported  int64
	)
	report := func() {
		if p.opts.progress != nil {
			p.opts.progress(scanned)
		}
		reported = scanned
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blob, haveBlob := blobs.peek()
		asset, haveAsset := assets.peek()
		if err := errors.Join(blobs.Err(), assets.Err()); err != nil {
			return nil, err
		}
		if !haveBlob && !haveAsset {
			break
		}

		if haveBlob {
			if lastBlob != "" && blob <= lastBlob {
				return nil, fmt.Errorf("%w: blob %s after %s", ErrUnsortedInput, blob, lastBlob)
			}
		}
		if haveAsset && lastAsset != nil {
			if asset.BlobRef < lastAsset.BlobRef ||
				(asset.BlobRef == lastAsset.BlobRef && compareIDs(asset.ID, lastAsset.ID) <= 0) {
				return nil, fmt.Errorf("%w: asset %s after %s", ErrUnsortedInput, asset.ID, lastAsset.ID)
			}
		}

		switch {
		case haveAsset && (!haveBlob || asset.BlobRef < blob):
			group, err := p.takeGroup(assets, asset.BlobRef, &lastAsset)
			if err != nil {
				return nil, err
			}
			scanned += int64(len(group))
			more, err := p.dangling(ctx, group)
			if err != nil {
				return nil, err
			}
			actions = append(actions, more...)

		case haveBlob && (!haveAsset || blob < asset.BlobRef):
			blobs.advance()
			lastBlob = blob
			scanned++
			action, err := p.unreferenced(ctx, repository, so, blob)
			if err != nil {
				return nil, err
			}
			if action != nil {
				actions = append(actions, *action)
			}

		default:
			blobs.advance()
			lastBlob = blob
			group, err := p.takeGroup(assets, blob, &lastAsset)
			if err != nil {
				return nil, err
			}
			scanned += 1 + int64(len(group))
			more, err := p.referenced(ctx, so, blob, group)
			if err != nil {
				return nil, err
			}
			actions = append(actions, more...)
		}

		if scanned-reported >= defaultProgressStep {
			report()
		}
	}
	report()
	return actions, nil
}

// takeGroup consumes every asset referencing ref.
func (p *Planner) takeGroup(assets *cursor[*Asset], ref BlobID, last **Asset) ([]*Asset, error) {
	var group []*Asset
	for {
		a, ok := assets.peek()
		if !ok || a.BlobRef != ref {
			break
		}
		if prev := *last; prev != nil && prev.BlobRef == a.BlobRef && compareIDs(a.ID, prev.ID) <= 0 {
			return nil, fmt.Errorf("%w: asset %s after %s", ErrUnsortedInput, a.ID, prev.ID)
		}
		group = append(group, a)
		*last = a
		assets.advance()
	}
	return group, assets.Err()
}

// referenced decides what to do with a blob that group's assets reference.
func (p *Planner) referenced(ctx context.Context, so ScanOptions, id BlobID, group []*Asset) ([]Action, error) {
	attrs, err := p.blobs.GetAttributes(ctx, id)
	if errors.Is(err, ErrBlobNotFound) {
		return p.dangling(ctx, group)
	}
	if err != nil {
		return nil, err
	}
	recent := p.withinSince(so, attrs)
	if !attrs.Live() {
		if _, ok := p.blobs.(Undeleter); ok && so.Undelete && recent && len(group) > 0 {
			return []Action{UndeleteBlob(group[0].ID, id)}, nil
		}
		return p.dangling(ctx, group)
	}
	if !so.IntegrityCheck || !recent {
		return nil, nil
	}
	want := blobChecksum(attrs)
	if want == "" {
		return nil, nil
	}
	var actions []Action
	for _, a := range group {
		if got := a.Attributes[PropSHA1]; got != "" && !strings.EqualFold(got, want) {
			actions = append(actions, DeleteCorruptAssetRecord(a.ID, id))
		}
	}
	return actions, nil
}

// withinSince reports whether the blob falls inside the scan's SinceDays window.
func (p *Planner) withinSince(so ScanOptions, attrs *BlobAttributes) bool {
	if so.SinceDays <= 0 {
		return true
	}
	return p.opts.now().Sub(attrs.CreatedAt) <= time.Duration(so.SinceDays)*24*time.Hour
}

// dangling handles assets whose blob is not live in the primary store. One
// repair restores the blob for every asset sharing it.
func (p *Planner) dangling(ctx context.Context, group []*Asset) ([]Action, error) {
	if len(group) == 0 {
		return nil, nil
	}
	ref := group[0].BlobRef
	if p.opts.failover != nil {
		recoverable, err := liveIn(ctx, p.opts.failover, ref)
		if err != nil {
			return nil, err
		}
		if recoverable {
			return []Action{RepairFromFailover(group[0].ID, ref)}, nil
		}
	}
	actions := make([]Action, 0, len(group))
	for _, a := range group {
		actions = append(actions, DeleteDanglingAssetRecord(a.ID, ref))
	}
	return actions, nil
}

// unreferenced decides what to do with a blob no asset of repository references.
func (p *Planner) unreferenced(ctx context.Context, repository string, so ScanOptions, id BlobID) (*Action, error) {
	attrs, err := p.blobs.GetAttributes(ctx, id)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !attrs.Live() {
		return nil, nil
	}
	owner := attrs.Repository()
	if owner != "" && owner != repository {
		return nil, nil
	}
	referenced, err := p.metadata.BlobReferenced(ctx, id)
	if err != nil {
		return nil, err
	}
	if referenced {
		return nil, nil
	}

	// A blob inside the grace period may still be mid-upload; leave it alone
	// whichever way it would be reconciled.
	if p.opts.now().Sub(attrs.CreatedAt) <= p.opts.grace || !p.withinSince(so, attrs) {
		return nil, nil
	}
	if p.opts.restore && owner == repository && attrs.Properties[PropBlobName] != "" {
		a := CreateMissingAssetRecord(id)
		return &a, nil
	}
	a := DeleteOrphanBlob(id)
	return &a, nil
}
