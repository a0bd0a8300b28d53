package memory

import (
	"cmp"
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

// Repository implements reconcile.MetadataStore, reconcile.PlanStore and
// reconcile.PolicyStore using in-memory storage
type Repository struct {
	mu         sync.RWMutex
	assets     map[uuid.UUID]*reconcile.Asset
	components map[uuid.UUID]*reconcile.Component
	plans      map[uuid.UUID]*reconcile.Plan
	outcomes   map[uuid.UUID]map[int]reconcile.ActionOutcome
	reports    map[uuid.UUID]*reconcile.ExecutionReport
	policies   map[string]map[string]*reconcile.CleanupPolicy // repository -> name -> policy
	clock      func() time.Time
}

var (
	_ reconcile.MetadataStore = (*Repository)(nil)
	_ reconcile.PlanStore     = (*Repository)(nil)
	_ reconcile.PolicyStore   = (*Repository)(nil)
)

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		assets:     make(map[uuid.UUID]*reconcile.Asset),
		components: make(map[uuid.UUID]*reconcile.Component),
		plans:      make(map[uuid.UUID]*reconcile.Plan),
		outcomes:   make(map[uuid.UUID]map[int]reconcile.ActionOutcome),
		reports:    make(map[uuid.UUID]*reconcile.ExecutionReport),
		policies:   make(map[string]map[string]*reconcile.CleanupPolicy),
		clock:      time.Now,
	}
}

// Asset and component operations

// CreateAsset stores an asset record, assigning an id when it has none.
// The owning component's timestamps are raised to the asset's.
func (r *Repository) CreateAsset(ctx context.Context, asset *reconcile.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = r.clock().UTC()
	}
	r.assets[asset.ID] = copyAsset(asset)
	if asset.ComponentID != nil {
		if c, ok := r.components[*asset.ComponentID]; ok {
			c.LastDownloaded = latest(c.LastDownloaded, asset.LastDownloaded)
			c.LastBlobUpdated = latest(c.LastBlobUpdated, asset.LastBlobUpdated)
		}
	}
	return nil
}

// CreateComponent stores a component record, assigning an id when it has none
func (r *Repository) CreateComponent(ctx context.Context, component *reconcile.Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if component.ID == uuid.Nil {
		component.ID = uuid.New()
	}
	c := *component
	c.Attributes = maps.Clone(component.Attributes)
	r.components[c.ID] = &c
	return nil
}

func (r *Repository) ListAssets(ctx context.Context, repository string, after reconcile.BlobID) iter.Seq2[*reconcile.Asset, error] {
	return func(yield func(*reconcile.Asset, error) bool) {
		r.mu.RLock()
		var assets []*reconcile.Asset
		for _, a := range r.assets {
			if a.Repository == repository && a.BlobRef > after {
				assets = append(assets, copyAsset(a))
			}
		}
		r.mu.RUnlock()

		slices.SortFunc(assets, func(a, b *reconcile.Asset) int {
			return cmp.Or(cmp.Compare(a.BlobRef, b.BlobRef), slices.Compare(a.ID[:], b.ID[:]))
		})
		for _, a := range assets {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(a, nil) {
				return
			}
		}
	}
}

func (r *Repository) ListComponents(ctx context.Context, repository string, after reconcile.ComponentKey) iter.Seq2[*reconcile.Component, error] {
	return func(yield func(*reconcile.Component, error) bool) {
		r.mu.RLock()
		var components []*reconcile.Component
		for _, c := range r.components {
			if c.Repository == repository && (after.IsZero() || c.Key().Compare(after) > 0) {
				components = append(components, copyComponent(c))
			}
		}
		r.mu.RUnlock()

		slices.SortFunc(components, func(a, b *reconcile.Component) int {
			return cmp.Or(a.Key().Compare(b.Key()), slices.Compare(a.ID[:], b.ID[:]))
		})
		for _, c := range components {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (r *Repository) ListComponentGroup(ctx context.Context, repository string, key reconcile.ComponentKey) ([]*reconcile.Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var group []*reconcile.Component
	for _, c := range r.components {
		if c.Repository == repository && c.Key() == key {
			group = append(group, copyComponent(c))
		}
	}
	return group, nil
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*reconcile.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[id]
	if !ok {
		return nil, reconcile.ErrAssetNotFound
	}
	return copyAsset(a), nil
}

func (r *Repository) GetComponent(ctx context.Context, id uuid.UUID) (*reconcile.Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.components[id]
	if !ok {
		return nil, reconcile.ErrComponentNotFound
	}
	return copyComponent(c), nil
}

func (r *Repository) ListComponentAssets(ctx context.Context, componentID uuid.UUID) ([]*reconcile.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var assets []*reconcile.Asset
	for _, a := range r.assets {
		if a.ComponentID != nil && *a.ComponentID == componentID {
			assets = append(assets, copyAsset(a))
		}
	}
	slices.SortFunc(assets, func(a, b *reconcile.Asset) int { return cmp.Compare(a.Path, b.Path) })
	return assets, nil
}

func (r *Repository) BlobReferenced(ctx context.Context, blob reconcile.BlobID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.assets {
		if a.BlobRef == blob {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) DeleteAsset(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[id]; !ok {
		return reconcile.ErrAssetNotFound
	}
	delete(r.assets, id)
	return nil
}

func (r *Repository) DeleteComponent(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.components[id]; !ok {
		return reconcile.ErrComponentNotFound
	}
	delete(r.components, id)
	return nil
}

func (r *Repository) CreateAssetRecord(ctx context.Context, repository string, blob reconcile.BlobID, attrs reconcile.AssetAttributes) (*reconcile.Asset, error) {
	asset := &reconcile.Asset{
		Repository:  repository,
		Path:        attrs.Path,
		Format:      attrs.Format,
		ComponentID: attrs.ComponentID,
		BlobRef:     blob,
		Attributes:  maps.Clone(attrs.Attributes),
	}
	if err := r.CreateAsset(ctx, asset); err != nil {
		return nil, err
	}
	return copyAsset(asset), nil
}

// Plan operations

func (r *Repository) CreatePlan(ctx context.Context, plan *reconcile.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plans[plan.ID] = copyPlan(plan)
	return nil
}

func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (*reconcile.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plans[id]
	if !ok {
		return nil, reconcile.ErrPlanNotFound
	}
	return copyPlan(p), nil
}

// ListPlans returns the plans of a repository, newest first
func (r *Repository) ListPlans(ctx context.Context, repository string) ([]*reconcile.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var plans []*reconcile.Plan
	for _, p := range r.plans {
		if p.Repository == repository {
			plans = append(plans, copyPlan(p))
		}
	}
	slices.SortFunc(plans, func(a, b *reconcile.Plan) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return plans, nil
}

func (r *Repository) UpdatePlanStatus(ctx context.Context, id uuid.UUID, status reconcile.PlanStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.plans[id]
	if !ok {
		return reconcile.ErrPlanNotFound
	}
	p.Status = status
	return nil
}

func (r *Repository) SaveOutcome(ctx context.Context, planID uuid.UUID, outcome reconcile.ActionOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plans[planID]; !ok {
		return reconcile.ErrPlanNotFound
	}
	if r.outcomes[planID] == nil {
		r.outcomes[planID] = make(map[int]reconcile.ActionOutcome)
	}
	r.outcomes[planID][outcome.Seq] = outcome
	return nil
}

func (r *Repository) ListOutcomes(ctx context.Context, planID uuid.UUID) ([]reconcile.ActionOutcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	outcomes := slices.Collect(maps.Values(r.outcomes[planID]))
	slices.SortFunc(outcomes, func(a, b reconcile.ActionOutcome) int { return a.Seq - b.Seq })
	return outcomes, nil
}

func (r *Repository) ClearOutcomes(ctx context.Context, planID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.outcomes, planID)
	return nil
}

func (r *Repository) SaveReport(ctx context.Context, report *reconcile.ExecutionReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *report
	c.Outcomes = slices.Clone(report.Outcomes)
	r.reports[report.PlanID] = &c
	return nil
}

func (r *Repository) GetReport(ctx context.Context, planID uuid.UUID) (*reconcile.ExecutionReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, ok := r.reports[planID]
	if !ok {
		return nil, reconcile.ErrReportNotFound
	}
	c := *report
	c.Outcomes = slices.Clone(report.Outcomes)
	return &c, nil
}

// Policy operations

func (r *Repository) SavePolicy(ctx context.Context, repository string, policy *reconcile.CleanupPolicy) error {
	policy, err := policy.Normalized()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.policies[repository] == nil {
		r.policies[repository] = make(map[string]*reconcile.CleanupPolicy)
	}
	r.policies[repository][policy.Name] = copyPolicy(policy)
	return nil
}

func (r *Repository) GetPolicy(ctx context.Context, repository, name string) (*reconcile.CleanupPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[repository][name]
	if !ok {
		return nil, reconcile.ErrPolicyNotFound
	}
	return copyPolicy(p), nil
}

// ListPolicies returns the policies bound to a repository ordered by name
func (r *Repository) ListPolicies(ctx context.Context, repository string) ([]*reconcile.CleanupPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var policies []*reconcile.CleanupPolicy
	for _, p := range r.policies[repository] {
		policies = append(policies, copyPolicy(p))
	}
	slices.SortFunc(policies, func(a, b *reconcile.CleanupPolicy) int { return cmp.Compare(a.Name, b.Name) })
	return policies, nil
}

func (r *Repository) DeletePolicy(ctx context.Context, repository, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.policies[repository][name]; !ok {
		return reconcile.ErrPolicyNotFound
	}
	delete(r.policies[repository], name)
	return nil
}

func copyAsset(a *reconcile.Asset) *reconcile.Asset {
	c := *a
	c.Attributes = maps.Clone(a.Attributes)
	return &c
}

func copyComponent(c *reconcile.Component) *reconcile.Component {
	cc := *c
	cc.Attributes = maps.Clone(c.Attributes)
	return &cc
}

func copyPlan(p *reconcile.Plan) *reconcile.Plan {
	c := *p
	c.Actions = slices.Clone(p.Actions)
	return &c
}

func copyPolicy(p *reconcile.CleanupPolicy) *reconcile.CleanupPolicy {
	c := *p
	if p.IsPrerelease != nil {
		v := *p.IsPrerelease
		c.IsPrerelease = &v
	}
	return &c
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil || a.After(*b):
		return a
	}
	return b
}
