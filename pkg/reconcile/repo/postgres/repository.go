package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

// DefaultPageSize is the number of rows fetched per keyset page.
const DefaultPageSize = 500

// maxUUID sorts after every other id; it starts a page strictly after a key.
var maxUUID = uuid.UUID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements reconcile.MetadataStore, reconcile.PlanStore and
// reconcile.PolicyStore using PostgreSQL
type Repository struct {
	db       DBTX
	pageSize int
}

var (
	_ reconcile.MetadataStore = (*Repository)(nil)
	_ reconcile.PlanStore     = (*Repository)(nil)
	_ reconcile.PolicyStore   = (*Repository)(nil)
)

// Option configures the repository
type Option func(*Repository)

// WithPageSize sets how many rows each listing page fetches
func WithPageSize(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// New creates a new PostgreSQL repository
func New(db DBTX, opts ...Option) *Repository {
	r := &Repository{db: db, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool, opts ...Option) *Repository {
	return New(pool, opts...)
}

// handlePostgresError classifies a driver error. Connection failures,
// serialization failures and timeouts are transient.
func (r *Repository) handlePostgresError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection_exception
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01": // admin_shutdown
			return reconcile.NewTransientError("postgres", operation, "", err)
		case pgErr.Code == "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		case pgErr.Code == "23505": // unique_violation
			return fmt.Errorf("duplicate entry in %s: %s", operation, pgErr.ConstraintName)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	var netErr net.Error
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.As(err, &netErr) {
		return reconcile.NewTransientError("postgres", operation, "", err)
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Asset and component operations

const assetColumns = `id, repository, path, format, component_id, blob_ref,
	last_downloaded, last_blob_updated, attributes, created_at`

func scanAsset(row pgx.Row) (*reconcile.Asset, error) {
	var (
		a       reconcile.Asset
		blobRef string
	)
	err := row.Scan(&a.ID, &a.Repository, &a.Path, &a.Format, &a.ComponentID, &blobRef,
		&a.LastDownloaded, &a.LastBlobUpdated, &a.Attributes, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.BlobRef = reconcile.BlobID(blobRef)
	return &a, nil
}

// CreateAsset stores an asset record, assigning an id when it has none
func (r *Repository) CreateAsset(ctx context.Context, asset *reconcile.Asset) error {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO assets (` + assetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.db.Exec(ctx, query,
		asset.ID, asset.Repository, asset.Path, asset.Format, asset.ComponentID, string(asset.BlobRef),
		asset.LastDownloaded, asset.LastBlobUpdated, asset.Attributes, asset.CreatedAt)
	return r.handlePostgresError("create asset", err)
}

// CreateComponent stores a component record, assigning an id when it has none
func (r *Repository) CreateComponent(ctx context.Context, c *reconcile.Component) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	query := `
		INSERT INTO components (id, repository, format, grp, name, version, is_prerelease, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Exec(ctx, query,
		c.ID, c.Repository, c.Format, c.Group, c.Name, c.Version, c.IsPrerelease, c.Attributes)
	return r.handlePostgresError("create component", err)
}

// ListAssets pages through the repository's assets with a (blob_ref, id) keyset.
func (r *Repository) ListAssets(ctx context.Context, repository string, after reconcile.BlobID) iter.Seq2[*reconcile.Asset, error] {
	query := `
		SELECT ` + assetColumns + `
		FROM assets
		WHERE repository = $1 AND (blob_ref, id) > ($2, $3)
		ORDER BY blob_ref, id
		LIMIT $4`
	return func(yield func(*reconcile.Asset, error) bool) {
		ref, id := string(after), uuid.Nil
		if after != "" {
			id = maxUUID
		}
		for {
			page, err := r.queryAssets(ctx, "list assets", query, repository, ref, id, r.pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, a := range page {
				if !yield(a, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
			last := page[len(page)-1]
			ref, id = string(last.BlobRef), last.ID
		}
	}
}

func (r *Repository) queryAssets(ctx context.Context, op, query string, args ...any) ([]*reconcile.Asset, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError(op, err)
	}
	assets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*reconcile.Asset, error) {
		return scanAsset(row)
	})
	if err != nil {
		return nil, r.handlePostgresError(op, err)
	}
	return assets, nil
}

// Component timestamps are the most recent values across the component's assets.
const componentSelect = `
	SELECT c.id, c.repository, c.format, c.grp, c.name, c.version, c.is_prerelease, c.attributes,
	       (SELECT max(a.last_downloaded) FROM assets a WHERE a.component_id = c.id),
	       (SELECT max(a.last_blob_updated) FROM assets a WHERE a.component_id = c.id)
	FROM components c`

func scanComponent(row pgx.Row) (*reconcile.Component, error) {
	var c reconcile.Component
	err := row.Scan(&c.ID, &c.Repository, &c.Format, &c.Group, &c.Name, &c.Version, &c.IsPrerelease,
		&c.Attributes, &c.LastDownloaded, &c.LastBlobUpdated)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListComponents pages through components with a (name, grp, id) keyset.
func (r *Repository) ListComponents(ctx context.Context, repository string, after reconcile.ComponentKey) iter.Seq2[*reconcile.Component, error] {
	query := componentSelect + `
		WHERE c.repository = $1 AND (c.name, c.grp, c.id) > ($2, $3, $4)
		ORDER BY c.name, c.grp, c.id
		LIMIT $5`
	return func(yield func(*reconcile.Component, error) bool) {
		name, group, id := after.Name, after.Group, uuid.Nil
		if !after.IsZero() {
			id = maxUUID
		}
		for {
			page, err := r.queryComponents(ctx, "list components", query, repository, name, group, id, r.pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, c := range page {
				if !yield(c, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
			last := page[len(page)-1]
			name, group, id = last.Name, last.Group, last.ID
		}
	}
}

func (r *Repository) queryComponents(ctx context.Context, op, query string, args ...any) ([]*reconcile.Component, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError(op, err)
	}
	components, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*reconcile.Component, error) {
		return scanComponent(row)
	})
	if err != nil {
		return nil, r.handlePostgresError(op, err)
	}
	return components, nil
}

func (r *Repository) ListComponentGroup(ctx context.Context, repository string, key reconcile.ComponentKey) ([]*reconcile.Component, error) {
	query := componentSelect + `
		WHERE c.repository = $1 AND c.name = $2 AND c.grp = $3
		ORDER BY c.id`
	return r.queryComponents(ctx, "list component group", query, repository, key.Name, key.Group)
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*reconcile.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1`
	a, err := scanAsset(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrAssetNotFound
	}
	if err != nil {
		return nil, r.handlePostgresError("get asset", err)
	}
	return a, nil
}

func (r *Repository) GetComponent(ctx context.Context, id uuid.UUID) (*reconcile.Component, error) {
	c, err := scanComponent(r.db.QueryRow(ctx, componentSelect+` WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrComponentNotFound
	}
	if err != nil {
		return nil, r.handlePostgresError("get component", err)
	}
	return c, nil
}

func (r *Repository) ListComponentAssets(ctx context.Context, componentID uuid.UUID) ([]*reconcile.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE component_id = $1 ORDER BY path`
	return r.queryAssets(ctx, "list component assets", query, componentID)
}

func (r *Repository) BlobReferenced(ctx context.Context, blob reconcile.BlobID) (bool, error) {
	var referenced bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM assets WHERE blob_ref = $1)`, string(blob)).Scan(&referenced)
	if err != nil {
		return false, r.handlePostgresError("blob referenced", err)
	}
	return referenced, nil
}

func (r *Repository) DeleteAsset(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return r.handlePostgresError("delete asset", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrAssetNotFound
	}
	return nil
}

func (r *Repository) DeleteComponent(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM components WHERE id = $1`, id)
	if err != nil {
		return r.handlePostgresError("delete component", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrComponentNotFound
	}
	return nil
}

func (r *Repository) CreateAssetRecord(ctx context.Context, repository string, blob reconcile.BlobID, attrs reconcile.AssetAttributes) (*reconcile.Asset, error) {
	asset := &reconcile.Asset{
		Repository:  repository,
		Path:        attrs.Path,
		Format:      attrs.Format,
		ComponentID: attrs.ComponentID,
		BlobRef:     blob,
		Attributes:  attrs.Attributes,
	}
	if err := r.CreateAsset(ctx, asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// Plan operations

func (r *Repository) CreatePlan(ctx context.Context, plan *reconcile.Plan) error {
	query := `
		INSERT INTO reconcile_plans (id, repository, created_at, status, grace_period, dry_run, actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	actions := plan.Actions
	if actions == nil {
		actions = []reconcile.Action{}
	}
	_, err := r.db.Exec(ctx, query,
		plan.ID, plan.Repository, plan.CreatedAt, string(plan.Status), int64(plan.GracePeriod), plan.DryRun, actions)
	return r.handlePostgresError("create plan", err)
}

const planColumns = `id, repository, created_at, status, grace_period, dry_run, actions`

func scanPlan(row pgx.Row) (*reconcile.Plan, error) {
	var (
		p      reconcile.Plan
		status string
		grace  int64
	)
	if err := row.Scan(&p.ID, &p.Repository, &p.CreatedAt, &status, &grace, &p.DryRun, &p.Actions); err != nil {
		return nil, err
	}
	p.Status = reconcile.PlanStatus(status)
	p.GracePeriod = time.Duration(grace)
	return &p, nil
}

func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (*reconcile.Plan, error) {
	p, err := scanPlan(r.db.QueryRow(ctx, `SELECT `+planColumns+` FROM reconcile_plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrPlanNotFound
	}
	if err != nil {
		return nil, r.handlePostgresError("get plan", err)
	}
	return p, nil
}

// ListPlans returns the plans of a repository, newest first
func (r *Repository) ListPlans(ctx context.Context, repository string) ([]*reconcile.Plan, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+planColumns+` FROM reconcile_plans WHERE repository = $1 ORDER BY created_at DESC`, repository)
	if err != nil {
		return nil, r.handlePostgresError("list plans", err)
	}
	plans, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*reconcile.Plan, error) {
		return scanPlan(row)
	})
	if err != nil {
		return nil, r.handlePostgresError("list plans", err)
	}
	return plans, nil
}

func (r *Repository) UpdatePlanStatus(ctx context.Context, id uuid.UUID, status reconcile.PlanStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE reconcile_plans SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return r.handlePostgresError("update plan status", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrPlanNotFound
	}
	return nil
}

func (r *Repository) SaveOutcome(ctx context.Context, planID uuid.UUID, o reconcile.ActionOutcome) error {
	query := `
		INSERT INTO reconcile_outcomes (plan_id, seq, kind, target, result, reason, attempts, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (plan_id, seq) DO UPDATE SET
			kind = EXCLUDED.kind, target = EXCLUDED.target, result = EXCLUDED.result,
			reason = EXCLUDED.reason, attempts = EXCLUDED.attempts, finished_at = EXCLUDED.finished_at`
	_, err := r.db.Exec(ctx, query,
		planID, o.Seq, o.Kind, o.Target, string(o.Result), o.Reason, o.Attempts, o.FinishedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
		return reconcile.ErrPlanNotFound
	}
	return r.handlePostgresError("save outcome", err)
}

func (r *Repository) ListOutcomes(ctx context.Context, planID uuid.UUID) ([]reconcile.ActionOutcome, error) {
	rows, err := r.db.Query(ctx, `
		SELECT seq, kind, target, result, reason, attempts, finished_at
		FROM reconcile_outcomes WHERE plan_id = $1 ORDER BY seq`, planID)
	if err != nil {
		return nil, r.handlePostgresError("list outcomes", err)
	}
	outcomes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (reconcile.ActionOutcome, error) {
		var (
			o      reconcile.ActionOutcome
			result string
		)
		err := row.Scan(&o.Seq, &o.Kind, &o.Target, &result, &o.Reason, &o.Attempts, &o.FinishedAt)
		o.Result = reconcile.OutcomeResult(result)
		return o, err
	})
	if err != nil {
		return nil, r.handlePostgresError("list outcomes", err)
	}
	return outcomes, nil
}

func (r *Repository) ClearOutcomes(ctx context.Context, planID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM reconcile_outcomes WHERE plan_id = $1`, planID)
	return r.handlePostgresError("clear outcomes", err)
}

func (r *Repository) SaveReport(ctx context.Context, report *reconcile.ExecutionReport) error {
	query := `
		INSERT INTO reconcile_reports (plan_id, repository, status, applied, skipped, failed,
			outcomes, started_at, finished_at, retryable, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (plan_id) DO UPDATE SET
			status = EXCLUDED.status, applied = EXCLUDED.applied, skipped = EXCLUDED.skipped,
			failed = EXCLUDED.failed, outcomes = EXCLUDED.outcomes, started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at, retryable = EXCLUDED.retryable, error = EXCLUDED.error`
	outcomes := report.Outcomes
	if outcomes == nil {
		outcomes = []reconcile.ActionOutcome{}
	}
	_, err := r.db.Exec(ctx, query,
		report.PlanID, report.Repository, string(report.Status), report.Applied, report.Skipped, report.Failed,
		outcomes, report.StartedAt, report.FinishedAt, report.Retryable, report.Error)
	return r.handlePostgresError("save report", err)
}

func (r *Repository) GetReport(ctx context.Context, planID uuid.UUID) (*reconcile.ExecutionReport, error) {
	var (
		report reconcile.ExecutionReport
		status string
	)
	err := r.db.QueryRow(ctx, `
		SELECT plan_id, repository, status, applied, skipped, failed, outcomes,
		       started_at, finished_at, retryable, error
		FROM reconcile_reports WHERE plan_id = $1`, planID).Scan(
		&report.PlanID, &report.Repository, &status, &report.Applied, &report.Skipped, &report.Failed,
		&report.Outcomes, &report.StartedAt, &report.FinishedAt, &report.Retryable, &report.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrReportNotFound
	}
	if err != nil {
		return nil, r.handlePostgresError("get report", err)
	}
	report.Status = reconcile.PlanStatus(status)
	return &report, nil
}

// Policy operations

func (r *Repository) SavePolicy(ctx context.Context, repository string, p *reconcile.CleanupPolicy) error {
	p, err := p.Normalized()
	if err != nil {
		return err
	}
	query := `
		INSERT INTO cleanup_policies (repository, name, format, retain_count, retain_sort_by,
			max_age_days, unused_days, exclude_regex, is_prerelease, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (repository, name) DO UPDATE SET
			format = EXCLUDED.format, retain_count = EXCLUDED.retain_count,
			retain_sort_by = EXCLUDED.retain_sort_by, max_age_days = EXCLUDED.max_age_days,
			unused_days = EXCLUDED.unused_days, exclude_regex = EXCLUDED.exclude_regex,
			is_prerelease = EXCLUDED.is_prerelease, updated_at = NOW()`
	_, err = r.db.Exec(ctx, query,
		repository, p.Name, p.Format, p.RetainCount, string(p.RetainSortBy),
		p.MaxAgeDays, p.UnusedDays, p.ExcludeRegex, p.IsPrerelease)
	return r.handlePostgresError("save policy", err)
}

const policyColumns = `name, format, retain_count, retain_sort_by, max_age_days, unused_days, exclude_regex, is_prerelease`

func scanPolicy(row pgx.Row) (*reconcile.CleanupPolicy, error) {
	var (
		p      reconcile.CleanupPolicy
		sortBy string
	)
	err := row.Scan(&p.Name, &p.Format, &p.RetainCount, &sortBy, &p.MaxAgeDays, &p.UnusedDays,
		&p.ExcludeRegex, &p.IsPrerelease)
	if err != nil {
		return nil, err
	}
	p.RetainSortBy = reconcile.SortBy(sortBy)
	return &p, nil
}

func (r *Repository) GetPolicy(ctx context.Context, repository, name string) (*reconcile.CleanupPolicy, error) {
	p, err := scanPolicy(r.db.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM cleanup_policies WHERE repository = $1 AND name = $2`, repository, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrPolicyNotFound
	}
	if err != nil {
		return nil, r.handlePostgresError("get policy", err)
	}
	return p, nil
}

// ListPolicies returns the policies bound to a repository ordered by name
func (r *Repository) ListPolicies(ctx context.Context, repository string) ([]*reconcile.CleanupPolicy, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+policyColumns+` FROM cleanup_policies WHERE repository = $1 ORDER BY name`, repository)
	if err != nil {
		return nil, r.handlePostgresError("list policies", err)
	}
	policies, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*reconcile.CleanupPolicy, error) {
		return scanPolicy(row)
	})
	if err != nil {
		return nil, r.handlePostgresError("list policies", err)
	}
	return policies, nil
}

func (r *Repository) DeletePolicy(ctx context.Context, repository, name string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM cleanup_policies WHERE repository = $1 AND name = $2`, repository, name)
	if err != nil {
		return r.handlePostgresError("delete policy", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrPolicyNotFound
	}
	return nil
}
