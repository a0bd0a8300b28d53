// Package badger persists plans, outcomes, reports and cleanup policies in an
// embedded BadgerDB. It pairs with any MetadataStore for single-node
// deployments that have no Postgres.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

// Key layout:
//
//	plan:{id}                 Plan JSON
//	outcome:{planID}:{seq}    ActionOutcome JSON, seq zero padded
//	report:{planID}           ExecutionReport JSON
//	policy:{repo}\x00{name}   CleanupPolicy JSON
const (
	prefixPlan    = "plan:"
	prefixOutcome = "outcome:"
	prefixReport  = "report:"
	prefixPolicy  = "policy:"
)

// Store implements reconcile.PlanStore and reconcile.PolicyStore
type Store struct {
	db *badgerdb.DB
}

var (
	_ reconcile.PlanStore   = (*Store)(nil)
	_ reconcile.PolicyStore = (*Store)(nil)
)

// Open opens (or creates) a store in dir. An empty dir opens an in-memory store.
func Open(dir string) (*Store, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database
func (s *Store) Close() error {
	return s.db.Close()
}

func keyPlan(id uuid.UUID) []byte     { return []byte(prefixPlan + id.String()) }
func keyReport(id uuid.UUID) []byte   { return []byte(prefixReport + id.String()) }
func keyOutcomes(id uuid.UUID) []byte { return []byte(prefixOutcome + id.String() + ":") }
func keyOutcome(id uuid.UUID, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefixOutcome, id, seq))
}
func keyPolicies(repository string) []byte { return []byte(prefixPolicy + repository + "\x00") }
func keyPolicy(repository, name string) []byte {
	return []byte(prefixPolicy + repository + "\x00" + name)
}

func put(txn *badgerdb.Txn, key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, val)
}

func get(txn *badgerdb.Txn, key []byte, v any, notFound error) error {
	item, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return notFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// scan decodes every value under prefix in key order.
func scan[T any](txn *badgerdb.Txn, prefix []byte) ([]T, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []T
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Plan operations

func (s *Store) CreatePlan(ctx context.Context, plan *reconcile.Plan) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return put(txn, keyPlan(plan.ID), plan)
	})
}

func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*reconcile.Plan, error) {
	var plan reconcile.Plan
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return get(txn, keyPlan(id), &plan, reconcile.ErrPlanNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// ListPlans returns the plans of a repository, newest first. Plans are few
// per repository, so a full prefix scan is acceptable.
func (s *Store) ListPlans(ctx context.Context, repository string) ([]*reconcile.Plan, error) {
	var plans []*reconcile.Plan
	err := s.db.View(func(txn *badgerdb.Txn) error {
		all, err := scan[*reconcile.Plan](txn, []byte(prefixPlan))
		if err != nil {
			return err
		}
		for _, p := range all {
			if p.Repository == repository {
				plans = append(plans, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(plans, func(a, b *reconcile.Plan) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return plans, nil
}

func (s *Store) UpdatePlanStatus(ctx context.Context, id uuid.UUID, status reconcile.PlanStatus) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		var plan reconcile.Plan
		if err := get(txn, keyPlan(id), &plan, reconcile.ErrPlanNotFound); err != nil {
			return err
		}
		plan.Status = status
		return put(txn, keyPlan(id), &plan)
	})
}

func (s *Store) SaveOutcome(ctx context.Context, planID uuid.UUID, outcome reconcile.ActionOutcome) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyPlan(planID)); errors.Is(err, badgerdb.ErrKeyNotFound) {
			return reconcile.ErrPlanNotFound
		} else if err != nil {
			return err
		}
		return put(txn, keyOutcome(planID, outcome.Seq), outcome)
	})
}

func (s *Store) ListOutcomes(ctx context.Context, planID uuid.UUID) ([]reconcile.ActionOutcome, error) {
	var outcomes []reconcile.ActionOutcome
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		outcomes, err = scan[reconcile.ActionOutcome](txn, keyOutcomes(planID))
		return err
	})
	return outcomes, err
}

func (s *Store) ClearOutcomes(ctx context.Context, planID uuid.UUID) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		prefix := keyOutcomes(planID)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SaveReport(ctx context.Context, report *reconcile.ExecutionReport) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return put(txn, keyReport(report.PlanID), report)
	})
}

func (s *Store) GetReport(ctx context.Context, planID uuid.UUID) (*reconcile.ExecutionReport, error) {
	var report reconcile.ExecutionReport
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return get(txn, keyReport(planID), &report, reconcile.ErrReportNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Policy operations

func (s *Store) SavePolicy(ctx context.Context, repository string, policy *reconcile.CleanupPolicy) error {
	policy, err := policy.Normalized()
	if err != nil {
		return err
	}
	if strings.ContainsRune(repository, 0) || strings.ContainsRune(policy.Name, 0) {
		return fmt.Errorf("%w: name contains NUL", reconcile.ErrInvalidPolicy)
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return put(txn, keyPolicy(repository, policy.Name), policy)
	})
}

func (s *Store) GetPolicy(ctx context.Context, repository, name string) (*reconcile.CleanupPolicy, error) {
	var policy reconcile.CleanupPolicy
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return get(txn, keyPolicy(repository, name), &policy, reconcile.ErrPolicyNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// ListPolicies returns the policies bound to a repository ordered by name
func (s *Store) ListPolicies(ctx context.Context, repository string) ([]*reconcile.CleanupPolicy, error) {
	var policies []*reconcile.CleanupPolicy
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		policies, err = scan[*reconcile.CleanupPolicy](txn, keyPolicies(repository))
		return err
	})
	return policies, err
}

func (s *Store) DeletePolicy(ctx context.Context, repository, name string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		key := keyPolicy(repository, name)
		if _, err := txn.Get(key); errors.Is(err, badgerdb.ErrKeyNotFound) {
			return reconcile.ErrPolicyNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}
