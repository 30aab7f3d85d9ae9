// Package owner resolves type-tagged owner references to live host entities.
// The deferred task handler uses it to skip footprints for owners that were
// deleted after the task was queued.
package owner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/footprint/pkg/store"
)

var (
	// ErrNotFound reports that the referenced entity does not exist.
	ErrNotFound = errors.New("owner: not found")
	// ErrUnknownType reports that no lookup is registered for the type tag.
	ErrUnknownType = errors.New("owner: unknown type")
)

// LookupFunc reports whether the entity with id exists. It returns
// ErrNotFound when it does not.
type LookupFunc func(ctx context.Context, id string) error

// Registry maps owner type tags to lookup functions. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	lookups map[string]LookupFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{lookups: make(map[string]LookupFunc)}
}

// Register installs fn for ownerType, replacing any previous lookup.
func (r *Registry) Register(ownerType string, fn LookupFunc) error {
	if ownerType == "" {
		return errors.New("owner: empty type")
	}
	if fn == nil {
		return fmt.Errorf("owner: nil lookup for %q", ownerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups[ownerType] = fn
	return nil
}

// Types returns the registered type tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.lookups))
	for t := range r.lookups {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Known reports whether a lookup is registered for ownerType.
func (r *Registry) Known(ownerType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.lookups[ownerType]
	return ok
}

// Resolve checks that ref names an existing entity.
func (r *Registry) Resolve(ctx context.Context, ref store.Reference) error {
	r.mu.RLock()
	fn, ok := r.lookups[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, ref.Type)
	}
	if ref.ID == "" {
		return ErrNotFound
	}
	return fn(ctx, ref.ID)
}

// Set is a lookup backed by an in-memory id set, for tests and embedded hosts.
type Set struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewSet returns a Set containing ids.
func NewSet(ids ...string) *Set {
	s := &Set{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *Set) Add(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Set) Remove(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// Lookup implements LookupFunc.
func (s *Set) Lookup(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ids[id]; !ok {
		return ErrNotFound
	}
	return nil
}

// TableLookup checks for a row in a host table whose column equals the id.
// dialect is an ent dialect name ("postgres" or "sqlite3").
func TableLookup(db *sql.DB, dialect, table, column string) LookupFunc {
	if column == "" {
		column = "id"
	}
	return func(ctx context.Context, id string) error {
		b := entsql.Dialect(dialect)
		query, args := b.Select(entsql.Count("*")).
			From(b.Table(table)).
			Where(entsql.EQ(column, id)).
			Query()
		var n int64
		if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return fmt.Errorf("owner: lookup %s.%s: %w", table, column, err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	}
}
