package owner

import (
	"context"
	"errors"
	"testing"

	"github.com/wilhg/footprint/pkg/store"
	"github.com/wilhg/footprint/pkg/store/sqlstore"
)

func TestRegistryResolve(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	docs := NewSet("1", "2")
	if err := r.Register("Document", docs.Lookup); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("", docs.Lookup); err == nil {
		t.Fatal("expected error for empty type")
	}

	if err := r.Resolve(ctx, store.Reference{Type: "Document", ID: "1"}); err != nil {
		t.Fatalf("resolve existing: %v", err)
	}
	docs.Remove("1")
	if err := r.Resolve(ctx, store.Reference{Type: "Document", ID: "1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := r.Resolve(ctx, store.Reference{Type: "Widget", ID: "1"}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
	if !r.Known("Document") || r.Known("Widget") {
		t.Fatal("Known mismatch")
	}
	if got := r.Types(); len(got) != 1 || got[0] != "Document" {
		t.Fatalf("types=%v", got)
	}
}

func TestTableLookup(t *testing.T) {
	ctx := context.Background()
	st, err := sqlstore.Open(ctx, sqlstore.MemoryURL(t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	db := st.DB()
	if _, err := db.ExecContext(ctx, `CREATE TABLE documents (id TEXT PRIMARY KEY, slug TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO documents (id, slug) VALUES ('10', 'intro')`); err != nil {
		t.Fatal(err)
	}

	byID := TableLookup(db, st.Dialect(), "documents", "")
	if err := byID(ctx, "10"); err != nil {
		t.Fatalf("lookup existing: %v", err)
	}
	if err := byID(ctx, "11"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	bySlug := TableLookup(db, st.Dialect(), "documents", "slug")
	if err := bySlug(ctx, "intro"); err != nil {
		t.Fatalf("lookup by slug: %v", err)
	}
	missing := TableLookup(db, st.Dialect(), "no_such_table", "id")
	if err := missing(ctx, "1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("missing table should be a hard error, got %v", err)
	}
}
