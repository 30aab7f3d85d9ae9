package sqlstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/footprint/pkg/adapters/geo"
	"github.com/wilhg/footprint/pkg/store"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, MemoryURL(t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func mustCreate(t *testing.T, st *Store, f store.Footprint) store.Footprint {
	t.Helper()
	if err := st.CreateFootprint(context.Background(), &f); err != nil {
		t.Fatal(err)
	}
	return f
}

var doc = store.Reference{Type: "Document", ID: "1"}

func TestSQLiteCreateAndList(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	when := time.Date(2024, 5, 1, 10, 30, 0, 123456789, time.UTC)
	created := mustCreate(t, st, store.Footprint{
		Owner:      doc,
		Performer:  &store.Reference{Type: "User", ID: "42"},
		IP:         "2001:db8::1",
		EventType:  "download",
		Metadata:   map[string]any{"source": "email", "tags": []any{"a", "b"}, "nested": map[string]any{"n": float64(1)}},
		OccurredAt: when,
		Geo:        &geo.Location{CountryCode: "US", City: "San Francisco", Latitude: geo.Float(37.77)},
	})
	if created.ID == 0 {
		t.Fatal("id not assigned")
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatal("timestamps not assigned")
	}

	got, err := st.ListFootprints(ctx, store.Query{Owner: doc})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len=%d want 1", len(got))
	}
	if diff := cmp.Diff(created, got[0]); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !got[0].OccurredAt.Equal(when.Truncate(time.Microsecond)) {
		t.Fatalf("occurred_at=%v", got[0].OccurredAt)
	}
}

func TestSQLiteStoresLongIP(t *testing.T) {
	st := openSQLite(t)
	chain := strings.Repeat("203.0.113.7, ", 10) + "2001:db8:85a3::8a2e:370:7334"
	created := mustCreate(t, st, store.Footprint{Owner: doc, IP: chain, EventType: "view", OccurredAt: time.Now()})
	got, err := st.ListFootprints(context.Background(), store.Query{Owner: doc})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != created.ID || got[0].IP != chain {
		t.Fatalf("got=%+v", got)
	}
}

func TestSQLiteEmptyGeoIsNil(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	mustCreate(t, st, store.Footprint{Owner: doc, IP: "1.1.1.1", EventType: "view", OccurredAt: time.Now(), Geo: &geo.Location{}})
	got, err := st.ListFootprints(ctx, store.Query{Owner: doc})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Geo != nil {
		t.Fatalf("geo=%+v want nil", got[0].Geo)
	}
	if got[0].Metadata == nil || len(got[0].Metadata) != 0 {
		t.Fatalf("metadata=%v want empty map", got[0].Metadata)
	}
}

func TestSQLiteRejectsInvalid(t *testing.T) {
	st := openSQLite(t)
	f := store.Footprint{Owner: doc, EventType: "view", OccurredAt: time.Now()}
	if err := st.CreateFootprint(context.Background(), &f); err == nil {
		t.Fatal("expected validation error for blank ip")
	}
}

func TestSQLiteFiltersAndAggregates(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	other := store.Reference{Type: "Document", ID: "2"}
	alice := store.Reference{Type: "User", ID: "alice"}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mustCreate(t, st, store.Footprint{Owner: doc, IP: "1.1.1.1", EventType: "view", OccurredAt: base, Geo: &geo.Location{CountryCode: "US"}})
	mustCreate(t, st, store.Footprint{Owner: doc, IP: "1.1.1.2", EventType: "download", OccurredAt: base.Add(24 * time.Hour), Geo: &geo.Location{CountryCode: "DE"}, Performer: &alice})
	mustCreate(t, st, store.Footprint{Owner: doc, IP: "1.1.1.3", EventType: "download", OccurredAt: base.Add(48 * time.Hour)})
	mustCreate(t, st, store.Footprint{Owner: other, IP: "1.1.1.4", EventType: "share", OccurredAt: base, Geo: &geo.Location{CountryCode: "FR"}})

	count := func(q store.Query) int64 {
		t.Helper()
		n, err := st.CountFootprints(ctx, q)
		if err != nil {
			t.Fatal(err)
		}
		return n
	}
	if n := count(store.Query{Owner: doc}); n != 3 {
		t.Fatalf("owner count=%d want 3", n)
	}
	if n := count(store.Query{Owner: doc, EventType: "download"}); n != 2 {
		t.Fatalf("download count=%d want 2", n)
	}
	if n := count(store.Query{Owner: doc, CountryCode: "DE"}); n != 1 {
		t.Fatalf("country count=%d want 1", n)
	}
	if n := count(store.Query{Owner: doc, Performer: &alice}); n != 1 {
		t.Fatalf("performer count=%d want 1", n)
	}
	if n := count(store.Query{Owner: doc, From: base.Add(12 * time.Hour), To: base.Add(36 * time.Hour)}); n != 1 {
		t.Fatalf("between count=%d want 1", n)
	}
	if n := count(store.Query{Owner: doc}.LastDays(1, base.Add(48*time.Hour))); n != 2 {
		t.Fatalf("last_days count=%d want 2", n)
	}

	recent, err := st.ListFootprints(ctx, store.Query{Owner: doc, Recent: true, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].IP != "1.1.1.3" || recent[1].IP != "1.1.1.2" {
		t.Fatalf("recent order wrong: %+v", recent)
	}

	types, err := st.EventTypes(ctx, store.Query{Owner: doc})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"download", "view"}, types); diff != "" {
		t.Fatalf("event types (-want +got):\n%s", diff)
	}
	countries, err := st.Countries(ctx, store.Query{Owner: doc})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"DE", "US"}, countries); diff != "" {
		t.Fatalf("countries (-want +got):\n%s", diff)
	}
}

func TestSQLiteReassignPerformer(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	f := mustCreate(t, st, store.Footprint{Owner: doc, IP: "1.1.1.1", EventType: "view", OccurredAt: time.Now()})
	bob := store.Reference{Type: "User", ID: "bob"}
	if err := st.ReassignPerformer(ctx, f.ID, &bob); err != nil {
		t.Fatal(err)
	}
	got, _ := st.ListFootprints(ctx, store.Query{Owner: doc, Performer: &bob})
	if len(got) != 1 {
		t.Fatalf("len=%d want 1", len(got))
	}
	if err := st.ReassignPerformer(ctx, f.ID, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = st.ListFootprints(ctx, store.Query{Owner: doc})
	if got[0].Performer != nil {
		t.Fatalf("performer not cleared: %+v", got[0].Performer)
	}
	if err := st.ReassignPerformer(ctx, 9999, &bob); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSQLiteDeleteByOwner(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	other := store.Reference{Type: "Document", ID: "2"}
	for i := 0; i < 3; i++ {
		mustCreate(t, st, store.Footprint{Owner: doc, IP: "1.1.1.1", EventType: "view", OccurredAt: time.Now()})
	}
	mustCreate(t, st, store.Footprint{Owner: other, IP: "1.1.1.1", EventType: "view", OccurredAt: time.Now()})
	n, err := st.DeleteByOwner(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("deleted=%d want 3", n)
	}
	if left, _ := st.CountFootprints(ctx, store.Query{}); left != 1 {
		t.Fatalf("remaining=%d want 1", left)
	}
}

func TestSQLiteConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := store.Footprint{Owner: doc, IP: "10.0.0.1", EventType: "view", OccurredAt: time.Now()}
			errs <- st.CreateFootprint(ctx, &f)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if got, _ := st.CountFootprints(ctx, store.Query{Owner: doc}); got != n {
		t.Fatalf("count=%d want %d", got, n)
	}
}

func TestParseURL(t *testing.T) {
	cases := []struct {
		in, driver, dialect string
		wantErr             bool
	}{
		{"sqlite:file:x.db", "sqlite3", "sqlite3", false},
		{"postgres://u:p@localhost/db", "pgx", "postgres", false},
		{"host=localhost user=u dbname=db", "pgx", "postgres", false},
		{"mysql://u@host/db", "", "", true},
		{"garbage", "", "", true},
	}
	for _, c := range cases {
		drv, _, dia, err := parseURL(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("%s: err=%v", c.in, err)
		}
		if drv != c.driver || dia != c.dialect {
			t.Fatalf("%s: got %s/%s", c.in, drv, dia)
		}
	}
}
