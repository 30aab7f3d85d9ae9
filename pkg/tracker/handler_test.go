package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	fakegeo "github.com/wilhg/footprint/pkg/adapters/geo/fake"
	"github.com/wilhg/footprint/pkg/errmodel"
	"github.com/wilhg/footprint/pkg/owner"
	"github.com/wilhg/footprint/pkg/queue"
	"github.com/wilhg/footprint/pkg/store"
)

func TestHandleSkipsDeletedOwner(t *testing.T) {
	h := newHarness(t, fakegeo.New(sanFrancisco))
	h.settings.SetAsync(true)
	ctx := context.Background()
	if _, err := h.d.Owner(doc).Track(ctx, "view", "8.8.8.8"); err != nil {
		t.Fatal(err)
	}
	task := h.onlyTask(t)

	h.docs.Remove(doc.ID)
	if err := h.handler().Handle(ctx, task); err != nil {
		t.Fatalf("deleted owner must be a no-op, got %v", err)
	}
	if h.count(t) != 0 {
		t.Fatal("no record should be created for a deleted owner")
	}
}

func TestHandleUnknownOwnerTypeFails(t *testing.T) {
	h := newHarness(t, nil)
	err := h.handler().Handle(context.Background(), queue.NewTask("Widget", "1", map[string]any{"ip": "1.1.1.1", "event_type": "view"}))
	if !errmodel.IsCode(err, "unknown_owner_type") {
		t.Fatalf("want unknown_owner_type, got %v", err)
	}
}

func TestHandleLookupErrorIsReturned(t *testing.T) {
	h := newHarness(t, nil)
	boom := errors.New("db down")
	if err := h.owners.Register("Flaky", func(context.Context, string) error { return boom }); err != nil {
		t.Fatal(err)
	}
	err := h.handler().Handle(context.Background(), queue.NewTask("Flaky", "1", map[string]any{"ip": "1.1.1.1", "event_type": "view"}))
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped lookup error, got %v", err)
	}
}

func TestSymbolicAndTextualKeysProduceIdenticalRecords(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	when := time.Date(2024, 5, 1, 10, 30, 0, 123456000, time.UTC)

	textual := map[string]any{
		"ip":           "2001:db8::1",
		"event_type":   "download",
		"performer":    map[string]any{"type": "User", "id": "42"},
		"metadata":     map[string]any{"plan": "pro", "source": map[string]any{"campaign": "spring"}},
		"occurred_at":  "2024-05-01T10:30:00.123456Z",
		"country_code": "FR",
		"latitude":     48.85,
	}
	symbolic := map[Attr]any{
		AttrIP:          "2001:db8::1",
		AttrEventType:   "download",
		AttrPerformer:   store.Reference{Type: "User", ID: "42"},
		AttrMetadata:    map[Attr]any{"plan": "pro", "source": map[Attr]any{"campaign": "spring"}},
		AttrOccurredAt:  when,
		AttrCountryCode: "FR",
		AttrLatitude:    48.85,
	}
	handler := h.handler()
	a, err := handler.Perform(ctx, doc.Type, doc.ID, textual)
	if err != nil {
		t.Fatal(err)
	}
	b, err := handler.Perform(ctx, doc.Type, doc.ID, symbolic)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatal("expected two records")
	}
	got, err := h.st.ListFootprints(ctx, store.Query{Owner: doc})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("records=%d want 2", len(got))
	}
	ignore := cmpopts.IgnoreFields(store.Footprint{}, "ID", "CreatedAt", "UpdatedAt")
	if diff := cmp.Diff(got[0], got[1], ignore); diff != "" {
		t.Fatalf("records differ (-textual +symbolic):\n%s", diff)
	}
	if !got[0].OccurredAt.Equal(when) {
		t.Fatalf("occurred_at=%v want %v", got[0].OccurredAt, when)
	}
}

func TestHandleParsesTextualOccurredAt(t *testing.T) {
	h := newHarness(t, nil)
	f, err := h.handler().Perform(context.Background(), doc.Type, doc.ID, map[string]any{
		"ip": "1.1.1.1", "event_type": "view", "occurred_at": "2023-12-31T23:59:59+02:00",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2023, 12, 31, 21, 59, 59, 0, time.UTC)
	if !f.OccurredAt.Equal(want) {
		t.Fatalf("occurred_at=%v want %v", f.OccurredAt, want)
	}
}

func TestHandleRejectsBadOccurredAt(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.handler().Perform(context.Background(), doc.Type, doc.ID, map[string]any{
		"ip": "1.1.1.1", "event_type": "view", "occurred_at": "yesterday",
	})
	if !errmodel.IsCode(err, "invalid_occurred_at") {
		t.Fatalf("want invalid_occurred_at, got %v", err)
	}
}

func TestHandleEnrichesWhenNotAttempted(t *testing.T) {
	loc := fakegeo.New(sanFrancisco)
	h := newHarness(t, loc)
	f, err := h.handler().Perform(context.Background(), doc.Type, doc.ID, map[string]any{"ip": "8.8.8.8", "event_type": "view"})
	if err != nil {
		t.Fatal(err)
	}
	if f.Geo == nil || f.Geo.CountryCode != "US" {
		t.Fatalf("geo=%+v", f.Geo)
	}
	if hist := loc.History(); len(hist) != 1 || hist[0].HadRequest {
		t.Fatalf("history=%+v", hist)
	}
}

func TestHandleAfterQueueRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.settings.SetAsync(true)
	ctx := context.Background()
	when := time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC)
	if _, err := h.d.Owner(doc).Track(ctx, "download", "10.0.0.1",
		WithPerformer(store.Reference{Type: "User", ID: "3"}),
		WithMetadata(map[string]any{"file": "a.pdf", "size": 12}),
		WithOccurredAt(when)); err != nil {
		t.Fatal(err)
	}
	b, err := queue.Encode(h.onlyTask(t))
	if err != nil {
		t.Fatal(err)
	}
	task, err := queue.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	f, err := h.handler().Perform(ctx, task.OwnerType, task.OwnerID, task.Attributes)
	if err != nil {
		t.Fatal(err)
	}
	want := &store.Footprint{
		Owner:      doc,
		Performer:  &store.Reference{Type: "User", ID: "3"},
		IP:         "10.0.0.1",
		EventType:  "download",
		Metadata:   map[string]any{"file": "a.pdf", "size": float64(12)},
		OccurredAt: when,
	}
	if diff := cmp.Diff(want, f, cmpopts.IgnoreFields(store.Footprint{}, "ID", "CreatedAt", "UpdatedAt")); diff != "" {
		t.Fatalf("replayed record mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskHandlerUsesOwnerTableLookup(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.st.DB().ExecContext(ctx, `CREATE TABLE projects (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if _, err := h.st.DB().ExecContext(ctx, `INSERT INTO projects (id) VALUES ('p1')`); err != nil {
		t.Fatal(err)
	}
	if err := h.owners.Register("Project", owner.TableLookup(h.st.DB(), h.st.Dialect(), "projects", "id")); err != nil {
		t.Fatal(err)
	}
	handler := h.handler()
	attrs := map[string]any{"ip": "1.1.1.1", "event_type": "view"}
	if f, err := handler.Perform(ctx, "Project", "p1", attrs); err != nil || f == nil {
		t.Fatalf("existing project: f=%v err=%v", f, err)
	}
	if f, err := handler.Perform(ctx, "Project", "p2", attrs); err != nil || f != nil {
		t.Fatalf("missing project: f=%v err=%v", f, err)
	}
}
