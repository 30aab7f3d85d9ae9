// Package tracker records footprints against owning entities, either inline
// or through a deferred task queue, with best-effort geolocation.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/footprint/internal/metrics"
	"github.com/wilhg/footprint/pkg/adapters/geo"
	"github.com/wilhg/footprint/pkg/errmodel"
	"github.com/wilhg/footprint/pkg/queue"
	"github.com/wilhg/footprint/pkg/store"
)

// Dispatcher decides per call between inline persistence and deferred
// handoff, according to the shared Settings.
type Dispatcher struct {
	st       store.Store
	settings *Settings
	enq      queue.Enqueuer
	rec      recorder
	registry *Registry
	log      *zap.Logger
	now      func() time.Time
}

// NewDispatcher returns a dispatcher writing to st. enq may be nil when async
// mode is never enabled.
func NewDispatcher(st store.Store, settings *Settings, enq queue.Enqueuer, opts ...Option) *Dispatcher {
	o := newOptions(opts)
	if settings == nil {
		settings = NewSettings(false)
	}
	return &Dispatcher{
		st:       st,
		settings: settings,
		enq:      enq,
		rec:      recorder{st: st, enricher: o.enricher, now: o.now},
		registry: o.registry,
		log:      o.log,
		now:      o.now,
	}
}

func (d *Dispatcher) Settings() *Settings { return d.settings }

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Owner returns the handle for the entity ref.
func (d *Dispatcher) Owner(ref store.Reference) *Owner { return &Owner{d: d, ref: ref} }

// TrackOption sets an optional Track input.
type TrackOption func(*trackInput)

type trackInput struct {
	request    *http.Request
	performer  *store.Reference
	metadata   map[string]any
	occurredAt time.Time
	geo        *geo.Location
}

// WithRequest supplies the request context used for enrichment. It is never persisted.
func WithRequest(r *http.Request) TrackOption { return func(in *trackInput) { in.request = r } }

func WithPerformer(ref store.Reference) TrackOption {
	return func(in *trackInput) {
		if !ref.IsZero() {
			in.performer = &ref
		}
	}
}

func WithMetadata(m map[string]any) TrackOption { return func(in *trackInput) { in.metadata = m } }

func WithOccurredAt(t time.Time) TrackOption { return func(in *trackInput) { in.occurredAt = t } }

// WithLocation supplies geographic fields. A location carrying a country code
// suppresses enrichment and is stored unchanged.
func WithLocation(loc geo.Location) TrackOption {
	return func(in *trackInput) {
		if !loc.IsZero() {
			in.geo = &loc
		}
	}
}

// track is the common entry point of Owner.Track and View.Track.
func (d *Dispatcher) track(ctx context.Context, owner store.Reference, eventType, ip string, opts []TrackOption) (*store.Footprint, error) {
	async := d.settings.Async()
	mode := "sync"
	if async {
		mode = "async"
	}
	tr := otel.Tracer("tracker/dispatcher")
	ctx, span := tr.Start(ctx, "Dispatcher.Track", trace.WithAttributes(
		attribute.String("owner.type", owner.Type),
		attribute.String("owner.id", owner.ID),
		attribute.String("event.type", eventType),
		attribute.String("track.mode", mode),
	))
	defer span.End()

	in := trackInput{}
	for _, o := range opts {
		o(&in)
	}
	if in.metadata == nil {
		in.metadata = map[string]any{}
	}
	if owner.Type == "" || owner.ID == "" {
		err := errmodel.Validation("invalid_footprint", "owner can't be blank", map[string]any{"fields": []string{"owner"}})
		metrics.Tracks.WithLabelValues(mode, "invalid").Inc()
		return nil, err
	}

	var (
		f   *store.Footprint
		err error
	)
	if async {
		err = d.enqueue(ctx, owner, eventType, ip, in)
	} else {
		f = &store.Footprint{
			Owner:      owner,
			Performer:  in.performer,
			IP:         ip,
			EventType:  eventType,
			Metadata:   in.metadata,
			OccurredAt: in.occurredAt,
			Geo:        in.geo,
		}
		err = d.rec.create(ctx, f, in.request, false)
	}
	if err != nil {
		span.RecordError(err)
		metrics.Tracks.WithLabelValues(mode, outcome(err)).Inc()
		return nil, err
	}
	metrics.Tracks.WithLabelValues(mode, "ok").Inc()
	if f != nil {
		span.SetAttributes(attribute.Int64("footprint.id", f.ID))
	}
	return f, nil
}

// enqueue hands the attribute bag to the task queue. Enrichment runs first
// when a request is available, since the deferred handler will not have one.
func (d *Dispatcher) enqueue(ctx context.Context, owner store.Reference, eventType, ip string, in trackInput) error {
	if d.enq == nil {
		return errmodel.Config("queue_unconfigured", "async tracking requires a task queue", nil, nil)
	}
	occurred := in.occurredAt
	if occurred.IsZero() {
		occurred = d.now()
	}
	attrs := Attributes{
		IP:         ip,
		EventType:  eventType,
		Performer:  in.performer,
		Metadata:   in.metadata,
		OccurredAt: occurred,
		Geo:        in.geo,
	}
	if in.request != nil && (in.geo == nil || in.geo.CountryCode == "") {
		loc, err := d.rec.enricher.Enrich(ctx, ip, in.request)
		if err != nil {
			return err
		}
		if d.rec.enricher.Enabled() {
			attrs.GeoAttempted = true
		}
		if loc != nil {
			attrs.Geo = loc
		}
	}
	task := queue.NewTask(owner.Type, owner.ID, attrs.Map())
	if err := d.enq.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue footprint for %s: %w", owner, err)
	}
	d.log.Debug("footprint enqueued", zap.String("task_id", task.ID), zap.Stringer("owner", owner), zap.String("event_type", eventType))
	return nil
}

func outcome(err error) string {
	switch {
	case errmodel.IsCategory(err, errmodel.CategoryValidation):
		return "invalid"
	case errmodel.IsCategory(err, errmodel.CategoryConfig):
		return "config_error"
	default:
		return "error"
	}
}

// Owner is the tracking handle of one owning entity.
type Owner struct {
	d   *Dispatcher
	ref store.Reference
}

func (o *Owner) Ref() store.Reference { return o.ref }

// Track records eventType at ip. In async mode it returns (nil, nil) once the
// task is submitted; no record exists until the task runs.
func (o *Owner) Track(ctx context.Context, eventType, ip string, opts ...TrackOption) (*store.Footprint, error) {
	return o.d.track(ctx, o.ref, eventType, ip, opts)
}

// Category returns the view of a declared category.
func (o *Owner) Category(name string) (*View, error) {
	c, ok := o.d.registry.Lookup(o.ref.Type, name)
	if !ok {
		return nil, errmodel.Validation("unknown_category",
			fmt.Sprintf("%s does not track %q", o.ref.Type, name), map[string]any{"owner_type": o.ref.Type, "category": name})
	}
	return &View{owner: o, cat: c}, nil
}

func (o *Owner) scope(q store.Query) store.Query {
	q.Owner = o.ref
	return q
}

func (o *Owner) Footprints(ctx context.Context, q store.Query) ([]store.Footprint, error) {
	return o.d.st.ListFootprints(ctx, o.scope(q))
}

func (o *Owner) Count(ctx context.Context, q store.Query) (int64, error) {
	return o.d.st.CountFootprints(ctx, o.scope(q))
}

func (o *Owner) EventTypes(ctx context.Context, q store.Query) ([]string, error) {
	return o.d.st.EventTypes(ctx, o.scope(q))
}

func (o *Owner) Countries(ctx context.Context, q store.Query) ([]string, error) {
	return o.d.st.Countries(ctx, o.scope(q))
}

// Destroy removes every footprint of the owner. Hosts call it when the owner
// itself is deleted.
func (o *Owner) Destroy(ctx context.Context) (int64, error) {
	n, err := o.d.st.DeleteByOwner(ctx, o.ref)
	if err != nil {
		return 0, err
	}
	o.d.log.Info("owner footprints deleted", zap.Stringer("owner", o.ref), zap.Int64("count", n))
	return n, nil
}

// View is an owner's footprints of one category.
type View struct {
	owner *Owner
	cat   Category
}

func (v *View) Category() Category { return v.cat }

func (v *View) EventType() string { return v.cat.EventType }

// Track is Owner.Track with the category's event type.
func (v *View) Track(ctx context.Context, ip string, opts ...TrackOption) (*store.Footprint, error) {
	return v.owner.Track(ctx, v.cat.EventType, ip, opts...)
}

func (v *View) scope(q store.Query) store.Query {
	q = v.owner.scope(q)
	q.EventType = v.cat.EventType
	return q
}

func (v *View) List(ctx context.Context, q store.Query) ([]store.Footprint, error) {
	return v.owner.d.st.ListFootprints(ctx, v.scope(q))
}

func (v *View) Count(ctx context.Context, q store.Query) (int64, error) {
	return v.owner.d.st.CountFootprints(ctx, v.scope(q))
}

// Countries returns the distinct countries of the category's footprints.
func (v *View) Countries(ctx context.Context, q store.Query) ([]string, error) {
	return v.owner.d.st.Countries(ctx, v.scope(q))
}

// ReassignPerformer changes the performer of footprint id; nil clears it.
func (d *Dispatcher) ReassignPerformer(ctx context.Context, id int64, performer *store.Reference) error {
	if performer != nil && (performer.Type == "" || performer.ID == "") {
		return errmodel.Validation("invalid_performer", "performer needs both type and id", map[string]any{"performer": performer.String()})
	}
	if err := d.st.ReassignPerformer(ctx, id, performer); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errmodel.Validation("not_found", fmt.Sprintf("footprint %d not found", id), map[string]any{"id": id})
		}
		return err
	}
	return nil
}
