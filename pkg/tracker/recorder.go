package tracker

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/footprint/pkg/store"
)

// Option configures a Dispatcher or a TaskHandler.
type Option func(*options)

type options struct {
	enricher *Enricher
	registry *Registry
	log      *zap.Logger
	now      func() time.Time
}

func newOptions(opts []Option) options {
	o := options{log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	return o
}

// WithEnricher sets the enrichment step. Without one no geolocation happens.
func WithEnricher(e *Enricher) Option { return func(o *options) { o.enricher = e } }

// WithRegistry shares a category registry between dispatchers.
func WithRegistry(r *Registry) Option { return func(o *options) { o.registry = r } }

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock overrides time.Now for the occurred_at default.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// recorder is the single creation path shared by synchronous tracking and
// deferred task replay: default occurred_at, validate, enrich, insert.
type recorder struct {
	st       store.Store
	enricher *Enricher
	now      func() time.Time
}

// create persists f. r is used only for enrichment. skipGeo is set when
// enrichment already ran before a handoff.
func (rc recorder) create(ctx context.Context, f *store.Footprint, r *http.Request, skipGeo bool) error {
	if f.OccurredAt.IsZero() {
		f.OccurredAt = rc.now()
	}
	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if !skipGeo && !hasCountry(f) {
		loc, err := rc.enricher.Enrich(ctx, f.IP, r)
		if err != nil {
			return err
		}
		if loc != nil {
			f.Geo = loc
		}
	}
	return rc.st.CreateFootprint(ctx, f)
}

// hasCountry reports whether explicit geo data wins over enrichment.
func hasCountry(f *store.Footprint) bool { return f.Geo != nil && f.Geo.CountryCode != "" }
