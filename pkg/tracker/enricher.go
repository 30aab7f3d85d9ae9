package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/footprint/internal/metrics"
	"github.com/wilhg/footprint/pkg/adapters/geo"
)

// DefaultGeoTimeout bounds a single lookup.
const DefaultGeoTimeout = 2 * time.Second

// Enricher attaches geographic fields to a record. Lookup failures are logged
// and reported as "no data"; only configuration errors are returned.
type Enricher struct {
	loc     geo.Locator
	timeout time.Duration
	log     *zap.Logger
}

type EnricherOption func(*Enricher)

func WithTimeout(d time.Duration) EnricherOption {
	return func(e *Enricher) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithEnricherLogger(l *zap.Logger) EnricherOption {
	return func(e *Enricher) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEnricher wraps loc. A nil loc disables enrichment.
func NewEnricher(loc geo.Locator, opts ...EnricherOption) *Enricher {
	e := &Enricher{loc: loc, timeout: DefaultGeoTimeout, log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enabled reports whether a locator is configured.
func (e *Enricher) Enabled() bool { return e != nil && e.loc != nil }

type lookup struct {
	loc geo.Location
	err error
}

// Enrich looks up ip, passing r through to the locator for header hints.
// It returns (nil, nil) when ip is blank, no locator is configured, the
// lookup fails or times out, or the result is empty.
func (e *Enricher) Enrich(ctx context.Context, ip string, r *http.Request) (*geo.Location, error) {
	ip = strings.TrimSpace(ip)
	if !e.Enabled() || ip == "" {
		return nil, nil
	}
	tr := otel.Tracer("tracker/enricher")
	ctx, span := tr.Start(ctx, "Enricher.Enrich", trace.WithAttributes(
		attribute.String("client.address", ip),
		attribute.Bool("geo.request", r != nil),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	// Buffered so a locator that ignores ctx can finish after we stop waiting.
	done := make(chan lookup, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- lookup{err: fmt.Errorf("geo: locator panic: %v", p)}
			}
		}()
		loc, err := e.loc.Locate(ctx, ip, r)
		done <- lookup{loc: loc, err: err}
	}()
	var res lookup
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	metrics.GeoLookupDuration.Observe(time.Since(start).Seconds())

	switch {
	case res.err != nil && geo.IsConfigError(res.err):
		span.RecordError(res.err)
		metrics.GeoLookups.WithLabelValues("config_error").Inc()
		return nil, res.err
	case res.err != nil:
		outcome := "error"
		if errors.Is(res.err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		span.SetAttributes(attribute.String("geo.outcome", outcome))
		metrics.GeoLookups.WithLabelValues(outcome).Inc()
		e.log.Warn("geolocation failed", zap.String("ip", ip), zap.String("outcome", outcome), zap.Error(res.err))
		return nil, nil
	case res.loc.IsZero():
		metrics.GeoLookups.WithLabelValues("empty").Inc()
		return nil, nil
	}
	metrics.GeoLookups.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.String("geo.country_code", res.loc.CountryCode))
	loc := res.loc
	return &loc, nil
}
