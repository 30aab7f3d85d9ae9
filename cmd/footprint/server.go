package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wilhg/footprint/internal/metrics"
	"github.com/wilhg/footprint/pkg/adapters/geo"
	"github.com/wilhg/footprint/pkg/errmodel"
	"github.com/wilhg/footprint/pkg/owner"
	"github.com/wilhg/footprint/pkg/store"
	"github.com/wilhg/footprint/pkg/tracker"
)

func buildMux(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if a.cfg.HTTP.RequestTimeout > 0 {
		r.Use(middleware.Timeout(a.cfg.HTTP.RequestTimeout))
	}
	r.Use(accessLog(a.log))

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/settings", a.getSettings)
		r.Put("/settings", a.putSettings)
		r.Put("/footprints/{footprintID}/performer", a.reassignPerformer)
		r.Route("/owners/{ownerType}/{ownerID}", func(r chi.Router) {
			r.Post("/footprints", a.track)
			r.Get("/footprints", a.listFootprints)
			r.Delete("/footprints", a.destroyFootprints)
			r.Get("/event-types", a.eventTypes)
			r.Get("/countries", a.countries)
			r.Get("/categories", a.categories)
			r.Post("/categories/{category}", a.trackCategory)
			r.Get("/categories/{category}", a.listCategory)
		})
	})
	return otelhttp.NewHandler(r, "footprint")
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.ping(r.Context()); err != nil {
		a.fail(w, r, errmodel.System("store_unavailable", "store ping failed", nil, err))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type settingsBody struct {
	Async *bool `json:"async"`
}

func (a *app) getSettings(w http.ResponseWriter, r *http.Request) {
	async := a.settings.Async()
	writeJSON(w, http.StatusOK, settingsBody{Async: &async})
}

func (a *app) putSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Async == nil {
		a.fail(w, r, errmodel.Validation("invalid_body", "expected {\"async\": bool}", nil))
		return
	}
	a.settings.SetAsync(*body.Async)
	a.log.Info("tracking mode changed", zap.Bool("async", *body.Async))
	a.getSettings(w, r)
}

// fail writes the error envelope and logs server-side failures.
func (a *app) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errmodel.HTTPStatus(errmodel.From(err)) >= http.StatusInternalServerError {
		a.log.Error("request failed", append(errmodel.Fields(err), zap.String("path", r.URL.Path))...)
	}
	errmodel.WriteHTTP(w, r, err)
}

// owner resolves the path owner through the owner registry.
func (a *app) owner(r *http.Request) (*tracker.Owner, error) {
	ref := store.Reference{Type: chi.URLParam(r, "ownerType"), ID: chi.URLParam(r, "ownerID")}
	if err := a.owners.Resolve(r.Context(), ref); err != nil {
		switch {
		case errors.Is(err, owner.ErrUnknownType):
			return nil, errmodel.Validation("unknown_owner_type", fmt.Sprintf("unknown owner type %q", ref.Type), map[string]any{"owner_type": ref.Type, "registered": a.owners.Types()})
		case errors.Is(err, owner.ErrNotFound):
			return nil, errmodel.Validation("not_found", fmt.Sprintf("%s not found", ref), map[string]any{"owner": ref.String()})
		default:
			return nil, errmodel.System("owner_lookup", "owner lookup failed", nil, err)
		}
	}
	return a.dispatcher.Owner(ref), nil
}

type trackBody struct {
	EventType  string           `json:"event_type"`
	IP         string           `json:"ip"`
	Performer  *store.Reference `json:"performer"`
	Metadata   map[string]any   `json:"metadata"`
	OccurredAt *time.Time       `json:"occurred_at"`
	Geo        *geo.Location    `json:"geo"`
}

func (b trackBody) options(r *http.Request) []tracker.TrackOption {
	opts := []tracker.TrackOption{tracker.WithRequest(r), tracker.WithMetadata(b.Metadata)}
	if b.Performer != nil {
		opts = append(opts, tracker.WithPerformer(*b.Performer))
	}
	if b.OccurredAt != nil {
		opts = append(opts, tracker.WithOccurredAt(*b.OccurredAt))
	}
	if b.Geo != nil {
		opts = append(opts, tracker.WithLocation(*b.Geo))
	}
	return opts
}

func decodeTrack(r *http.Request) (trackBody, error) {
	var b trackBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		return b, errmodel.Validation("invalid_body", "request body is not valid JSON: "+err.Error(), nil)
	}
	if b.IP == "" {
		b.IP = clientIP(r)
	}
	return b, nil
}

// clientIP is the peer address after RealIP has applied proxy headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (a *app) respondTracked(w http.ResponseWriter, f *store.Footprint) {
	if f == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (a *app) track(w http.ResponseWriter, r *http.Request) {
	o, err := a.owner(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	b, err := decodeTrack(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	f, err := o.Track(r.Context(), b.EventType, b.IP, b.options(r)...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respondTracked(w, f)
}

func (a *app) trackCategory(w http.ResponseWriter, r *http.Request) {
	o, err := a.owner(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	v, err := o.Category(chi.URLParam(r, "category"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	b, err := decodeTrack(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	f, err := v.Track(r.Context(), b.IP, b.options(r)...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respondTracked(w, f)
}

// parseQuery reads the list filters from the query string.
func parseQuery(r *http.Request) (store.Query, error) {
	v := r.URL.Query()
	q := store.Query{
		EventType:   v.Get("event_type"),
		CountryCode: v.Get("country"),
	}
	if pt, pid := v.Get("performer_type"), v.Get("performer_id"); pt != "" || pid != "" {
		q.Performer = &store.Reference{Type: pt, ID: pid}
	}
	for key, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		if s := v.Get(key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return q, errmodel.Validation("invalid_query", fmt.Sprintf("%s must be an RFC 3339 timestamp", key), map[string]any{"param": key})
			}
			*dst = t
		}
	}
	ints := map[string]int{}
	for _, key := range []string{"last_days", "limit"} {
		if s := v.Get(key); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				return q, errmodel.Validation("invalid_query", key+" must be a non-negative integer", map[string]any{"param": key})
			}
			ints[key] = n
		}
	}
	q = q.LastDays(ints["last_days"], time.Now())
	q.Limit = ints["limit"]
	if s := v.Get("recent"); s != "" {
		recent, err := strconv.ParseBool(s)
		if err != nil {
			return q, errmodel.Validation("invalid_query", "recent must be a boolean", map[string]any{"param": "recent"})
		}
		q.Recent = recent
	}
	return q, nil
}

type listResponse struct {
	Footprints []store.Footprint `json:"footprints"`
	Count      int               `json:"count"`
}

func (a *app) listFootprints(w http.ResponseWriter, r *http.Request) {
	o, err := a.owner(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	fs, err := o.Footprints(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Footprints: nonNil(fs), Count: len(fs)})
}

func (a *app) listCategory(w http.ResponseWriter, r *http.Request) {
	o, err := a.owner(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	v, err := o.Category(chi.URLParam(r, "category"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	fs, err := v.List(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Footprints: nonNil(fs), Count: len(fs)})
}

func nonNil(fs []store.Footprint) []store.Footprint {
	if fs == nil {
		return []store.Footprint{}
	}
	return fs
}

func (a *app) eventTypes(w http.ResponseWriter, r *http.Request) {
	a.distinct(w, r, "event_types", (*tracker.Owner).EventTypes)
}

func (a *app) countries(w http.ResponseWriter, r *http.Request) {
	a.distinct(w, r, "countries", (*tracker.Owner).Countries)
}

type distinctFunc func(*tracker.Owner, context.Context, store.Query) ([]string, error)

func (a *app) distinct(w http.ResponseWriter, r *http.Request, key string, fn distinctFunc) {
	o, err := a.owner(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	vals, err := fn(o, r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if vals == nil {
		vals = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{key: vals})
}

func (a *app) categories(w http.ResponseWriter, r *http.Request) {
	o, err := a.owner(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]tracker.Category{"categories": a.dispatcher.Registry().Categories(o.Ref().Type)})
}

func (a *app) destroyFootprints(w http.ResponseWriter, r *http.Request) {
	o, err := a.owner(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	n, err := o.Destroy(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (a *app) reassignPerformer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "footprintID"), 10, 64)
	if err != nil {
		a.fail(w, r, errmodel.Validation("invalid_id", "footprint id must be an integer", nil))
		return
	}
	var body struct {
		Performer *store.Reference `json:"performer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.fail(w, r, errmodel.Validation("invalid_body", "request body is not valid JSON", nil))
		return
	}
	if err := a.dispatcher.ReassignPerformer(r.Context(), id, body.Performer); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
