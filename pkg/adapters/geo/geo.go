// Package geo defines the IP geolocation adapter contract and a registry of
// named backends. Lookups are treated as unreliable: callers must tolerate
// errors and blocking latency.
package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/wilhg/footprint/pkg/errmodel"
)

// Location holds the geographic fields attached to an event record.
// Any field may be empty when the backend only had partial data.
type Location struct {
	CountryCode string   `json:"country_code,omitempty"`
	CountryName string   `json:"country_name,omitempty"`
	City        string   `json:"city,omitempty"`
	Region      string   `json:"region,omitempty"`
	Continent   string   `json:"continent,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// IsZero reports whether no field is set.
func (l Location) IsZero() bool {
	return l.CountryCode == "" && l.CountryName == "" && l.City == "" && l.Region == "" &&
		l.Continent == "" && l.Timezone == "" && l.Latitude == nil && l.Longitude == nil
}

// Locator resolves an IP address, optionally using request hints, to a Location.
type Locator interface {
	Locate(ctx context.Context, ip string, r *http.Request) (Location, error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ctx context.Context, ip string, r *http.Request) (Location, error)

func (f LocatorFunc) Locate(ctx context.Context, ip string, r *http.Request) (Location, error) {
	return f(ctx, ip, r)
}

// Factory constructs a Locator from a backend-specific configuration map.
type Factory func(ctx context.Context, cfg map[string]any) (Locator, error)

// ErrUnknownBackend is returned when a backend name has no registered factory.
var ErrUnknownBackend = errors.New("geo: unknown backend")

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a Locator factory under a backend name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("geo: empty backend name")
	}
	if f == nil {
		return fmt.Errorf("geo: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("geo: backend %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve retrieves a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Names returns the registered backend names in sorted order.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Open constructs the named backend. Unknown names and factory failures are
// configuration errors.
func Open(ctx context.Context, name string, cfg map[string]any) (Locator, error) {
	f, ok := Resolve(name)
	if !ok {
		return nil, errmodel.Config("unknown_geo_backend", fmt.Sprintf("geo backend %q is not registered", name),
			map[string]any{"backend": name, "registered": Names()}, ErrUnknownBackend)
	}
	loc, err := f(ctx, cfg)
	if err != nil {
		return nil, errmodel.Config("geo_backend_init", fmt.Sprintf("geo backend %q failed to initialize", name),
			map[string]any{"backend": name}, err)
	}
	return loc, nil
}

// ErrClosed is returned by a lazy Locator after Close.
var ErrClosed = errors.New("geo: locator closed")

// Close releases loc when the backend holds resources such as an open
// database file. Locators without resources are left alone.
func Close(loc Locator) error {
	if c, ok := loc.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Lazy returns a Locator that opens the named backend on first use. A
// configuration failure is remembered and returned from every later call.
// The returned Locator implements io.Closer; Close releases the opened backend.
func Lazy(name string, cfg map[string]any) Locator {
	return &lazy{name: name, cfg: cfg}
}

type lazy struct {
	name string
	cfg  map[string]any

	mu     sync.Mutex
	loc    Locator
	err    error
	closed bool
}

func (l *lazy) get(ctx context.Context) (Locator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.loc != nil || l.err != nil {
		return l.loc, l.err
	}
	l.loc, l.err = Open(ctx, l.name, l.cfg)
	return l.loc, l.err
}

func (l *lazy) Locate(ctx context.Context, ip string, r *http.Request) (Location, error) {
	loc, err := l.get(ctx)
	if err != nil {
		return Location{}, err
	}
	return loc.Locate(ctx, ip, r)
}

func (l *lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return Close(l.loc)
}

// IsConfigError reports whether err signals a misconfigured backend rather
// than a transient lookup failure.
func IsConfigError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownBackend) {
		return true
	}
	var ce *errmodel.Error
	return errors.As(err, &ce) && ce.Category == errmodel.CategoryConfig
}

// Float returns a pointer to v, for building Locations in adapters and tests.
func Float(v float64) *float64 { return &v }

// ContinentName returns the English name of a two-letter continent code, or
// "" when the code is unknown.
func ContinentName(code string) string { return continents[code] }

var continents = map[string]string{
	"AF": "Africa",
	"AN": "Antarctica",
	"AS": "Asia",
	"EU": "Europe",
	"NA": "North America",
	"OC": "Oceania",
	"SA": "South America",
}
