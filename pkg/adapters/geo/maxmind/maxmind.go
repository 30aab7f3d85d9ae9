// Package maxmind resolves locations from a local GeoLite2/GeoIP2 City database.
package maxmind

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/wilhg/footprint/pkg/adapters/geo"
)

// Locator reads from an open mmdb file. Safe for concurrent use.
type Locator struct {
	db   *geoip2.Reader
	lang string
}

// Open opens the database at path.
func Open(path string) (*Locator, error) {
	if path == "" {
		return nil, fmt.Errorf("maxmind: empty database path")
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("maxmind: open %s: %w", path, err)
	}
	return &Locator{db: db, lang: "en"}, nil
}

func init() { _ = geo.Register("maxmind", Factory) }

// Factory opens the database named by cfg "path", or FOOTPRINT_MAXMIND_PATH.
func Factory(ctx context.Context, cfg map[string]any) (geo.Locator, error) {
	_ = ctx
	path := os.Getenv("FOOTPRINT_MAXMIND_PATH")
	if v, ok := cfg["path"].(string); ok && v != "" {
		path = v
	}
	return Open(path)
}

// Close releases the database.
func (l *Locator) Close() error { return l.db.Close() }

func (l *Locator) Locate(ctx context.Context, ip string, r *http.Request) (geo.Location, error) {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return geo.Location{}, fmt.Errorf("maxmind: malformed ip %q", ip)
	}
	rec, err := l.db.City(addr)
	if err != nil {
		return geo.Location{}, fmt.Errorf("maxmind: lookup %s: %w", ip, err)
	}
	loc := geo.Location{
		CountryCode: rec.Country.IsoCode,
		CountryName: rec.Country.Names[l.lang],
		City:        rec.City.Names[l.lang],
		Continent:   rec.Continent.Names[l.lang],
		Timezone:    rec.Location.TimeZone,
	}
	if loc.Continent == "" {
		loc.Continent = geo.ContinentName(rec.Continent.Code)
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].Names[l.lang]
	}
	// An unknown address comes back as an all-zero record.
	if loc.CountryCode != "" || loc.City != "" {
		loc.Latitude = geo.Float(rec.Location.Latitude)
		loc.Longitude = geo.Float(rec.Location.Longitude)
	}
	return loc, nil
}
