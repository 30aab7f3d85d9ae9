// Package header resolves locations from CDN-provided request headers and
// falls back to another Locator when no usable hint is present.
package header

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/wilhg/footprint/pkg/adapters/geo"
)

// Country hint headers, checked in order.
var countryHeaders = []string{
	"CF-IPCountry",
	"CloudFront-Viewer-Country",
	"X-Country-Code",
}

// Optional detail headers. Cloudflare sends these with the visitor location
// managed transform enabled; CloudFront with the matching origin request policy.
var (
	cityHeaders     = []string{"CF-IPCity", "CloudFront-Viewer-City"}
	regionHeaders   = []string{"CF-Region", "CloudFront-Viewer-Country-Region-Name"}
	timezoneHeaders = []string{"CF-Timezone", "CloudFront-Viewer-Time-Zone"}
	latHeaders      = []string{"CF-IPLatitude", "CloudFront-Viewer-Latitude"}
	lonHeaders      = []string{"CF-IPLongitude", "CloudFront-Viewer-Longitude"}
)

// continents in lookup order; North America spans three UN M49 subregions.
var continents = []struct {
	name    string
	regions []language.Region
}{
	{"Europe", regions("150")},
	{"Africa", regions("002")},
	{"Asia", regions("142")},
	{"Oceania", regions("009")},
	{"South America", regions("005")},
	{"North America", regions("021", "013", "029")},
}

func regions(codes ...string) []language.Region {
	out := make([]language.Region, 0, len(codes))
	for _, c := range codes {
		out = append(out, language.MustParseRegion(c))
	}
	return out
}

// Locator reads CDN headers before delegating to Fallback.
type Locator struct {
	Fallback geo.Locator
}

// New returns a header locator. fallback may be nil.
func New(fallback geo.Locator) *Locator { return &Locator{Fallback: fallback} }

func init() { _ = geo.Register("header", Factory) }

// Factory builds a header Locator. Config keys:
// - fallback (string): name of another registered backend, opened lazily
// - fallback_config (map): configuration for the fallback backend
func Factory(ctx context.Context, cfg map[string]any) (geo.Locator, error) {
	var fb geo.Locator
	if name, ok := cfg["fallback"].(string); ok && name != "" && name != "header" {
		sub, _ := cfg["fallback_config"].(map[string]any)
		fb = geo.Lazy(name, sub)
	}
	return New(fb), nil
}

func (l *Locator) Locate(ctx context.Context, ip string, r *http.Request) (geo.Location, error) {
	if r != nil {
		if loc, ok := FromRequest(r); ok {
			return loc, nil
		}
	}
	if l.Fallback == nil {
		return geo.Location{}, nil
	}
	return l.Fallback.Locate(ctx, ip, r)
}

// Close releases the fallback backend, if it holds resources.
func (l *Locator) Close() error { return geo.Close(l.Fallback) }

// FromRequest extracts a Location from CDN headers. It reports false when no
// valid country hint is present.
func FromRequest(r *http.Request) (geo.Location, bool) {
	code := ""
	for _, h := range countryHeaders {
		if v := strings.ToUpper(strings.TrimSpace(r.Header.Get(h))); v != "" {
			code = v
			break
		}
	}
	// XX is unknown, T1 is Tor.
	if len(code) != 2 || code == "XX" || code == "T1" {
		return geo.Location{}, false
	}
	region, err := language.ParseRegion(code)
	if err != nil {
		return geo.Location{}, false
	}
	loc := geo.Location{
		CountryCode: code,
		CountryName: display.English.Regions().Name(region),
		Continent:   continentOf(region),
		City:        first(r, cityHeaders),
		Region:      first(r, regionHeaders),
		Timezone:    first(r, timezoneHeaders),
		Latitude:    float(first(r, latHeaders)),
		Longitude:   float(first(r, lonHeaders)),
	}
	return loc, true
}

func continentOf(r language.Region) string {
	if r.String() == "AQ" {
		return geo.ContinentName("AN")
	}
	for _, c := range continents {
		for _, parent := range c.regions {
			if parent.Contains(r) {
				return c.name
			}
		}
	}
	return ""
}

func first(r *http.Request, names []string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r.Header.Get(n)); v != "" {
			return v
		}
	}
	return ""
}

func float(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
