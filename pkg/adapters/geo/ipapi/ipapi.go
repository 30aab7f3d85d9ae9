// Package ipapi resolves locations through an ipapi.co compatible JSON service.
package ipapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/footprint/pkg/adapters/geo"
)

const defaultBaseURL = "https://ipapi.co"

// Locator queries GET {base}/{ip}/json/.
type Locator struct {
	base *url.URL
	http *http.Client
}

// New returns a Locator for baseURL. An empty baseURL uses the public service.
func New(baseURL string, client *http.Client) (*Locator, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ipapi: invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ipapi: unsupported scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   5 * time.Second,
		}
	}
	return &Locator{base: u, http: client}, nil
}

func init() { _ = geo.Register("ipapi", Factory) }

// Factory builds a Locator. Config keys: base_url (string), defaulting to
// FOOTPRINT_IPAPI_URL or the public endpoint.
func Factory(ctx context.Context, cfg map[string]any) (geo.Locator, error) {
	_ = ctx
	base := os.Getenv("FOOTPRINT_IPAPI_URL")
	if v, ok := cfg["base_url"].(string); ok && v != "" {
		base = v
	}
	return New(base, nil)
}

type response struct {
	IP            string   `json:"ip"`
	City          string   `json:"city"`
	Region        string   `json:"region"`
	CountryCode   string   `json:"country_code"`
	CountryName   string   `json:"country_name"`
	ContinentCode string   `json:"continent_code"`
	Timezone      string   `json:"timezone"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	Error         bool     `json:"error"`
	Reason        string   `json:"reason"`
}

func (l *Locator) Locate(ctx context.Context, ip string, r *http.Request) (geo.Location, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return geo.Location{}, fmt.Errorf("ipapi: empty ip")
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return geo.Location{}, fmt.Errorf("ipapi: invalid ip %q: %w", ip, err)
	}
	u := l.base.JoinPath(addr.WithZone("").String(), "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String()+"/", nil)
	if err != nil {
		return geo.Location{}, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := l.http.Do(req)
	if err != nil {
		return geo.Location{}, fmt.Errorf("ipapi: request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return geo.Location{}, fmt.Errorf("ipapi: status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	var body response
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<16)).Decode(&body); err != nil {
		return geo.Location{}, fmt.Errorf("ipapi: decode: %w", err)
	}
	if body.Error {
		return geo.Location{}, fmt.Errorf("ipapi: %s", body.Reason)
	}
	return geo.Location{
		CountryCode: body.CountryCode,
		CountryName: body.CountryName,
		City:        body.City,
		Region:      body.Region,
		Continent:   geo.ContinentName(body.ContinentCode),
		Timezone:    body.Timezone,
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
	}, nil
}
