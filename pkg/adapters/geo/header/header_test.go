package header

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/wilhg/footprint/pkg/adapters/geo"
	fakegeo "github.com/wilhg/footprint/pkg/adapters/geo/fake"
)

func TestFromRequestCloudflare(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("CF-IPCountry", "de")
	r.Header.Set("CF-IPCity", "Berlin")
	r.Header.Set("CF-IPLatitude", "52.52")
	loc, ok := FromRequest(r)
	if !ok {
		t.Fatal("expected a hint")
	}
	if loc.CountryCode != "DE" || loc.CountryName != "Germany" || loc.Continent != "Europe" {
		t.Fatalf("unexpected: %+v", loc)
	}
	if loc.City != "Berlin" {
		t.Fatalf("city=%q", loc.City)
	}
	if loc.Latitude == nil || *loc.Latitude != 52.52 {
		t.Fatalf("latitude=%v", loc.Latitude)
	}
	if loc.Longitude != nil {
		t.Fatalf("longitude should be nil")
	}
}

func TestContinents(t *testing.T) {
	cases := map[string]string{
		"US": "North America",
		"MX": "North America",
		"BR": "South America",
		"JP": "Asia",
		"AU": "Oceania",
		"NG": "Africa",
		"FR": "Europe",
	}
	for code, want := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("CloudFront-Viewer-Country", code)
		loc, ok := FromRequest(r)
		if !ok {
			t.Fatalf("%s: no hint", code)
		}
		if loc.Continent != want {
			t.Fatalf("%s: continent=%q want %q", code, loc.Continent, want)
		}
	}
}

func TestUnknownCountryFallsBack(t *testing.T) {
	fb := fakegeo.New(geo.Location{CountryCode: "NL"})
	l := New(fb)
	for _, v := range []string{"XX", "T1", "", "USA"} {
		r := httptest.NewRequest("GET", "/", nil)
		if v != "" {
			r.Header.Set("CF-IPCountry", v)
		}
		loc, err := l.Locate(context.Background(), "9.9.9.9", r)
		if err != nil {
			t.Fatal(err)
		}
		if loc.CountryCode != "NL" {
			t.Fatalf("%q: expected fallback result, got %+v", v, loc)
		}
	}
	if fb.Calls() != 4 {
		t.Fatalf("fallback calls=%d want 4", fb.Calls())
	}
}

func TestHeaderWinsOverFallback(t *testing.T) {
	fb := fakegeo.New(geo.Location{CountryCode: "NL"})
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Country-Code", "US")
	loc, err := New(fb).Locate(context.Background(), "8.8.8.8", r)
	if err != nil {
		t.Fatal(err)
	}
	if loc.CountryCode != "US" {
		t.Fatalf("country=%q", loc.CountryCode)
	}
	if fb.Calls() != 0 {
		t.Fatalf("fallback should not run")
	}
}

func TestNoRequestNoFallback(t *testing.T) {
	loc, err := New(nil).Locate(context.Background(), "8.8.8.8", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !loc.IsZero() {
		t.Fatalf("expected empty location, got %+v", loc)
	}
}

func TestCloseReleasesFallback(t *testing.T) {
	fb := fakegeo.New(geo.Location{CountryCode: "NL"})
	if err := geo.Close(New(fb)); err != nil {
		t.Fatal(err)
	}
	if !fb.Closed() {
		t.Fatal("fallback not closed")
	}
	if err := New(nil).Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRegistered(t *testing.T) {
	if _, ok := geo.Resolve("header"); !ok {
		t.Fatal("header backend not registered")
	}
}
