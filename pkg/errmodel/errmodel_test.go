package errmodel

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewAndFrom(t *testing.T) {
	e := Validation("missing_ip", "ip can't be blank", map[string]any{"field": "ip"})
	if e.Category != CategoryValidation || e.Code != "missing_ip" {
		t.Fatalf("unexpected: %#v", e)
	}
	if got := From(e); got != e {
		t.Fatalf("From should return same error instance")
	}
}

func TestFromPlainErrorIsSystem(t *testing.T) {
	base := errors.New("disk full")
	ce := From(base)
	if ce.Category != CategorySystem || ce.Code != "internal" {
		t.Fatalf("unexpected: %#v", ce)
	}
	if !errors.Is(ce, base) {
		t.Fatalf("From should keep the original error reachable")
	}
}

func TestConfigUnwrapsCause(t *testing.T) {
	sentinel := errors.New("unknown backend")
	err := Config("unknown_geo_backend", "geo backend is not registered", map[string]any{"backend": "nope"}, sentinel)
	if !errors.Is(err, sentinel) {
		t.Fatalf("errors.Is should reach the cause")
	}
	if !IsCategory(err, CategoryConfig) {
		t.Fatalf("category=%q want config", err.Category)
	}
	if !IsCode(err, "unknown_geo_backend") {
		t.Fatalf("IsCode mismatch")
	}
}

func TestWriteHTTP_StatusAndEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	WriteHTTP(rr, req, Validation("bad_json", "oops", nil))
	if rr.Code != 400 {
		t.Fatalf("status=%d want 400", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"category\":\"validation\"") {
		t.Fatalf("body missing category: %s", body)
	}
	if !strings.Contains(body, "\"code\":\"bad_json\"") {
		t.Fatalf("body missing code: %s", body)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation("unknown_category", "x", nil), 404},
		{Validation("missing_ip", "x", nil), 400},
		{Config("unknown_geo_backend", "x", nil, nil), 500},
		{Network("timeout", "x", nil, nil), 502},
		{System("internal", "x", nil, nil), 500},
		{nil, 500},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Fatalf("HTTPStatus(%v)=%d want %d", c.err, got, c.want)
		}
	}
}

func TestTruncateLongContext(t *testing.T) {
	long := strings.Repeat("a", 600)
	e := Validation("long", long, map[string]any{"k": long})
	if len(e.Message) != 512 {
		t.Fatalf("message len=%d want 512", len(e.Message))
	}
	if s, _ := e.Context["k"].(string); len(s) != 256 {
		t.Fatalf("context len=%d want 256", len(s))
	}
}

func TestFields(t *testing.T) {
	boom := errors.New("disk full")
	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Error("failed", Fields(System("store_unavailable", "insert failed", nil, boom))...)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d", len(entries))
	}
	got := entries[0].ContextMap()
	if got["error.category"] != CategorySystem || got["error.code"] != "store_unavailable" || got["error.cause"] != "disk full" {
		t.Fatalf("fields=%v", got)
	}
	if Fields(nil) != nil {
		t.Fatal("nil error must render no fields")
	}
}
