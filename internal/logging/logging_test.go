package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/wilhg/footprint/internal/config"
)

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "footprint.log")
	log, err := New(config.LogConfig{Level: "debug", Encoding: "console", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("footprint recorded", zap.String("event_type", "view"))
	_ = log.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(b))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("file output is not JSON: %q", line)
	}
	if entry["msg"] != "footprint recorded" || entry["event_type"] != "view" || entry["level"] != "debug" {
		t.Fatalf("entry=%v", entry)
	}
}

func TestNewHonoursLevel(t *testing.T) {
	log, err := New(config.LogConfig{Level: "warn"})
	if err != nil {
		t.Fatal(err)
	}
	if log.Core().Enabled(zap.InfoLevel) {
		t.Fatal("info must be disabled at warn level")
	}
	if !log.Core().Enabled(zap.WarnLevel) {
		t.Fatal("warn must be enabled")
	}
	bogus, err := New(config.LogConfig{Level: "loud"})
	if err != nil {
		t.Fatal(err)
	}
	if !bogus.Core().Enabled(zap.InfoLevel) || bogus.Core().Enabled(zap.DebugLevel) {
		t.Fatal("unknown level must fall back to info")
	}
}
