package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/config"
)

// capture builds a logger writing into a buffer.
func capture(cfg config.LoggingConfig) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return build(cfg, "test", &buf), &buf
}

// decodeRecord parses one JSON log line.
func decodeRecord(t *testing.T, line []byte) map[string]any {
	t.Helper()

	var record map[string]any
	if err := json.Unmarshal(line, &record); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, line)
	}
	return record
}

func TestNew_JSONRecordShape(t *testing.T) {
	logger, buf := capture(config.LoggingConfig{Level: "info", Format: "json"})

	logger.Info("device connected", "device", "sensor-1")

	record := decodeRecord(t, buf.Bytes())
	if record["msg"] != "device connected" {
		t.Errorf("msg = %v, want 'device connected'", record["msg"])
	}
	if record["device"] != "sensor-1" {
		t.Errorf("device = %v, want sensor-1", record["device"])
	}
	if record["service"] != "fieldgate" || record["version"] != "test" {
		t.Errorf("default fields = %v/%v, want fieldgate/test", record["service"], record["version"])
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	t.Run("debug suppressed at info", func(t *testing.T) {
		logger, buf := capture(config.LoggingConfig{Level: "info", Format: "json"})
		logger.Debug("rule walk detail")
		if buf.Len() != 0 {
			t.Errorf("debug record emitted at info level: %s", buf.String())
		}
	})

	t.Run("debug emitted at debug", func(t *testing.T) {
		logger, buf := capture(config.LoggingConfig{Level: "debug", Format: "json"})
		logger.Debug("rule walk detail")
		if buf.Len() == 0 {
			t.Error("debug record suppressed at debug level")
		}
	})
}

func TestNew_TextFormat(t *testing.T) {
	logger, buf := capture(config.LoggingConfig{Level: "info", Format: "text"})

	logger.Info("broker connected", "host", "localhost")

	out := buf.String()
	if !strings.Contains(out, "host=localhost") {
		t.Errorf("text output missing key=value pair: %s", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("text format produced JSON: %s", out)
	}
}

func TestWith_ChildCarriesAttributes(t *testing.T) {
	logger, buf := capture(config.LoggingConfig{Level: "info", Format: "json"})

	logger.With("component", "outbox").Info("sweep complete", "published", 3)

	record := decodeRecord(t, buf.Bytes())
	if record["component"] != "outbox" {
		t.Errorf("component = %v, want outbox", record["component"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("expected non-nil default logger")
	}
}
