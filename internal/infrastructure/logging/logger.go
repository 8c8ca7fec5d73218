package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/config"
)

// serviceName is stamped on every record so aggregated streams from a
// fleet of instances stay attributable.
const serviceName = "fieldgate"

// Logger is the structured logger shared by every component. It embeds
// slog.Logger, so call sites use Debug/Info/Warn/Error with key-value
// pairs. Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// levelNames maps config level strings to slog levels. Unknown strings
// fall back to info.
var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a logger from the logging config section: JSON or text
// format, level filtering, stdout or stderr.
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Build version stamped on every record
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	return build(cfg, version, selectOutput(cfg.Output))
}

// Default is the bootstrap logger used before the config file has been
// read: JSON to stdout at info level.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

// With returns a child logger carrying additional default attributes,
// e.g. logger.With("component", "outbox").
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// build assembles the handler chain. Split from New so tests can capture
// output in a buffer.
func build(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler)}
}

func selectOutput(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func parseLevel(name string) slog.Level {
	if level, ok := levelNames[strings.ToLower(name)]; ok {
		return level
	}
	return slog.LevelInfo
}
