// Package observability provides the structured logger and the
// Prometheus collectors shared by the runtime components.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/vaheed/HER-Ai/internal/config"
)

// sensitiveKeys are attribute names whose values are masked before
// they reach the log sink.
var sensitiveKeys = map[string]bool{
	"token":    true,
	"password": true,
	"api_key":  true,
	"apikey":   true,
	"secret":   true,
}

// NewLogger builds the process logger from configuration. Unknown
// levels fall back to info, unknown formats to text. Attributes with
// credential-like keys are redacted.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return newLoggerTo(os.Stderr, cfg)
}

func newLoggerTo(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func redactAttr(groups []string, attr slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(attr.Key)] {
		attr.Value = slog.StringValue("[REDACTED]")
	}
	return attr
}
