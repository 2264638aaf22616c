// Package logger configures the process-wide zerolog logger and carries a
// per-request trace ID through context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init builds the root logger for service. format "json" writes JSON lines to
// stdout; anything else uses the human-readable console writer.
func Init(service, level, format string) zerolog.Logger {
	return New(os.Stdout, service, level, format)
}

// New is Init with an explicit writer.
func New(w io.Writer, service, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := w
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05", NoColor: w != os.Stdout}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", service).Logger()
}

// Component derives a logger tagged with a component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID from an instrument and candle timestamp.
// Format: "{instrument}-{unixNano}".
func GenerateTraceID(instrument string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", instrument, ts.UnixNano())
}

// Ctx returns log annotated with the context's trace ID, if any.
func Ctx(ctx context.Context, log zerolog.Logger) zerolog.Logger {
	tid := TraceID(ctx)
	if tid == "" {
		return log
	}
	return log.With().Str("trace_id", tid).Logger()
}
