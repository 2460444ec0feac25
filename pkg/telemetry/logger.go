package telemetry

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLevel is used when no level is configured.
const DefaultLevel = zerolog.InfoLevel

// ParseLevel maps a configured level name onto a zerolog level. An empty
// name yields DefaultLevel.
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultLevel, nil
	}
	// bunyan-style aliases still show up in node provisioning data.
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("telemetry: invalid log level %q", name)
	}
	if lvl == zerolog.NoLevel {
		return zerolog.NoLevel, fmt.Errorf("telemetry: invalid log level %q", name)
	}
	return lvl, nil
}

// NewLogger returns a JSON logger that stamps every entry with the service
// name and, when logged with a span context, the trace id.
func NewLogger(serviceName string, level zerolog.Level, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(out).
		Level(level).
		Hook(traceHook{}).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

type traceHook struct{}

func (traceHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		e.Str("trace_id", spanCtx.TraceID().String())
	}
}
