// Package observe carries the pipeline's logging and tracing. The
// poller and the CLI receive an Observer at construction; the span
// helpers name the pipeline's units of work (tick, event) so traces
// read in domain terms.
package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("memmem")

// Observer handles logging and tracing.
type Observer struct {
	log *bolt.Logger
}

// New creates an Observer with human-readable console output. When
// verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	handler := bolt.NewConsoleHandler(out)
	l := bolt.New(handler)

	if !verbose {
		l.SetLevel(bolt.WARN)
	}

	return &Observer{log: l}
}

// NewJSON creates an Observer with JSON output, for running under a
// supervisor that collects logs.
func NewJSON(out io.Writer, verbose bool) *Observer {
	handler := bolt.NewJSONHandler(out)
	l := bolt.New(handler)

	if !verbose {
		l.SetLevel(bolt.WARN)
	}

	return &Observer{log: l}
}

// Log returns the underlying logger.
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// TickSpan traces one poll pass: eviction, session discovery, and every
// event routed during it.
func (o *Observer) TickSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "poller.tick")
}

// EventSpan traces the handling of one recorded event, nested under the
// tick that pulled it.
func (o *Observer) EventSpan(ctx context.Context, sessionID, tool string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "poller.event", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("tool.name", tool),
	))
}

// Close flushes any buffered output (currently a no-op).
func (o *Observer) Close() error {
	return nil
}
