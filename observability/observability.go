// Package observability wires logging, tracing, and metrics for the
// relay. It is load-bearing ambient infrastructure the teacher always
// carries alongside the forwarding fabric (SPEC_FULL.md AMBIENT STACK),
// built on go.opentelemetry.io/otel for tracing/logging and
// github.com/prometheus/client_golang for metrics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls which observability backends are wired in. The zero
// value disables everything (noop tracer, no metrics).
type Config struct {
	// Service names this process in traces and logs. Metrics always use
	// the fixed "meshrelay" namespace.
	Service string

	// Metrics enables the prometheus.Registry-backed Recorder metrics.
	Metrics bool

	// TraceAddr is an OTLP/gRPC collector address ("host:port"). Empty
	// disables span export (Start/StartWith still work, against a noop
	// tracer).
	TraceAddr string

	// LogAddr is an OTLP/gRPC log collector address. Empty disables the
	// log/slog-to-OTel bridge; slog still logs locally either way.
	LogAddr string
}

var (
	mu             sync.Mutex
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
	tracer         trace.Tracer
	metricsOn      atomic.Bool
	tracingOn      atomic.Bool
)

// Setup initializes the configured backends. It is safe to call once at
// process startup; Shutdown tears everything down. With a zero Config,
// Setup always succeeds and every backend stays disabled (noop mode).
func Setup(ctx context.Context, c Config) error {
	mu.Lock()
	defer mu.Unlock()
	cfg = c

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", nonEmpty(c.Service, "meshrelay")),
	))
	if err != nil {
		return fmt.Errorf("observability: build resource: %w", err)
	}

	metricsOn.Store(c.Metrics)
	setupMetrics(c.Metrics)

	if c.TraceAddr != "" {
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(c.TraceAddr), otlptracegrpc.WithInsecure())
		if err != nil {
			return fmt.Errorf("observability: otlp trace exporter: %w", err)
		}
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		tracingOn.Store(true)
	} else {
		tracingOn.Store(false)
	}
	tracer = otel.Tracer(nonEmpty(c.Service, "meshrelay"))

	if c.LogAddr != "" {
		exp, err := otellog.New(ctx, otellog.WithEndpoint(c.LogAddr), otellog.WithInsecure())
		if err != nil {
			return fmt.Errorf("observability: otlp log exporter: %w", err)
		}
		loggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
			sdklog.WithResource(res),
		)
		handler := otelslog.NewHandler(nonEmpty(c.Service, "meshrelay"), otelslog.WithLoggerProvider(loggerProvider))
		slog.SetDefault(slog.New(handler))
	}

	return nil
}

// Shutdown flushes and tears down every backend Setup configured.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	var err error
	if tracerProvider != nil {
		if e := tracerProvider.Shutdown(ctx); e != nil {
			err = e
		}
		tracerProvider = nil
	}
	if loggerProvider != nil {
		if e := loggerProvider.Shutdown(ctx); e != nil {
			err = e
		}
		loggerProvider = nil
	}
	tracingOn.Store(false)
	shutdownMetrics()
	return err
}

// Enabled reports whether span export is wired to a real collector.
func Enabled() bool { return tracingOn.Load() }

// MetricsEnabled reports whether the Recorder metrics are active.
func MetricsEnabled() bool { return metricsOn.Load() }

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Span wraps an OTel span with attribute/event helpers that are safe to
// call even when tracing is disabled (noop span).
type Span struct {
	span   trace.Span
	onEnd  func()
	ending sync.Once
}

// End finishes the span and runs any OnEnd hook registered via StartWith.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.ending.Do(func() {
		if s.span != nil {
			s.span.End()
		}
		if s.onEnd != nil {
			s.onEnd()
		}
	})
}

// Event records a named event with the given attributes.
func (s *Span) Event(name string, attrs ...attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Set attaches attributes to the span.
func (s *Span) Set(attrs ...attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attrs...)
}

// Error records err (if non-nil) and a descriptive message on the span.
func (s *Span) Error(err error, msg string) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.SetStatus(codes.Error, msg)
}

// Start begins a span named name under ctx's parent, if any.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	t := tracer
	if t == nil {
		t = otel.Tracer("meshrelay")
	}
	spanCtx, span := t.Start(ctx, name)
	return spanCtx, &Span{span: span}
}

// StartOption configures StartWith.
type StartOption func(*startOptions)

type startOptions struct {
	attrs   []attribute.KeyValue
	onStart func()
	onEnd   func()
}

// Attrs attaches attributes at span start.
func Attrs(attrs ...attribute.KeyValue) StartOption {
	return func(o *startOptions) { o.attrs = append(o.attrs, attrs...) }
}

// OnStart registers a callback invoked synchronously once the span has
// started.
func OnStart(fn func()) StartOption { return func(o *startOptions) { o.onStart = fn } }

// OnEnd registers a callback invoked synchronously when Span.End runs.
func OnEnd(fn func()) StartOption { return func(o *startOptions) { o.onEnd = fn } }

// StartWith begins a span with attributes and start/end hooks attached in
// one call, used by call sites that always set the same attributes.
func StartWith(ctx context.Context, name string, opts ...StartOption) (context.Context, *Span) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	spanCtx, span := Start(ctx, name)
	if len(o.attrs) > 0 {
		span.Set(o.attrs...)
	}
	span.onEnd = o.onEnd
	if o.onStart != nil {
		o.onStart()
	}
	return spanCtx, span
}
