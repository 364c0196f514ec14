package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/godeps/qrshare/telemetry"

// Config drives how telemetry is initialized.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint enables an OTLP/HTTP span exporter (host:port).
	OTLPEndpoint string
	// Insecure disables TLS towards OTLPEndpoint.
	Insecure       bool
	Resource       *resource.Resource
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Filter         FilterConfig
}

// Manager coordinates tracing, metrics and sensitive-data filtering.
type Manager struct {
	tracer trace.Tracer

	metrics        *metrics
	filter         *Filter
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

var globalManager atomic.Pointer[Manager]

// NewManager builds a fully wired telemetry manager.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	filter, err := NewFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	tp := cfg.TracerProvider
	if tp == nil {
		res := cfg.Resource
		if res == nil {
			res, err = buildResource(cfg)
			if err != nil {
				return nil, err
			}
		}
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
			exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
			if cfg.Insecure {
				exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
			}
			exporter, err := otlptracehttp.New(ctx, exporterOpts...)
			if err != nil {
				return nil, err
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
		tp = sdktrace.NewTracerProvider(opts...)
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = sdkmetric.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	recorder, err := newMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &Manager{
		tracer:         tp.Tracer(instrumentationName),
		metrics:        recorder,
		filter:         filter,
		tracerProvider: tp,
		meterProvider:  mp,
	}, nil
}

// StartSpan proxies trace creation through the configured tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, noop.Span{}
	}
	return m.tracer.Start(ctx, name, opts...)
}

// RecordCycle forwards per-cycle metrics.
func (m *Manager) RecordCycle(ctx context.Context, data CycleData) {
	if m == nil || m.metrics == nil {
		return
	}
	if m.filter != nil {
		data.Text = m.filter.MaskText(data.Text)
	}
	m.metrics.RecordCycle(ctx, data)
}

// RecordShare increments share counters.
func (m *Manager) RecordShare(ctx context.Context, data ShareData) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.RecordShare(ctx, data)
}

// SanitizeAttributes masks any sensitive fields before they reach OTEL.
func (m *Manager) SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	if m == nil || m.filter == nil {
		return attrs
	}
	return m.filter.MaskAttributes(attrs...)
}

// MaskText removes sensitive content from the provided value.
func (m *Manager) MaskText(value string) string {
	if m == nil || m.filter == nil {
		return value
	}
	return m.filter.MaskText(value)
}

// Shutdown flushes and stops the configured providers.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var result error
	if closer, ok := m.tracerProvider.(interface {
		Shutdown(context.Context) error
	}); ok && closer != nil {
		if err := closer.Shutdown(ctx); err != nil {
			result = errors.Join(result, err)
		}
	}
	if closer, ok := m.meterProvider.(interface {
		Shutdown(context.Context) error
	}); ok && closer != nil {
		if err := closer.Shutdown(ctx); err != nil {
			result = errors.Join(result, err)
		}
	}
	return result
}

// SetDefault swaps the global telemetry manager used by helper functions.
func SetDefault(mgr *Manager) {
	globalManager.Store(mgr)
}

// Default returns the process-wide telemetry manager when registered.
func Default() *Manager {
	return globalManager.Load()
}

// StartSpan starts a span using the global manager when available.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Default().StartSpan(ctx, name, opts...)
}

// MaskText masks decoded content with the global manager's filter.
func MaskText(value string) string {
	return Default().MaskText(value)
}

// EndSpan finalizes span state while standardizing error recording.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "ok")
	}
	span.End()
}

func buildResource(cfg Config) (*resource.Resource, error) {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "qrshare"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if version := strings.TrimSpace(cfg.ServiceVersion); version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(env))
	}
	base := resource.Default()
	schema := base.SchemaURL()
	if schema == "" {
		schema = semconv.SchemaURL
	}
	custom := resource.NewWithAttributes(schema, attrs...)
	return resource.Merge(base, custom)
}
