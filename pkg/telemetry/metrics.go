package telemetry

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	maxTextSample = 256
)

var (
	attrOutcome    = attribute.Key("qrshare.outcome")
	attrGeneration = attribute.Key("qrshare.generation")
	attrText       = attribute.Key("qrshare.decoded_text")
	attrShareError = attribute.Key("qrshare.share.error")
	attrCycleError = attribute.Key("qrshare.cycle.error")
)

type metrics struct {
	cycles  metric.Int64Counter
	latency metric.Float64Histogram
	shares  metric.Int64Counter
}

// CycleData captures the metadata recorded for each finished capture cycle.
type CycleData struct {
	Outcome    string
	Generation uint64
	Text       string
	Duration   time.Duration
	Error      error
}

// ShareData captures one share attempt.
type ShareData struct {
	Error error
}

func newMetrics(m meterProvider) (*metrics, error) {
	if m == nil {
		return &metrics{}, nil
	}
	cycles, err := m.Int64Counter("qrshare.cycles.total", metric.WithDescription("Finished capture cycles by outcome."))
	if err != nil {
		return nil, err
	}
	latency, err := m.Float64Histogram("qrshare.cycle.latency.ms", metric.WithDescription("Capture to terminal state latency in milliseconds."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	shares, err := m.Int64Counter("qrshare.shares.total", metric.WithDescription("Share dispatch attempts."))
	if err != nil {
		return nil, err
	}
	return &metrics{cycles: cycles, latency: latency, shares: shares}, nil
}

func (m *metrics) RecordCycle(ctx context.Context, data CycleData) {
	if m == nil || m.cycles == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 4)
	if data.Outcome != "" {
		attrs = append(attrs, attrOutcome.String(data.Outcome))
	}
	if data.Generation > 0 {
		attrs = append(attrs, attrGeneration.Int64(int64(data.Generation)))
	}
	if text := sanitizeSample(data.Text); text != "" {
		attrs = append(attrs, attrText.String(text))
	}
	attrs = append(attrs, attrCycleError.Bool(data.Error != nil))

	m.cycles.Add(ctx, 1, metric.WithAttributes(attrs...))
	if data.Duration > 0 && m.latency != nil {
		m.latency.Record(ctx, float64(data.Duration.Milliseconds()), metric.WithAttributes(attrOutcome.String(data.Outcome)))
	}
}

func (m *metrics) RecordShare(ctx context.Context, data ShareData) {
	if m == nil || m.shares == nil {
		return
	}
	m.shares.Add(ctx, 1, metric.WithAttributes(attrShareError.Bool(data.Error != nil)))
}

func sanitizeSample(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if utf8.RuneCountInString(value) <= maxTextSample {
		return value
	}
	runes := []rune(value)
	return string(runes[:maxTextSample])
}

// meterProvider is the subset of metric.Meter we rely on, which makes
// dependency injection straightforward in tests.
type meterProvider interface {
	Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error)
	Float64Histogram(name string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error)
}
