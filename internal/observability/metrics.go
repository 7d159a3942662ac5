// Package observability wires process metrics over the OpenTelemetry
// metric API. Everything is nil-safe: a disabled Metrics drops
// observations on the floor so call sites never guard.
package observability

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

type Metrics struct {
	apiRequests   metric.Int64Counter
	apiLatency    metric.Float64Histogram
	llmRequests   metric.Int64Counter
	llmLatency    metric.Float64Histogram
	llmTokens     metric.Int64Counter
	generations   metric.Int64Counter
	genLatency    metric.Float64Histogram
	genTokens     metric.Int64Counter
	relaySessions metric.Int64UpDownCounter
	summaryJobs   metric.Int64Counter
}

var (
	initOnce sync.Once
	instance *Metrics
	shutdown func(context.Context) error
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

// Current returns the process metrics, or nil when disabled.
func Current() *Metrics {
	return instance
}

// Init builds the meter provider once. Returns a shutdown func that
// flushes the exporter.
func Init(ctx context.Context, log *logger.Logger) func(context.Context) error {
	initOnce.Do(func() {
		if !Enabled() {
			return
		}
		exporter, err := stdoutmetric.New()
		if err != nil {
			if log != nil {
				log.Warn("metric exporter init failed (continuing without metrics)", "error", err.Error())
			}
			return
		}
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second))),
		)
		meter := provider.Meter("convo-backend")

		m := &Metrics{}
		m.apiRequests, _ = meter.Int64Counter("api.requests")
		m.apiLatency, _ = meter.Float64Histogram("api.latency", metric.WithUnit("s"))
		m.llmRequests, _ = meter.Int64Counter("llm.requests")
		m.llmLatency, _ = meter.Float64Histogram("llm.latency", metric.WithUnit("s"))
		m.llmTokens, _ = meter.Int64Counter("llm.tokens")
		m.generations, _ = meter.Int64Counter("generation.runs")
		m.genLatency, _ = meter.Float64Histogram("generation.latency", metric.WithUnit("s"))
		m.genTokens, _ = meter.Int64Counter("generation.tokens")
		m.relaySessions, _ = meter.Int64UpDownCounter("relay.open_sessions")
		m.summaryJobs, _ = meter.Int64Counter("summary.jobs")

		instance = m
		shutdown = provider.Shutdown
		if log != nil {
			log.Info("metrics initialized")
		}
	})
	if shutdown != nil {
		return shutdown
	}
	return func(context.Context) error { return nil }
}

func (m *Metrics) ObserveAPIRequest(method, route string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.apiRequests.Add(context.Background(), 1, attrs)
	if dur > 0 {
		m.apiLatency.Record(context.Background(), dur.Seconds(), attrs)
	}
}

func (m *Metrics) ObserveLLMRequest(model, endpoint, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if strings.TrimSpace(model) == "" {
		model = "unknown"
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	)
	m.llmRequests.Add(context.Background(), 1, attrs)
	if dur > 0 {
		m.llmLatency.Record(context.Background(), dur.Seconds(), attrs)
	}
	if inputTokens > 0 {
		m.llmTokens.Add(context.Background(), int64(inputTokens),
			metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "input")))
	}
	if outputTokens > 0 {
		m.llmTokens.Add(context.Background(), int64(outputTokens),
			metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "output")))
	}
}

// ObserveGeneration records one completed generation run.
func (m *Metrics) ObserveGeneration(model, providerName, status string, dur time.Duration, tokens int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("provider", providerName),
		attribute.String("status", status),
	)
	m.generations.Add(context.Background(), 1, attrs)
	if dur > 0 {
		m.genLatency.Record(context.Background(), dur.Seconds(), attrs)
	}
	if tokens > 0 {
		m.genTokens.Add(context.Background(), int64(tokens), metric.WithAttributes(attribute.String("model", model)))
	}
}

func (m *Metrics) RelaySessionOpened() {
	if m == nil {
		return
	}
	m.relaySessions.Add(context.Background(), 1)
}

func (m *Metrics) RelaySessionClosed() {
	if m == nil {
		return
	}
	m.relaySessions.Add(context.Background(), -1)
}

func (m *Metrics) ObserveSummaryJob(status string) {
	if m == nil {
		return
	}
	m.summaryJobs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}
