package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/magpielab/magpie/internal/types"
)

// Metrics holds the pipeline's OTel instruments. Stage-level counters
// live on the event bus; these cover what events do not see: provider
// fan-out calls and completed-run outcomes.
type Metrics struct {
	providerCalls   metric.Int64Counter
	providerLatency metric.Float64Histogram
	runsTotal       metric.Int64Counter
	runCost         metric.Float64Histogram
	runTokens       metric.Int64Counter
}

func newMetrics(m metric.Meter) (*Metrics, error) {
	providerCalls, err := m.Int64Counter("magpie.provider.calls",
		metric.WithDescription("Provider search calls by provider and outcome"))
	if err != nil {
		return nil, err
	}
	providerLatency, err := m.Float64Histogram("magpie.provider.latency",
		metric.WithDescription("Provider search latency in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	runsTotal, err := m.Int64Counter("magpie.runs.completed",
		metric.WithDescription("Completed extraction runs by engine and fallback use"))
	if err != nil {
		return nil, err
	}
	runCost, err := m.Float64Histogram("magpie.runs.cost_usd",
		metric.WithDescription("Model spend per completed run in USD"))
	if err != nil {
		return nil, err
	}
	runTokens, err := m.Int64Counter("magpie.runs.tokens",
		metric.WithDescription("Model tokens consumed by completed runs, by direction"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		providerCalls:   providerCalls,
		providerLatency: providerLatency,
		runsTotal:       runsTotal,
		runCost:         runCost,
		runTokens:       runTokens,
	}, nil
}

func (m *Metrics) recordProviderCall(ctx context.Context, provider string, ok bool, latencyMS int64) {
	if m == nil {
		return
	}
	status := CallOK
	if !ok {
		status = CallFailed
	}
	m.providerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status)))
	if ok {
		m.providerLatency.Record(ctx, float64(latencyMS),
			metric.WithAttributes(attribute.String("provider", provider)))
	}
}

func (m *Metrics) recordRun(ctx context.Context, ext *types.ExtractionStats) {
	if m == nil {
		return
	}
	m.runsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", ext.Engine),
		attribute.Bool("llm_fallback", ext.LLMFallbackApplied)))
	if ext.CostUSD > 0 {
		m.runCost.Record(ctx, ext.CostUSD)
	}
	if ext.InputTokens > 0 {
		m.runTokens.Add(ctx, ext.InputTokens,
			metric.WithAttributes(attribute.String("direction", "input")))
	}
	if ext.OutputTokens > 0 {
		m.runTokens.Add(ctx, ext.OutputTokens,
			metric.WithAttributes(attribute.String("direction", "output")))
	}
}
