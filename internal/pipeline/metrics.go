package pipeline

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/duplexvoice/voiceloop/internal/pipeline"

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5}

// Metrics holds the OpenTelemetry instruments recorded by the orchestrator.
// All fields are safe for concurrent use.
type Metrics struct {
	TurnsStarted    metric.Int64Counter
	TurnsCompleted  metric.Int64Counter
	TurnsCancelled  metric.Int64Counter
	TurnsFailed     metric.Int64Counter

	ASRFirstPartialLatency metric.Float64Histogram
	LLMFirstTokenLatency   metric.Float64Histogram
	TTSFirstFrameLatency   metric.Float64Histogram
	BargeInLatency         metric.Float64Histogram

	ActiveTurns metric.Int64UpDownCounter
}

// NewMetrics creates instruments against the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.TurnsStarted, err = m.Int64Counter("voiceloop.turns.started",
		metric.WithDescription("Turns started from a final transcript or submitted text.")); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("voiceloop.turns.completed",
		metric.WithDescription("Turns that reached Completed.")); err != nil {
		return nil, err
	}
	if met.TurnsCancelled, err = m.Int64Counter("voiceloop.turns.cancelled",
		metric.WithDescription("Turns ended by barge-in or explicit cancellation."),
	); err != nil {
		return nil, err
	}
	if met.TurnsFailed, err = m.Int64Counter("voiceloop.turns.failed",
		metric.WithDescription("Turns that reached Failed.")); err != nil {
		return nil, err
	}
	if met.ASRFirstPartialLatency, err = m.Float64Histogram("voiceloop.asr.first_partial.latency",
		metric.WithDescription("Time from capture start to first ASR partial."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenLatency, err = m.Float64Histogram("voiceloop.llm.first_token.latency",
		metric.WithDescription("Time from generation request to first token."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstFrameLatency, err = m.Float64Histogram("voiceloop.tts.first_frame.latency",
		metric.WithDescription("Time from first utterance send to first audio frame."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInLatency, err = m.Float64Histogram("voiceloop.bargein.latency",
		metric.WithDescription("Time from barge-in detection to playback silence."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("voiceloop.turns.active",
		metric.WithDescription("Turns currently not in Idle/Completed/Failed.")); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics built against the global
// MeterProvider (a no-op provider until the caller installs one).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("pipeline: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordOutcome increments the appropriate terminal counter for outcome.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome TurnOutcome) {
	switch outcome.State {
	case StateCompleted:
		m.TurnsCompleted.Add(ctx, 1)
	case StateCancelling:
		m.TurnsCancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(outcome.CancelReason))))
	case StateFailed:
		m.TurnsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(outcome.ErrorKind))))
	}
}
