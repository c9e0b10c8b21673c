package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// AggregateAEC implements AECProcessor for the "aggregate device" deployment
// mode (§4.3 mode 1): capture already carries both microphone and reference
// channels interleaved in one frame at the same sample rate, so the
// processor only needs to slice them apart and subtract. No ring buffer or
// timestamp alignment is needed because the two channels are already
// synchronous samples of the same clock.
type AggregateAEC struct {
	mu    sync.Mutex
	level NoiseSuppressionLevel
}

// NewAggregateAEC builds an AEC processor for two-channel {mic, reference}
// capture frames.
func NewAggregateAEC(level NoiseSuppressionLevel) *AggregateAEC {
	return &AggregateAEC{level: level}
}

func (a *AggregateAEC) Name() string { return "aggregate" }

// Process expects a 2-channel frame (mic, reference interleaved) and returns
// a single-channel echo-cancelled frame: for each sample pair, the reference
// is subtracted from the microphone sample (scaled to unity gain) and the
// result passed through a noise gate derived from NoiseSuppression level.
func (a *AggregateAEC) Process(ctx context.Context, capture AudioFrame) (AudioFrame, error) {
	if capture.Channels != 2 {
		return AudioFrame{}, fmt.Errorf("pipeline: aggregate aec requires a 2-channel frame, got %d", capture.Channels)
	}
	samples := capture.SampleCount()
	out := make([]byte, samples*2)

	a.mu.Lock()
	gateFloor := noiseGateFloor(a.level)
	a.mu.Unlock()

	for i := 0; i < samples; i++ {
		mic := int16(capture.Samples[i*4]) | int16(capture.Samples[i*4+1])<<8
		ref := int16(capture.Samples[i*4+2]) | int16(capture.Samples[i*4+3])<<8
		cleaned := int32(mic) - int32(ref)
		if cleaned > math.MaxInt16 {
			cleaned = math.MaxInt16
		} else if cleaned < math.MinInt16 {
			cleaned = math.MinInt16
		}
		if gateFloor > 0 && absInt32(cleaned) < gateFloor {
			cleaned = 0
		}
		out[i*2] = byte(cleaned)
		out[i*2+1] = byte(cleaned >> 8)
	}

	return AudioFrame{
		SampleRate: capture.SampleRate,
		Channels:   1,
		Format:     capture.Format,
		Samples:    out,
		CapturedAt: capture.CapturedAt,
		TurnID:     capture.TurnID,
	}, nil
}

// SubmitReference is a no-op in aggregate mode: the reference channel
// arrives embedded in the capture frame itself, not as a side channel.
func (a *AggregateAEC) SubmitReference(AudioFrame) {}

func noiseGateFloor(level NoiseSuppressionLevel) int32 {
	switch level {
	case NoiseSuppressionLow:
		return 80
	case NoiseSuppressionModerate:
		return 200
	case NoiseSuppressionHigh:
		return 500
	default:
		return 0
	}
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// refFrame is one entry of the software-mode reference ring buffer.
type refFrame struct {
	playAt  time.Time
	samples []float64
}

// SoftwareAEC implements AECProcessor for the "software" deployment mode
// (§4.3 mode 2): capture and playback reference arrive on independent
// streams. It keeps a bounded ring of recently-submitted reference frames
// and, for each capture frame, finds the reference frame whose play-out
// timestamp is closest to captureTime - streamDelay, then runs a
// correlation-based echo estimate against it — the same normalized
// cross-correlation technique the teacher's EchoSuppressor uses, adapted
// here to run per-frame instead of as a boolean gate.
//
// This mode is known to be imperfect (§4.3); it reduces echo energy but does
// not guarantee suppression, which is why BargeInController (not AEC) is the
// hard guarantee against self-triggering.
type SoftwareAEC struct {
	mu            sync.Mutex
	ring          []refFrame
	ringWindow    time.Duration
	streamDelay   time.Duration
	echoThreshold float64
	level         NoiseSuppressionLevel
}

// NewSoftwareAEC builds a software-mode AEC processor. streamDelayMS is the
// expected round-trip delay from reference submission to echoed microphone
// capture (default 40ms per §9's Open Question resolution); ringWindowMS
// bounds how much reference history is retained (spec requires >= 500ms).
func NewSoftwareAEC(streamDelayMS, ringWindowMS int, level NoiseSuppressionLevel) *SoftwareAEC {
	if streamDelayMS <= 0 {
		streamDelayMS = 40
	}
	if ringWindowMS < 500 {
		ringWindowMS = 500
	}
	return &SoftwareAEC{
		ringWindow:    time.Duration(ringWindowMS) * time.Millisecond,
		streamDelay:   time.Duration(streamDelayMS) * time.Millisecond,
		echoThreshold: 0.5,
		level:         level,
	}
}

func (s *SoftwareAEC) Name() string { return "software" }

// SubmitReference records a frame that was (or is about to be) played out,
// for later alignment against captured microphone frames.
func (s *SoftwareAEC) SubmitReference(frame AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring = append(s.ring, refFrame{
		playAt:  frame.CapturedAt,
		samples: bytesToFloatSamples(frame.Samples),
	})

	cutoff := time.Now().Add(-s.ringWindow)
	i := 0
	for i < len(s.ring) && s.ring[i].playAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.ring = s.ring[i:]
	}
}

// Process selects the reference frame whose play-out timestamp is closest
// to capture.CapturedAt - stream_delay_ms and subtracts a correlation-scaled
// copy of it from the capture frame. If no reference is found within the
// ring (no playback in progress, or it has aged out), silence is treated as
// the reference and the capture frame passes through unchanged.
func (s *SoftwareAEC) Process(ctx context.Context, capture AudioFrame) (AudioFrame, error) {
	target := capture.CapturedAt.Add(-s.streamDelay)

	s.mu.Lock()
	ref := s.closestLocked(target)
	threshold := s.echoThreshold
	gateFloor := noiseGateFloor(s.level)
	s.mu.Unlock()

	if ref == nil {
		return capture, nil
	}

	micSamples := bytesToFloatSamples(capture.Samples)
	n := len(micSamples)
	if len(ref) < n {
		n = len(ref)
	}
	if n == 0 {
		return capture, nil
	}

	corr := normalizedCorrelation(micSamples[:n], ref[:n])

	out := make([]byte, len(capture.Samples))
	copy(out, capture.Samples)

	if corr > threshold {
		for i := 0; i < n; i++ {
			cleaned := micSamples[i] - corr*ref[i]
			sample := int32(cleaned * 32768.0)
			if sample > math.MaxInt16 {
				sample = math.MaxInt16
			} else if sample < math.MinInt16 {
				sample = math.MinInt16
			}
			if gateFloor > 0 && absInt32(sample) < gateFloor {
				sample = 0
			}
			out[i*2] = byte(sample)
			out[i*2+1] = byte(sample >> 8)
		}
	}

	return AudioFrame{
		SampleRate: capture.SampleRate,
		Channels:   capture.Channels,
		Format:     capture.Format,
		Samples:    out,
		CapturedAt: capture.CapturedAt,
		TurnID:     capture.TurnID,
	}, nil
}

// closestLocked returns the sample data of the ring entry whose playAt is
// nearest target, or nil if the ring is empty or even the nearest entry lies
// more than ringWindow from target (caller must hold s.mu).
func (s *SoftwareAEC) closestLocked(target time.Time) []float64 {
	if len(s.ring) == 0 {
		return nil
	}
	best := 0
	bestDelta := absDuration(s.ring[0].playAt.Sub(target))
	for i := 1; i < len(s.ring); i++ {
		d := absDuration(s.ring[i].playAt.Sub(target))
		if d < bestDelta {
			bestDelta = d
			best = i
		}
	}
	if bestDelta > s.ringWindow {
		return nil
	}
	return s.ring[best].samples
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func bytesToFloatSamples(data []byte) []float64 {
	out := make([]float64, len(data)/2)
	for i := range out {
		sample := int16(data[i*2]) | int16(data[i*2+1])<<8
		out[i] = float64(sample) / 32768.0
	}
	return out
}

// normalizedCorrelation is the same normalized cross-correlation used by the
// teacher's echo suppressor: a value near 1 means the two signals are
// strongly correlated (likely echo), near 0 means unrelated.
func normalizedCorrelation(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var energyA, energyB, dot float64
	for i := range a {
		energyA += a[i] * a[i]
		energyB += b[i] * b[i]
		dot += a[i] * b[i]
	}
	if energyA == 0 || energyB == 0 {
		return 0
	}
	corr := dot / math.Sqrt(energyA*energyB)
	if corr < 0 {
		return 0
	}
	if corr > 1 {
		return 1
	}
	return corr
}
