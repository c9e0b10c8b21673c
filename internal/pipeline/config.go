package pipeline

import "time"

// Config holds every tunable named by the specification. DefaultConfig
// returns a Config with every field set to its default.
type Config struct {
	// Audio
	CaptureSampleRate  int
	CaptureChannels    int
	CaptureFramePeriod time.Duration
	PlaybackSampleRate int
	PlaybackWatermark  time.Duration

	// AEC
	AECEnabled       bool
	AECAggregateMode bool
	StreamDelayMS    int
	NoiseSuppression NoiseSuppressionLevel

	// Barge-in
	BargeInMinChars  int
	BargeInGraceMS   int

	// Sanitizer
	SanitizerMinLength int
	SanitizerMaxLength int

	// History
	MaxHistoryMessages int

	// Timeouts
	ASRFinalTimeout  time.Duration
	LLMFirstTokenTO  time.Duration
	TTSFirstFrameTO  time.Duration

	// LLM generation parameters
	Temperature float64
	MaxTokens   int
}

// NoiseSuppressionLevel controls the AEC processor's noise gate.
type NoiseSuppressionLevel string

const (
	NoiseSuppressionOff      NoiseSuppressionLevel = "off"
	NoiseSuppressionLow      NoiseSuppressionLevel = "low"
	NoiseSuppressionModerate NoiseSuppressionLevel = "moderate"
	NoiseSuppressionHigh     NoiseSuppressionLevel = "high"
)

// DefaultConfig returns the specification's defaults.
func DefaultConfig() Config {
	return Config{
		CaptureSampleRate:  16000,
		CaptureChannels:    1,
		CaptureFramePeriod: 10 * time.Millisecond,
		PlaybackSampleRate: 24000,
		PlaybackWatermark:  200 * time.Millisecond,

		AECEnabled:       true,
		AECAggregateMode: false,
		StreamDelayMS:    40,
		NoiseSuppression: NoiseSuppressionModerate,

		BargeInMinChars: 2,
		BargeInGraceMS:  200,

		SanitizerMinLength: 10,
		SanitizerMaxLength: 100,

		MaxHistoryMessages: 20,

		ASRFinalTimeout: 8000 * time.Millisecond,
		LLMFirstTokenTO: 10 * time.Second,
		TTSFirstFrameTO: 3 * time.Second,

		Temperature: 0.7,
		MaxTokens:   1024,
	}
}
