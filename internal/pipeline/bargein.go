package pipeline

import (
	"strings"
	"sync"
	"time"
)

// BargeInController watches live ASR transcripts while a turn is generating
// or speaking and decides when the user has genuinely interrupted it, as
// opposed to the microphone merely picking up residual echo of the
// assistant's own playback. It never touches audio itself; it only signals
// the orchestrator, which owns the actual cancellation.
type BargeInController struct {
	mu sync.Mutex

	minChars  int
	graceMS   time.Duration
	useGrace  bool // only software-AEC deployments need the echo grace window

	active      bool
	lastFrameAt time.Time // most recent submitted playback frame; zero if none yet
	onBargeIn   func()
}

// NewBargeInController builds a controller. Zero minChars/graceMS fall back
// to the specification defaults (2 chars, 200ms grace). useGrace scopes the
// grace window to deployments running software AEC (§4.8 condition 3):
// aggregate-device AEC and AEC-disabled deployments have no residual-echo
// risk to guard against and fire immediately.
func NewBargeInController(minChars int, graceMS int, useGrace bool, onBargeIn func()) *BargeInController {
	if minChars <= 0 {
		minChars = 2
	}
	if graceMS <= 0 {
		graceMS = 200
	}
	return &BargeInController{
		minChars:  minChars,
		graceMS:   time.Duration(graceMS) * time.Millisecond,
		useGrace:  useGrace,
		onBargeIn: onBargeIn,
	}
}

// NotifySpeakingStarted must be called when the orchestrator enters the
// Generating state, not only once TTS actually opens: §4.8 condition 1 makes
// barge-in live across the whole Generating/Speaking/Draining span, which
// includes the window where the model is still producing tokens and no
// utterance has been spoken yet.
func (b *BargeInController) NotifySpeakingStarted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = true
	b.lastFrameAt = time.Time{}
}

// NotifySpeakingStopped must be called once the turn has left the
// Generating/Speaking/Draining span (it completed, was cancelled or failed) so
// subsequent transcripts (belonging to the next turn) are never mistaken for
// an interruption of a turn that already ended.
func (b *BargeInController) NotifySpeakingStopped() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = false
}

// NotifyPlaybackFrame records that a frame was just submitted to playback.
// The grace window in Observe is measured from this rolling anchor, not from
// when speaking began, so a reply that runs for several seconds keeps echo
// protection for its entire duration rather than only its first graceMS.
func (b *BargeInController) NotifyPlaybackFrame() {
	b.mu.Lock()
	b.lastFrameAt = time.Now()
	b.mu.Unlock()
}

// Observe feeds one ASR transcript event. It fires onBargeIn at most once
// per Generating/Speaking/Draining interval, the first time a final
// transcript (of any length) or a partial of at least minChars trimmed
// characters arrives after the grace window since the most recent playback
// frame has elapsed.
func (b *BargeInController) Observe(t Transcript) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	if b.useGrace && !b.lastFrameAt.IsZero() && time.Since(b.lastFrameAt) < b.graceMS {
		b.mu.Unlock()
		return
	}
	text := strings.TrimSpace(t.Text)
	if !t.IsFinal && CodepointLen(text) < b.minChars {
		b.mu.Unlock()
		return
	}
	// Fire once: flip active off immediately so a burst of further
	// transcript events before the orchestrator reacts can't double-fire.
	b.active = false
	cb := b.onBargeIn
	b.mu.Unlock()

	if cb != nil {
		cb()
	}
}
