package pipeline

import (
	"testing"
	"time"
)

func TestBargeInControllerIgnoresTranscriptsWhileNotSpeaking(t *testing.T) {
	fired := 0
	b := NewBargeInController(2, 0, true, func() { fired++ })
	b.Observe(Transcript{Text: "hello there", IsFinal: true})
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 while not speaking", fired)
	}
}

func TestBargeInControllerFiresOnFinalRegardlessOfLength(t *testing.T) {
	fired := 0
	b := NewBargeInController(10, 0, true, func() { fired++ })
	b.NotifySpeakingStarted()
	b.Observe(Transcript{Text: "hi", IsFinal: true})
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestBargeInControllerIgnoresShortPartials(t *testing.T) {
	fired := 0
	b := NewBargeInController(5, 0, true, func() { fired++ })
	b.NotifySpeakingStarted()
	b.Observe(Transcript{Text: "hi", IsFinal: false})
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 for a partial under minChars", fired)
	}
}

func TestBargeInControllerFiresOnPartialPastMinChars(t *testing.T) {
	fired := 0
	b := NewBargeInController(2, 0, true, func() { fired++ })
	b.NotifySpeakingStarted()
	b.Observe(Transcript{Text: "stop", IsFinal: false})
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestBargeInControllerRespectsGraceWindow(t *testing.T) {
	fired := 0
	b := NewBargeInController(2, 200, true, func() { fired++ })
	b.NotifySpeakingStarted()
	b.NotifyPlaybackFrame()
	b.Observe(Transcript{Text: "stop", IsFinal: true})
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 within the grace window", fired)
	}
}

func TestBargeInControllerFiresAfterGraceWindowElapses(t *testing.T) {
	fired := 0
	b := NewBargeInController(2, 1, true, func() { fired++ })
	b.NotifySpeakingStarted()
	b.NotifyPlaybackFrame()
	time.Sleep(5 * time.Millisecond)
	b.Observe(Transcript{Text: "stop", IsFinal: true})
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 after the grace window", fired)
	}
}

func TestBargeInControllerFiresAtMostOncePerSpeakingInterval(t *testing.T) {
	fired := 0
	b := NewBargeInController(2, 0, true, func() { fired++ })
	b.NotifySpeakingStarted()
	b.Observe(Transcript{Text: "stop", IsFinal: true})
	b.Observe(Transcript{Text: "stop talking", IsFinal: true})
	if fired != 1 {
		t.Fatalf("fired = %d, want exactly 1", fired)
	}
}

func TestBargeInControllerRearmsOnNextSpeakingInterval(t *testing.T) {
	fired := 0
	b := NewBargeInController(2, 0, true, func() { fired++ })
	b.NotifySpeakingStarted()
	b.Observe(Transcript{Text: "stop", IsFinal: true})
	b.NotifySpeakingStopped()

	b.NotifySpeakingStarted()
	b.Observe(Transcript{Text: "stop again", IsFinal: true})
	if fired != 2 {
		t.Fatalf("fired = %d, want 2 across two speaking intervals", fired)
	}
}

// TestBargeInControllerGraceWindowRollsWithPlayback verifies the grace
// window is measured from the most recent playback frame, not from when
// speaking started: a reply that keeps submitting frames keeps its echo
// protection alive well past the original graceMS.
func TestBargeInControllerGraceWindowRollsWithPlayback(t *testing.T) {
	fired := 0
	b := NewBargeInController(2, 10, true, func() { fired++ })
	b.NotifySpeakingStarted()
	b.NotifyPlaybackFrame()

	time.Sleep(15 * time.Millisecond)
	b.NotifyPlaybackFrame() // refreshes the anchor before the transcript arrives
	b.Observe(Transcript{Text: "stop", IsFinal: true})
	if fired != 0 {
		t.Fatalf("fired = %d, want 0: the rolling anchor should still be within the grace window", fired)
	}
}

// TestBargeInControllerNoGraceWithoutSoftwareAEC verifies that deployments
// without software AEC (aggregate-device AEC, or AEC disabled entirely) get
// no echo grace window at all.
func TestBargeInControllerNoGraceWithoutSoftwareAEC(t *testing.T) {
	fired := 0
	b := NewBargeInController(2, 200, false, func() { fired++ })
	b.NotifySpeakingStarted()
	b.NotifyPlaybackFrame()
	b.Observe(Transcript{Text: "stop", IsFinal: true})
	if fired != 1 {
		t.Fatalf("fired = %d, want 1: no grace window should apply when useGrace is false", fired)
	}
}

// TestBargeInControllerLiveBeforeFirstPlaybackFrame verifies barge-in fires
// during the Generating span, before any TTS frame has ever been submitted
// for the turn (lastFrameAt still zero).
func TestBargeInControllerLiveBeforeFirstPlaybackFrame(t *testing.T) {
	fired := 0
	b := NewBargeInController(2, 200, true, func() { fired++ })
	b.NotifySpeakingStarted()
	b.Observe(Transcript{Text: "stop", IsFinal: true})
	if fired != 1 {
		t.Fatalf("fired = %d, want 1: no grace window applies before a playback frame has ever been submitted", fired)
	}
}
