package asr

import (
	"math"
	"testing"
	"time"
)

func sineFrame(n int, amplitude float64) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(amplitude * 32767 * math.Sin(float64(i)*0.3))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func silentFrame(n int) []byte { return make([]byte, n*2) }

func TestRMSVADRequiresConsecutiveFramesToConfirmSpeech(t *testing.T) {
	v := newRMSVAD(0.1, 200*time.Millisecond)
	loud := sineFrame(160, 0.8)

	var transitions []vadTransition
	for i := 0; i < v.minConfirmed; i++ {
		transitions = append(transitions, v.process(loud))
	}
	if transitions[len(transitions)-1] != vadSpeechStarted {
		t.Fatalf("expected vadSpeechStarted on the %d-th confirming frame, got %v", v.minConfirmed, transitions)
	}
	for _, tr := range transitions[:len(transitions)-1] {
		if tr != vadNone {
			t.Fatalf("expected no transition before confirmation threshold, got %v", tr)
		}
	}
}

func TestRMSVADEndsSpeechAfterSilenceLimit(t *testing.T) {
	v := newRMSVAD(0.1, 50*time.Millisecond)
	loud := sineFrame(160, 0.8)
	for i := 0; i < v.minConfirmed; i++ {
		v.process(loud)
	}
	if !v.speaking {
		t.Fatalf("expected speaking after confirmation frames")
	}

	quiet := silentFrame(160)
	v.process(quiet)
	if v.process(quiet) != vadNone {
		t.Fatalf("expected no transition before silence limit elapses")
	}
	time.Sleep(60 * time.Millisecond)
	if v.process(quiet) != vadSpeechEnded {
		t.Fatalf("expected vadSpeechEnded once silence exceeds the limit")
	}
}

func TestCalculateRMSOfSilenceIsZero(t *testing.T) {
	if rms := calculateRMS(silentFrame(100)); rms != 0 {
		t.Fatalf("calculateRMS(silence) = %v, want 0", rms)
	}
}
