package audio

import (
	"bytes"
	"testing"
)

func TestNewWavBuffer(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	wav := NewWavBuffer(pcm, 16000, 1)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Errorf("expected RIFF prefix")
	}
	if !bytes.Contains(wav, []byte("WAVE")) {
		t.Errorf("expected WAVE format identifier")
	}

	expectedLen := 44 + len(pcm)
	if len(wav) != expectedLen {
		t.Errorf("expected length %d, got %d", expectedLen, len(wav))
	}
}

func TestParseWavPCMRoundTrip(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	wav := NewWavBuffer(pcm, 24000, 2)

	got, rate, channels, err := ParseWavPCM(wav)
	if err != nil {
		t.Fatalf("ParseWavPCM returned error: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("expected pcm %v, got %v", pcm, got)
	}
	if rate != 24000 {
		t.Errorf("expected sample rate 24000, got %d", rate)
	}
	if channels != 2 {
		t.Errorf("expected 2 channels, got %d", channels)
	}
}

func TestParseWavPCMRejectsGarbage(t *testing.T) {
	if _, _, _, err := ParseWavPCM([]byte("not a wav file")); err == nil {
		t.Error("expected error for non-RIFF input")
	}
}
