package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/duplexvoice/voiceloop/internal/audio"
	"github.com/duplexvoice/voiceloop/internal/pipeline"
)

// rmsVAD is a minimal RMS-based voice activity detector with hysteresis,
// used to turn Groq's batch transcription endpoint into something that can
// satisfy the streaming pipeline.ASRSession contract: speech is buffered
// client-side and only sent for transcription once silence confirms the
// utterance ended.
type rmsVAD struct {
	threshold    float64
	silenceLimit time.Duration

	speaking          bool
	consecutiveFrames int
	minConfirmed      int
	silenceStart      time.Time
}

func newRMSVAD(threshold float64, silenceLimit time.Duration) *rmsVAD {
	return &rmsVAD{threshold: threshold, silenceLimit: silenceLimit, minConfirmed: 3}
}

type vadTransition int

const (
	vadNone vadTransition = iota
	vadSpeechStarted
	vadSpeechEnded
)

func (v *rmsVAD) process(frame []byte) vadTransition {
	rms := calculateRMS(frame)
	now := time.Now()

	if rms > v.threshold {
		v.consecutiveFrames++
		v.silenceStart = time.Time{}
		if !v.speaking && v.consecutiveFrames >= v.minConfirmed {
			v.speaking = true
			return vadSpeechStarted
		}
		return vadNone
	}

	v.consecutiveFrames = 0
	if v.speaking {
		if v.silenceStart.IsZero() {
			v.silenceStart = now
		}
		if now.Sub(v.silenceStart) >= v.silenceLimit {
			v.speaking = false
			v.silenceStart = time.Time{}
			return vadSpeechEnded
		}
	}
	return vadNone
}

func calculateRMS(chunk []byte) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(chunk); i += 2 {
		sample := int16(chunk[i]) | int16(chunk[i+1])<<8
		f := float64(sample) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(chunk)/2))
}

// GroqSession implements pipeline.ASRSession over Groq's batch Whisper
// transcription endpoint. Incoming frames are buffered while the VAD
// considers the user to be speaking; on silence (or an explicit Flush) the
// buffered audio is sent as one request and its transcript delivered as a
// single final Transcript event.
type GroqSession struct {
	apiKey     string
	model      string
	sampleRate int
	log        pipeline.Logger

	httpClient *http.Client

	mu     sync.Mutex
	vad    *rmsVAD
	buf    []byte
	events chan pipeline.Transcript
	wg     sync.WaitGroup
	closed bool
}

// NewGroqSession builds a Groq-backed ASR session. sampleRate must match the
// PCM frames passed to Send.
func NewGroqSession(apiKey, model string, sampleRate int, log pipeline.Logger) *GroqSession {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	if log == nil {
		log = pipeline.NoOpLogger{}
	}
	return &GroqSession{
		apiKey:     apiKey,
		model:      model,
		sampleRate: sampleRate,
		log:        log,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		vad:        newRMSVAD(0.02, 500*time.Millisecond),
		events:     make(chan pipeline.Transcript, 8),
	}
}

// Send feeds one capture frame to the VAD and, while the user is judged to
// be speaking, appends it to the pending utterance buffer.
func (s *GroqSession) Send(frame pipeline.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("asr: groq session closed")
	}

	switch s.vad.process(frame.Samples) {
	case vadSpeechStarted:
		s.events <- pipeline.Transcript{IsFinal: false, StartTime: time.Now(), EndTime: time.Now()}
		s.buf = append(s.buf[:0], frame.Samples...)
	case vadSpeechEnded:
		s.buf = append(s.buf, frame.Samples...)
		s.flushLocked()
	default:
		if s.vad.speaking {
			s.buf = append(s.buf, frame.Samples...)
		}
	}
	return nil
}

func (s *GroqSession) Events() <-chan pipeline.Transcript { return s.events }

// Flush forces whatever is currently buffered to be transcribed immediately,
// as if silence had just been detected. Used by the ASR final timeout.
func (s *GroqSession) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.buf) == 0 {
		return nil
	}
	s.flushLocked()
	return nil
}

// flushLocked must be called with s.mu held.
func (s *GroqSession) flushLocked() {
	if len(s.buf) == 0 {
		return
	}
	pcm := make([]byte, len(s.buf))
	copy(pcm, s.buf)
	s.buf = s.buf[:0]

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		text, err := s.transcribe(pcm)
		if err != nil {
			s.log.Warn("asr: groq transcription failed", "error", err)
			return
		}
		now := time.Now()
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.events <- pipeline.Transcript{Text: text, IsFinal: true, StartTime: now, EndTime: now}
	}()
}

func (s *GroqSession) transcribe(pcm []byte) (string, error) {
	wavData := audio.NewWavBuffer(pcm, s.sampleRate, 1)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("model", s.model); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.groq.com/openai/v1/audio/transcriptions", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pipeline.ErrASRAuthFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody any
		json.NewDecoder(resp.Body).Decode(&errBody)
		return "", fmt.Errorf("groq stt error (status %d): %v", resp.StatusCode, errBody)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Text, nil
}

func (s *GroqSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	close(s.events)
	return nil
}
