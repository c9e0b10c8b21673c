// Package asr adapts third-party speech recognizers to pipeline.ASRSession:
// deepgram.go is a true streaming session over a websocket, groq.go is a
// batch Whisper endpoint wrapped with client-side VAD endpointing so it can
// satisfy the same streaming contract.
package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duplexvoice/voiceloop/internal/pipeline"
)

// DeepgramSession is a streaming pipeline.ASRSession backed by Deepgram's
// websocket listen API.
type DeepgramSession struct {
	conn   *websocket.Conn
	connMu sync.Mutex

	events chan pipeline.Transcript
	log    pipeline.Logger

	lastSendMu sync.Mutex
	lastSend   time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// DialDeepgram opens a streaming recognition session at the given sample
// rate (mono, 16-bit linear PCM). apiKey is sent in the Authorization header
// with Deepgram's "Token" scheme.
func DialDeepgram(ctx context.Context, apiKey string, sampleRate int, log pipeline.Logger) (*DeepgramSession, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: deepgram api key missing", pipeline.ErrASRAuthFailed)
	}
	if log == nil {
		log = pipeline.NoOpLogger{}
	}

	listenURL, _ := url.Parse("wss://api.deepgram.com/v1/listen")
	q := listenURL.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("model", "nova-3")
	q.Set("language", "en-US")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("endpointing", "300")
	q.Set("vad_events", "true")
	listenURL.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, listenURL.String(), http.Header{
		"Authorization": {"Token " + apiKey},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: deepgram dial: %v", pipeline.ErrASRAuthFailed, err)
	}

	s := &DeepgramSession{
		conn:     conn,
		events:   make(chan pipeline.Transcript, 32),
		log:      log,
		lastSend: time.Now(),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	go s.silenceKeepAlive(sampleRate)
	return s, nil
}

// deepgramMessage covers the subset of Deepgram's websocket protocol this
// adapter reacts to: live "Results" frames and endpoint markers.
type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *DeepgramSession) readLoop() {
	defer close(s.events)
	defer close(s.done)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("asr: malformed deepgram message", "error", err)
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			text := msg.Channel.Alternatives[0].Transcript
			if text == "" && !msg.IsFinal {
				continue
			}
			now := time.Now()
			s.events <- pipeline.Transcript{
				Text:      text,
				IsFinal:   msg.IsFinal && msg.SpeechFinal,
				StartTime: now,
				EndTime:   now,
			}
		case "UtteranceEnd":
			s.events <- pipeline.Transcript{IsFinal: true, StartTime: time.Now(), EndTime: time.Now()}
		}
	}
}

// silenceKeepAlive sends a short burst of silence whenever the caller hasn't
// pushed real audio for a while, matching Deepgram's requirement that the
// socket see traffic at least every few seconds or it closes it server-side.
func (s *DeepgramSession) silenceKeepAlive(sampleRate int) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	silence := make([]byte, sampleRate/5*2) // 200ms of silence
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.lastSendMu.Lock()
			idle := time.Since(s.lastSend)
			s.lastSendMu.Unlock()
			if idle < 5*time.Second {
				continue
			}
			s.connMu.Lock()
			_ = s.conn.WriteMessage(websocket.BinaryMessage, silence)
			s.connMu.Unlock()
		}
	}
}

// Send streams one PCM frame to the recognizer.
func (s *DeepgramSession) Send(frame pipeline.AudioFrame) error {
	s.connMu.Lock()
	err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Samples)
	s.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("asr: deepgram send: %w", err)
	}
	s.lastSendMu.Lock()
	s.lastSend = time.Now()
	s.lastSendMu.Unlock()
	return nil
}

func (s *DeepgramSession) Events() <-chan pipeline.Transcript { return s.events }

// Flush asks Deepgram to immediately finalize whatever utterance is in
// flight, without closing the socket. Used when the ASR final timeout fires.
func (s *DeepgramSession) Flush() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: "Finalize"})
}

func (s *DeepgramSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.connMu.Lock()
		werr := s.conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: "CloseStream"})
		cerr := s.conn.Close()
		s.connMu.Unlock()
		if werr != nil {
			err = werr
		} else {
			err = cerr
		}
	})
	return err
}
