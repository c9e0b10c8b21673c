// Package tts adapts a websocket-based incremental speech synthesis
// protocol (JSON request in, binary PCM frames and "EOS"/"ERR:" control
// messages out) to pipeline.TTSSession.
package tts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/duplexvoice/voiceloop/internal/pipeline"
)

// Session is one incremental synthesis session: zero or more SendText calls
// stream sentence fragments over a single websocket connection, each
// producing binary PCM frames terminated by a text "EOS" acknowledgement.
type Session struct {
	conn       *websocket.Conn
	voice      string
	lang       string
	sampleRate int
	log        pipeline.Logger

	frames chan pipeline.AudioFrame

	mu          sync.Mutex
	cond        *sync.Cond
	pendingAcks int
	err         error
	closed      bool
}

// Open dials the synthesis endpoint and starts the session. host is either a
// full websocket URL (such as "wss://host/path") or a bare host[:port], which
// is dialled as "wss://host/ws"; apiKey is added as the api_key query
// parameter. voice and lang select the speaker; sampleRate describes the PCM
// the server returns.
func Open(ctx context.Context, apiKey, host, voice, lang string, sampleRate int, log pipeline.Logger) (*Session, error) {
	if log == nil {
		log = pipeline.NoOpLogger{}
	}
	u := &url.URL{Scheme: "wss", Host: host, Path: "/ws"}
	if strings.Contains(host, "://") {
		parsed, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("%w: tts endpoint: %v", pipeline.ErrTTSFailed, err)
		}
		u = parsed
	}
	q := u.Query()
	q.Set("api_key", apiKey)
	u.RawQuery = q.Encode()
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: tts dial: %v", pipeline.ErrTTSFailed, err)
	}

	s := &Session{
		conn:       conn,
		voice:      voice,
		lang:       lang,
		sampleRate: sampleRate,
		log:        log,
		frames:     make(chan pipeline.AudioFrame, 32),
	}
	s.cond = sync.NewCond(&s.mu)

	go s.readLoop()
	return s, nil
}

func (s *Session) readLoop() {
	defer close(s.frames)

	for {
		msgType, payload, err := s.conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.closed = true
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			s.frames <- pipeline.AudioFrame{
				SampleRate: s.sampleRate,
				Channels:   1,
				Format:     pipeline.SampleFormatS16LE,
				Samples:    payload,
				CapturedAt: time.Now(),
			}
		case websocket.MessageText:
			msg := string(payload)
			switch {
			case msg == "EOS":
				s.mu.Lock()
				if s.pendingAcks > 0 {
					s.pendingAcks--
				}
				s.cond.Broadcast()
				s.mu.Unlock()
			case strings.HasPrefix(msg, "ERR:"):
				s.mu.Lock()
				s.err = fmt.Errorf("%w: %s", pipeline.ErrTTSFailed, msg)
				s.cond.Broadcast()
				s.mu.Unlock()
			}
		}
	}
}

// SendText submits one sanitized utterance fragment for synthesis. Frames
// for it arrive on Frames() asynchronously, followed by the server's EOS.
func (s *Session) SendText(ctx context.Context, utterance pipeline.Utterance) error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: session closed", pipeline.ErrTTSFailed)
	}
	s.pendingAcks++
	s.mu.Unlock()

	req := map[string]any{
		"text":    utterance.Text,
		"voice":   s.voice,
		"lang":    s.lang,
		"speed":   1.05,
		"steps":   5,
		"version": "versa-1.0",
	}
	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		s.mu.Lock()
		if s.pendingAcks > 0 {
			s.pendingAcks--
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", pipeline.ErrTTSFailed, err)
	}
	return nil
}

func (s *Session) Frames() <-chan pipeline.AudioFrame { return s.frames }

// Finish waits for every outstanding SendText to be acknowledged, then
// closes the connection cleanly. It returns early with ctx.Err() if ctx is
// cancelled before all acknowledgements arrive.
func (s *Session) Finish(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	s.mu.Lock()
	for s.pendingAcks > 0 && s.err == nil && !s.closed {
		if ctx.Err() != nil {
			s.mu.Unlock()
			return ctx.Err()
		}
		s.cond.Wait()
	}
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Abort tears the connection down immediately; buffered frames already in
// the channel remain readable but no further frames will arrive.
func (s *Session) Abort() error {
	return s.conn.Close(websocket.StatusAbnormalClosure, "aborted")
}
