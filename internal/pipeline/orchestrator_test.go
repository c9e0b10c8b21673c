package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeCapture struct{ frames chan AudioFrame }

func newFakeCapture() *fakeCapture { return &fakeCapture{frames: make(chan AudioFrame)} }
func (c *fakeCapture) Start() error                  { return nil }
func (c *fakeCapture) Frames() <-chan AudioFrame      { return c.frames }
func (c *fakeCapture) Stop() error                   { return nil }

type fakePlayback struct {
	mu        sync.Mutex
	submitted []AudioFrame
	aborted   bool
	flushed   bool
	ref       chan AudioFrame
}

func newFakePlayback() *fakePlayback { return &fakePlayback{ref: make(chan AudioFrame, 1)} }

func (p *fakePlayback) Submit(ctx context.Context, frame AudioFrame) error {
	p.mu.Lock()
	p.submitted = append(p.submitted, frame)
	p.mu.Unlock()
	return nil
}
func (p *fakePlayback) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.flushed = true
	p.mu.Unlock()
	return nil
}
func (p *fakePlayback) Abort() error {
	p.mu.Lock()
	p.aborted = true
	p.mu.Unlock()
	return nil
}
func (p *fakePlayback) IsPlaying() bool                   { return false }
func (p *fakePlayback) ReferenceTap() <-chan AudioFrame { return p.ref }

type fakeASR struct{ events chan Transcript }

func newFakeASR() *fakeASR { return &fakeASR{events: make(chan Transcript)} }
func (a *fakeASR) Send(frame AudioFrame) error { return nil }
func (a *fakeASR) Events() <-chan Transcript   { return a.events }
func (a *fakeASR) Flush() error                { return nil }
func (a *fakeASR) Close() error                { return nil }

// fakeTTS produces one silent frame per SendText call, simulating an
// incremental TTS session without a real synthesis backend.
type fakeTTS struct {
	mu        sync.Mutex
	texts     []string
	frames    chan AudioFrame
	closeOnce sync.Once
}

func newFakeTTS() *fakeTTS { return &fakeTTS{frames: make(chan AudioFrame, 16)} }

func (t *fakeTTS) SendText(ctx context.Context, u Utterance) error {
	t.mu.Lock()
	t.texts = append(t.texts, u.Text)
	t.mu.Unlock()
	t.frames <- AudioFrame{Samples: []byte{0, 0}, CapturedAt: time.Now()}
	return nil
}
func (t *fakeTTS) Frames() <-chan AudioFrame { return t.frames }
func (t *fakeTTS) Finish(ctx context.Context) error {
	t.closeOnce.Do(func() { close(t.frames) })
	return nil
}
func (t *fakeTTS) Abort() error {
	t.closeOnce.Do(func() { close(t.frames) })
	return nil
}

// scriptedLLM streams a fixed set of tokens and never requests a tool call.
type scriptedLLM struct{ tokens []string }

func (l *scriptedLLM) Open(ctx context.Context, messages []ConversationMessage, tools []ToolDefinition) (<-chan Token, error) {
	ch := make(chan Token, len(l.tokens))
	for _, tx := range l.tokens {
		ch <- Token{Text: tx}
	}
	close(ch)
	return ch, nil
}
func (l *scriptedLLM) ToolCalls() []ToolCall { return nil }
func (l *scriptedLLM) Name() string          { return "scripted" }

func basePipeline(t *testing.T, llm LLMStream, executor ToolExecutor) (*Pipeline, *fakeTTS, *fakePlayback) {
	t.Helper()
	tts := newFakeTTS()
	playback := newFakePlayback()
	providers := Providers{
		Capture:  newFakeCapture(),
		Playback: playback,
		NewASR: func(ctx context.Context) (ASRSession, error) {
			return newFakeASR(), nil
		},
		LLM: llm,
		NewTTS: func(ctx context.Context) (TTSSession, error) {
			return tts, nil
		},
		Executor: executor,
	}
	pl, err := New(providers, NewConversationSession("u1", 20), DefaultConfig(), NoOpLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pl, tts, playback
}

func TestPipelineSubmitTextCompletesATurn(t *testing.T) {
	llm := &scriptedLLM{tokens: []string{"Hi there.", " Anything else?"}}
	pl, tts, playback := basePipeline(t, llm, nil)

	pl.SubmitText(context.Background(), "hello")

	select {
	case outcome := <-pl.Outcomes():
		if outcome.State != StateCompleted {
			t.Fatalf("State = %v, want Completed (err=%v)", outcome.State, outcome.Err)
		}
		if !strings.Contains(outcome.AssistantText, "Hi there.") {
			t.Fatalf("AssistantText = %q", outcome.AssistantText)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a turn outcome")
	}

	tts.mu.Lock()
	texts := tts.texts
	tts.mu.Unlock()
	if len(texts) == 0 {
		t.Fatal("expected at least one utterance sent to TTS")
	}

	playback.mu.Lock()
	flushed := playback.flushed
	playback.mu.Unlock()
	if !flushed {
		t.Fatal("expected playback to be flushed once the turn completes")
	}

	if got := pl.session.LastAssistantText(); !strings.Contains(got, "Hi there.") {
		t.Fatalf("session did not record the assistant reply: %q", got)
	}
}

// toolRoundLLM answers the first Open with a request to call current_time,
// then answers the next Open (after tool results are folded into history)
// with a final reply, exercising the same-TurnID restart loop.
type toolRoundLLM struct {
	mu           sync.Mutex
	round        int
	lastMessages [][]ConversationMessage
}

func (l *toolRoundLLM) Open(ctx context.Context, messages []ConversationMessage, tools []ToolDefinition) (<-chan Token, error) {
	l.mu.Lock()
	r := l.round
	l.round++
	l.lastMessages = append(l.lastMessages, messages)
	l.mu.Unlock()

	ch := make(chan Token, 1)
	if r == 0 {
		ch <- Token{Text: "checking the time"}
	} else {
		ch <- Token{Text: "It is 3pm."}
	}
	close(ch)
	return ch, nil
}

func (l *toolRoundLLM) ToolCalls() []ToolCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.round == 1 {
		return []ToolCall{{ID: "call-1", Name: "current_time", Arguments: "{}"}}
	}
	return nil
}
func (l *toolRoundLLM) Name() string { return "tool-round" }

type fakeExecutor struct {
	mu    sync.Mutex
	calls []ToolCall
}

func (e *fakeExecutor) Execute(ctx context.Context, call ToolCall) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
	return "3:00 PM", nil
}

func TestPipelineToolCallRoundTripRestartsLLMUnderSameTurn(t *testing.T) {
	llm := &toolRoundLLM{}
	executor := &fakeExecutor{}
	pl, _, _ := basePipeline(t, llm, executor)

	pl.SubmitText(context.Background(), "what time is it")

	select {
	case outcome := <-pl.Outcomes():
		if outcome.State != StateCompleted {
			t.Fatalf("State = %v, want Completed (err=%v)", outcome.State, outcome.Err)
		}
		// AssistantText accumulates raw tokens from every round, including the
		// pre-tool-call round that was never spoken.
		if !strings.Contains(outcome.AssistantText, "It is 3pm.") {
			t.Fatalf("AssistantText = %q, want it to contain the final round's reply", outcome.AssistantText)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a turn outcome")
	}

	executor.mu.Lock()
	calls := executor.calls
	executor.mu.Unlock()
	if len(calls) != 1 || calls[0].Name != "current_time" {
		t.Fatalf("executor.calls = %+v, want exactly one current_time call", calls)
	}

	llm.mu.Lock()
	defer llm.mu.Unlock()
	if len(llm.lastMessages) != 2 {
		t.Fatalf("Open was called %d times, want 2 (initial + post-tool restart)", len(llm.lastMessages))
	}
	found := false
	for _, m := range llm.lastMessages[1] {
		if m.Role == RoleSystem && strings.Contains(m.Text, "[tool:current_time]") {
			found = true
		}
	}
	if !found {
		t.Fatal("the restarted Open call did not see the tool result in history")
	}
}

// blockingLLM streams one token, signals the test it has done so, then waits
// for the turn's context to be cancelled (simulating generation in progress
// when a barge-in fires).
type blockingLLM struct{ tokenSent chan struct{} }

func (l *blockingLLM) Open(ctx context.Context, messages []ConversationMessage, tools []ToolDefinition) (<-chan Token, error) {
	ch := make(chan Token)
	go func() {
		defer close(ch)
		select {
		case ch <- Token{Text: "Hold on"}:
		case <-ctx.Done():
			return
		}
		close(l.tokenSent)
		<-ctx.Done()
	}()
	return ch, nil
}
func (l *blockingLLM) ToolCalls() []ToolCall { return nil }
func (l *blockingLLM) Name() string          { return "blocking" }

func TestPipelineBargeInCancelsActiveGeneration(t *testing.T) {
	llm := &blockingLLM{tokenSent: make(chan struct{})}
	pl, _, playback := basePipeline(t, llm, nil)

	done := make(chan struct{})
	go func() {
		pl.SubmitText(context.Background(), "tell me a long story")
		close(done)
	}()

	select {
	case <-llm.tokenSent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first token")
	}

	pl.onBargeIn()

	select {
	case outcome := <-pl.Outcomes():
		if outcome.State != StateCancelling {
			t.Fatalf("State = %v, want Cancelling", outcome.State)
		}
		if outcome.CancelReason != CancelReasonBargeIn {
			t.Fatalf("CancelReason = %v, want BargeIn", outcome.CancelReason)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the cancelled turn outcome")
	}

	<-done

	playback.mu.Lock()
	aborted := playback.aborted
	playback.mu.Unlock()
	if !aborted {
		t.Fatal("expected a barge-in to abort playback")
	}
}
