package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Providers bundles every external collaborator the orchestrator drives.
// NewASR and NewTTS are factories rather than live sessions. NewTTS is
// called once per turn, when the turn first has an utterance to speak.
// NewASR is called once, by Start, and that session serves every turn until
// the pipeline stops.
type Providers struct {
	Capture  AudioCapture
	Playback AudioPlayback
	AEC      AECProcessor
	NewASR   func(ctx context.Context) (ASRSession, error)
	LLM      LLMStream
	NewTTS   func(ctx context.Context) (TTSSession, error)
	Memory   MemoryStore
	Role     RoleConfig
	Tools    []ToolDefinition
	Executor ToolExecutor
}

// Pipeline is the top-level realtime voice-turn orchestrator. One Pipeline
// serves one user session at a time; create a new Pipeline per session for
// concurrent users.
type Pipeline struct {
	p       Providers
	cfg     Config
	log     Logger
	metrics *Metrics

	session *ConversationSession
	outcome chan TurnOutcome

	mu          sync.Mutex
	cond        *sync.Cond
	state       TurnState
	currentTurn TurnID
	cancelTok   *CancellationToken
	nextTurnID  TurnID
	bargeInAt   time.Time

	bargeIn *BargeInController

	captureStartAt time.Time
	stopCapture    context.CancelFunc
	wg             sync.WaitGroup
}

// New builds a Pipeline for the given session using cfg and the supplied
// providers. Unset optional fields fall back to sane no-ops (NoOpLogger,
// DefaultMetrics, an in-process MemoryStore is NOT substituted here — a nil
// Memory simply disables recall/recording for the session).
func New(p Providers, session *ConversationSession, cfg Config, log Logger) (*Pipeline, error) {
	if p.Capture == nil || p.Playback == nil || p.NewASR == nil || p.LLM == nil || p.NewTTS == nil {
		return nil, fmt.Errorf("pipeline: %w", ErrNilProvider)
	}
	if log == nil {
		log = NoOpLogger{}
	}
	pl := &Pipeline{
		p:       p,
		cfg:     cfg,
		log:     log,
		metrics: DefaultMetrics(),
		session: session,
		outcome: make(chan TurnOutcome, 8),
		state:   StateIdle,
	}
	pl.cond = sync.NewCond(&pl.mu)
	// The echo grace window only protects against the residual-echo risk a
	// software AEC deployment carries; aggregate-device AEC and AEC-disabled
	// deployments have no grace delay (spec §4.8 condition 3).
	useGrace := cfg.AECEnabled && !cfg.AECAggregateMode
	pl.bargeIn = NewBargeInController(cfg.BargeInMinChars, cfg.BargeInGraceMS, useGrace, pl.onBargeIn)
	return pl, nil
}

// Outcomes exposes completed-turn results for callers (CLI printers, tests)
// to consume.
func (pl *Pipeline) Outcomes() <-chan TurnOutcome { return pl.outcome }

// State returns the orchestrator's current turn state.
func (pl *Pipeline) State() TurnState {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.state
}

func (pl *Pipeline) setState(s TurnState) {
	pl.mu.Lock()
	pl.state = s
	pl.cond.Broadcast()
	pl.mu.Unlock()
}

// waitIdle blocks until the orchestrator's state returns to Idle. Used by
// SubmitText to let an in-flight turn actually wind down after it has been
// cancelled, before the new turn starts.
func (pl *Pipeline) waitIdle() {
	pl.mu.Lock()
	for pl.state != StateIdle {
		pl.cond.Wait()
	}
	pl.mu.Unlock()
}

// Start begins capturing audio and running the full duplex listen/speak
// loop until ctx is cancelled or Stop is called.
func (pl *Pipeline) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	pl.stopCapture = cancel
	pl.captureStartAt = time.Now()

	if err := pl.p.Capture.Start(); err != nil {
		cancel()
		return fmt.Errorf("pipeline: start capture: %w", err)
	}

	asr, err := pl.p.NewASR(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("pipeline: start asr: %w", err)
	}

	pl.wg.Add(2)
	go pl.pumpCapture(runCtx, asr)
	go pl.pumpTranscripts(runCtx, asr)

	return nil
}

// Stop halts capture and waits for background pumps to exit.
func (pl *Pipeline) Stop() error {
	if pl.stopCapture != nil {
		pl.stopCapture()
	}
	err := pl.p.Capture.Stop()
	pl.wg.Wait()
	close(pl.outcome)
	return err
}

// pumpCapture reads raw capture frames, runs them through AEC (when
// configured) and forwards the cleaned frame to the ASR session.
func (pl *Pipeline) pumpCapture(ctx context.Context, asr ASRSession) {
	defer pl.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-pl.p.Capture.Frames():
			if !ok {
				return
			}
			clean := frame
			if pl.cfg.AECEnabled && pl.p.AEC != nil {
				processed, err := pl.p.AEC.Process(ctx, frame)
				if err != nil {
					pl.log.Warn("aec processing failed", "error", err)
				} else {
					clean = processed
				}
			}
			if err := asr.Send(clean); err != nil {
				pl.log.Warn("asr send failed", "error", err)
			}
		}
	}
}

// turnTiming carries the timestamps a turn was kicked off with, used to
// derive the turn's LatencyBreakdown. For voice turns these come from the
// triggering Transcript; for SubmitText turns every field collapses to the
// moment the call was made.
type turnTiming struct {
	utteranceStartAt time.Time
	userStopAt       time.Time
	sttFinalAt       time.Time
}

// pumpTranscripts consumes ASR events, feeds the barge-in controller,
// tracks the Listening state while voiced partials arrive, and launches a
// turn whenever a non-empty final transcript arrives while idle.
func (pl *Pipeline) pumpTranscripts(ctx context.Context, asr ASRSession) {
	defer pl.wg.Done()

	finalTimeout := pl.cfg.ASRFinalTimeout
	if finalTimeout <= 0 {
		finalTimeout = 8000 * time.Millisecond
	}
	timer := time.NewTimer(finalTimeout)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false
	firstPartialSeen := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timerArmed = false
			if pl.State() == StateListening {
				if err := asr.Flush(); err != nil {
					pl.log.Warn("asr final timeout flush failed", "error", err)
				}
			}
		case t, ok := <-asr.Events():
			if !ok {
				return
			}
			pl.bargeIn.Observe(t)

			if !firstPartialSeen {
				firstPartialSeen = true
				pl.metrics.ASRFirstPartialLatency.Record(ctx, time.Since(pl.captureStartAt).Seconds())
			}

			if pl.State() == StateIdle && strings.TrimSpace(t.Text) != "" {
				pl.setState(StateListening)
			}
			if pl.State() == StateListening {
				if timerArmed && !timer.Stop() {
					<-timer.C
				}
				timer.Reset(finalTimeout)
				timerArmed = true
			}

			if !t.IsFinal {
				continue
			}
			if timerArmed {
				if !timer.Stop() {
					<-timer.C
				}
				timerArmed = false
			}
			text := strings.TrimSpace(t.Text)
			if text == "" {
				pl.setState(StateIdle) // boundary: silent/empty final collapses to Idle
				continue
			}
			if pl.State() != StateIdle && pl.State() != StateListening {
				continue // a turn is already active; ignore stray finals
			}

			timing := turnTiming{utteranceStartAt: t.StartTime, userStopAt: t.EndTime, sttFinalAt: time.Now()}
			if timing.userStopAt.IsZero() {
				timing.userStopAt = timing.sttFinalAt
			}
			if timing.utteranceStartAt.IsZero() {
				timing.utteranceStartAt = timing.userStopAt
			}
			pl.runTurn(ctx, text, timing)
		}
	}
}

// onBargeIn is invoked by the BargeInController; it cancels the active turn
// with CancelReasonBargeIn.
func (pl *Pipeline) onBargeIn() {
	pl.mu.Lock()
	tok := pl.cancelTok
	pl.bargeInAt = time.Now()
	pl.mu.Unlock()
	if tok != nil {
		tok.Trigger(CancelReasonBargeIn)
	}
	_ = pl.p.Playback.Abort()
}

// runTurn drives one full user->assistant turn: memory recall, LLM
// generation, sanitization, TTS, and playback, all cancellable via a single
// CancellationToken.
func (pl *Pipeline) runTurn(ctx context.Context, userText string, timing turnTiming) {
	pl.mu.Lock()
	pl.nextTurnID++
	turn := pl.nextTurnID
	tok := NewCancellationToken(ctx, turn)
	pl.cancelTok = tok
	pl.currentTurn = turn
	pl.mu.Unlock()

	pl.setState(StateRecognizing)
	pl.metrics.TurnsStarted.Add(ctx, 1)
	pl.metrics.ActiveTurns.Add(ctx, 1)
	defer pl.metrics.ActiveTurns.Add(ctx, -1)

	pl.session.Append(ConversationMessage{Role: RoleUser, Text: userText, TurnID: turn})

	outcome := pl.generateAndSpeak(tok, userText, timing)
	outcome.TurnID = turn
	pl.metrics.RecordOutcome(ctx, outcome)

	pl.bargeIn.NotifySpeakingStopped()
	pl.setState(StateIdle)

	select {
	case pl.outcome <- outcome:
	default:
		pl.log.Warn("outcome channel full, dropping turn result", "turn", turn)
	}
}

func (pl *Pipeline) generateAndSpeak(tok *CancellationToken, userText string, timing turnTiming) TurnOutcome {
	ctx := tok.Context()

	var systemPrompt string
	if pl.p.Role != nil {
		systemPrompt = pl.p.Role.SystemPrompt()
	}

	messages := pl.buildMessages(ctx, systemPrompt, userText)

	pl.setState(StateGenerating)
	// Barge-in is live across the whole Generating/Speaking/Draining span
	// (§4.8 condition 1), so the controller arms here rather than waiting for
	// TTS to actually open.
	pl.bargeIn.NotifySpeakingStarted()
	sanitizer := NewTextSanitizer(pl.cfg.SanitizerMinLength, pl.cfg.SanitizerMaxLength)

	var reply strings.Builder

	// The TTS session is opened lazily: only once the sanitizer actually has
	// an utterance to speak does the turn enter Speaking (§4.9: "if the LLM
	// stream ends with no audible output ... no TTS session is opened").
	var tts TTSSession
	var ttsDone chan error
	var firstFrame chan struct{}
	var firstFrameOnce sync.Once
	var ttsRequestAt, firstFrameAt, ttsEndAt time.Time

	ttsTO := pl.cfg.TTSFirstFrameTO
	if ttsTO <= 0 {
		ttsTO = 3 * time.Second
	}
	var ttsTimer *time.Timer
	var ttsTimerC <-chan time.Time

	openTTS := func() (TTSSession, error) {
		s, err := pl.p.NewTTS(ctx)
		if err != nil {
			return nil, err
		}
		pl.setState(StateSpeaking)
		firstFrame = make(chan struct{})
		ttsDone = make(chan error, 1)
		go func() { ttsDone <- pl.forwardTTSFrames(ctx, s, &firstFrameOnce, firstFrame) }()
		ttsTimer = time.NewTimer(ttsTO)
		ttsTimerC = ttsTimer.C
		return s, nil
	}

	speak := func(u Utterance) error {
		if tts == nil {
			ttsRequestAt = time.Now()
			s, err := openTTS()
			if err != nil {
				return fmt.Errorf("tts session: %w", err)
			}
			tts = s
		}
		return tts.SendText(ctx, u)
	}

	abortTTS := func() {
		if tts != nil {
			_ = tts.Abort()
			<-ttsDone
		}
	}

	recordBargeInLatency := func() {
		if tok.Reason() != CancelReasonBargeIn {
			return
		}
		pl.mu.Lock()
		at := pl.bargeInAt
		pl.mu.Unlock()
		if !at.IsZero() {
			pl.metrics.BargeInLatency.Record(context.Background(), time.Since(at).Seconds())
		}
	}

	llmTO := pl.cfg.LLMFirstTokenTO
	if llmTO <= 0 {
		llmTO = 10 * time.Second
	}

	firstRequestAt := time.Now()

	// A turn may bounce between the model and the tool executor several
	// times before it has anything final to say; each round reopens the LLM
	// stream under the same TurnID with the tool results folded into history.
	const maxToolRounds = 4
roundLoop:
	for round := 0; ; round++ {
		requestAt := time.Now()
		tokens, err := pl.p.LLM.Open(ctx, messages, pl.p.Tools)
		if err != nil {
			abortTTS()
			return failedOutcome(StateFailed, ErrorKindProviderFatal, fmt.Errorf("%w: %v", ErrLLMFailed, err))
		}

		firstTokenTimer := time.NewTimer(llmTO)
		gotFirstToken := false

	tokenLoop:
		for {
			select {
			case <-ctx.Done():
				firstTokenTimer.Stop()
				abortTTS()
				recordBargeInLatency()
				return cancelledOutcome(tok, reply.String())
			case <-firstTokenTimer.C:
				if !gotFirstToken {
					abortTTS()
					return failedOutcome(StateFailed, ErrorKindTimeout, ErrLLMTimeout)
				}
			case <-ttsTimerC:
				select {
				case <-firstFrame:
					// raced with frame arrival; ignore.
				default:
					firstTokenTimer.Stop()
					abortTTS()
					return failedOutcome(StateFailed, ErrorKindTimeout, ErrTTSTimeout)
				}
			case <-firstFrame:
				ttsTimerC = nil // first audio reached playback; stop watching.
				firstFrameAt = time.Now()
				if !ttsRequestAt.IsZero() {
					pl.metrics.TTSFirstFrameLatency.Record(ctx, firstFrameAt.Sub(ttsRequestAt).Seconds())
				}
			case tok2, ok := <-tokens:
				if !ok {
					break tokenLoop
				}
				if !gotFirstToken {
					gotFirstToken = true
					firstTokenTimer.Stop()
					pl.metrics.LLMFirstTokenLatency.Record(ctx, time.Since(requestAt).Seconds())
				}
				reply.WriteString(tok2.Text)
				for _, u := range sanitizer.Feed(tok2) {
					if err := speak(u); err != nil {
						firstTokenTimer.Stop()
						abortTTS()
						return failedOutcome(StateFailed, ErrorKindProviderTransient, fmt.Errorf("%w: %v", ErrTTSFailed, err))
					}
				}
			}
		}
		firstTokenTimer.Stop()

		calls := pl.p.LLM.ToolCalls()
		if len(calls) == 0 || pl.p.Executor == nil || round >= maxToolRounds-1 {
			break roundLoop
		}
		pl.runToolCallsAndAppend(ctx, calls)
		messages = pl.buildMessages(ctx, systemPrompt, userText)
	}
	if ttsTimer != nil {
		ttsTimer.Stop()
	}
	llmDoneAt := time.Now()

	for _, u := range sanitizer.Finish() {
		if err := speak(u); err != nil {
			abortTTS()
			return failedOutcome(StateFailed, ErrorKindProviderTransient, fmt.Errorf("%w: %v", ErrTTSFailed, err))
		}
	}

	assistantText := reply.String()

	if tts == nil {
		// No utterance was ever produced; nothing to drain.
		pl.setState(StateDraining)
	} else {
		pl.setState(StateDraining)
		if err := tts.Finish(ctx); err != nil {
			<-ttsDone
			return failedOutcome(StateFailed, ErrorKindProviderTransient, fmt.Errorf("%w: %v", ErrTTSFailed, err))
		}
		if err := <-ttsDone; err != nil && ctx.Err() == nil {
			return failedOutcome(StateFailed, ErrorKindProviderTransient, err)
		}
		ttsEndAt = time.Now()
		_ = pl.p.Playback.Flush(ctx)
	}

	pl.session.Append(ConversationMessage{Role: RoleAssistant, Text: assistantText, TurnID: tok.Turn()})
	if pl.p.Memory != nil {
		if err := pl.p.Memory.RecordTurn(ctx, pl.session.UserID, userText, assistantText); err != nil {
			pl.log.Warn("memory record failed", "error", err)
		}
	}

	return TurnOutcome{
		State:         StateCompleted,
		AssistantText: assistantText,
		Latency:       buildLatency(timing, firstRequestAt, llmDoneAt, ttsRequestAt, firstFrameAt, ttsEndAt),
	}
}

// buildLatency derives a best-effort LatencyBreakdown from the timestamps
// collected over the course of one turn. Any timestamp that was never
// reached (e.g. no TTS session was opened) leaves its dependent fields zero.
func buildLatency(timing turnTiming, firstRequestAt, llmDoneAt, ttsRequestAt, firstFrameAt, ttsEndAt time.Time) LatencyBreakdown {
	var lb LatencyBreakdown
	if !timing.sttFinalAt.IsZero() {
		lb.UserStopToSTTFinal = timing.sttFinalAt.Sub(timing.userStopAt)
		lb.STTDuration = timing.sttFinalAt.Sub(timing.utteranceStartAt)
	}
	if !llmDoneAt.IsZero() {
		lb.LLMDuration = llmDoneAt.Sub(firstRequestAt)
	}
	if !firstFrameAt.IsZero() {
		lb.UserStopToFirstTTSByte = firstFrameAt.Sub(timing.userStopAt)
		lb.UserStopToFirstAudio = firstFrameAt.Sub(timing.userStopAt)
	}
	if !ttsRequestAt.IsZero() && !ttsEndAt.IsZero() {
		lb.TTSDuration = ttsEndAt.Sub(ttsRequestAt)
	}
	return lb
}

// forwardTTSFrames pipes synthesized audio to the playback device until the
// session's Frames channel closes or ctx is cancelled. firstFrameOnce fires
// firstFrame the first time a frame is forwarded, for the caller's TTS
// first-frame timeout watcher.
func (pl *Pipeline) forwardTTSFrames(ctx context.Context, tts TTSSession, firstFrameOnce *sync.Once, firstFrame chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-tts.Frames():
			if !ok {
				return nil
			}
			firstFrameOnce.Do(func() { close(firstFrame) })
			if pl.p.AEC != nil {
				pl.p.AEC.SubmitReference(frame)
			}
			if err := pl.p.Playback.Submit(ctx, frame); err != nil {
				return err
			}
			// Refresh the echo-grace anchor on every frame actually handed to
			// playback, so a long reply keeps its protection for its whole
			// duration rather than only the first graceMS after Speaking began.
			pl.bargeIn.NotifyPlaybackFrame()
		}
	}
}

// buildMessages assembles the ordered message list sent to the LLM: system
// prompt, recalled memory snippets (if any), then bounded conversation
// history. The memory lookup is bounded independently of the turn's own
// deadline: a slow memory store must never stall generation.
func (pl *Pipeline) buildMessages(ctx context.Context, systemPrompt, userText string) []ConversationMessage {
	var out []ConversationMessage
	if systemPrompt != "" {
		out = append(out, ConversationMessage{Role: RoleSystem, Text: systemPrompt})
	}
	if pl.p.Memory != nil {
		searchCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		snippets, err := pl.p.Memory.Search(searchCtx, userText, pl.session.UserID, 5)
		cancel()
		if err != nil {
			pl.log.Warn("memory search failed", "error", err)
		} else if len(snippets) > 0 {
			var b strings.Builder
			b.WriteString("Relevant memory:\n")
			for _, s := range snippets {
				b.WriteString("- ")
				b.WriteString(s.Text)
				b.WriteString("\n")
			}
			out = append(out, ConversationMessage{Role: RoleSystem, Text: b.String()})
		}
	}
	out = append(out, pl.session.Snapshot()...)
	return out
}

// runToolCallsAndAppend executes every tool call concurrently and appends
// each result as a system message, in call order; the caller's LLM Open
// restarts generation under the same TurnID via the conversation history
// that now includes the tool results. A failing call never aborts its
// siblings — its failure is folded into the appended message instead.
func (pl *Pipeline) runToolCallsAndAppend(ctx context.Context, calls []ToolCall) {
	results := make([]string, len(calls))

	var eg errgroup.Group
	for i, c := range calls {
		i, c := i, c
		eg.Go(func() error {
			result, err := pl.p.Executor.Execute(ctx, c)
			if err != nil {
				pl.log.Warn("tool execution failed", "tool", c.Name, "error", err)
				result = fmt.Sprintf("tool %q failed: %v", c.Name, err)
			}
			results[i] = fmt.Sprintf("[tool:%s] %s", c.Name, result)
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range results {
		pl.session.Append(ConversationMessage{Role: RoleSystem, Text: r})
	}
}

func failedOutcome(state TurnState, kind ErrorKind, err error) TurnOutcome {
	return TurnOutcome{State: state, ErrorKind: kind, Err: err}
}

func cancelledOutcome(tok *CancellationToken, partial string) TurnOutcome {
	reason := tok.Reason()
	if reason == "" {
		reason = CancelReasonBargeIn
	}
	return TurnOutcome{
		TurnID:        tok.Turn(),
		State:         StateCancelling,
		CancelReason:  reason,
		AssistantText: partial,
	}
}

// SubmitText lets a text-only caller (CLI mode) drive a turn without audio
// capture/ASR, reusing the same generation/TTS/playback path. A call that
// arrives while a turn is already active is treated as an explicit barge-in
// (§4.9's edge policy): the active turn is cancelled the same way a spoken
// interruption would cancel it, and the new turn starts once it has
// actually wound down.
func (pl *Pipeline) SubmitText(ctx context.Context, text string) {
	if pl.State() != StateIdle {
		pl.log.Info("SubmitText received during an active turn, treating as an explicit barge-in", "state", pl.State())
		pl.mu.Lock()
		tok := pl.cancelTok
		pl.mu.Unlock()
		if tok != nil {
			tok.Trigger(CancelReasonExplicit)
		}
		_ = pl.p.Playback.Abort()
		pl.waitIdle()
	}
	now := time.Now()
	pl.runTurn(ctx, text, turnTiming{utteranceStartAt: now, userStopAt: now, sttFinalAt: now})
}
