package pipeline

import "sync"

// ConversationSession is the orchestrator-owned, bounded conversation history
// for one user. Mutations only ever occur on the orchestrator's own
// goroutine, but the accessors remain lock-protected so read-only callers
// (CLI printers, tests) can safely observe it concurrently.
type ConversationSession struct {
	mu            sync.RWMutex
	UserID        string
	History       []ConversationMessage
	MaxMessages   int
	lastUserText  string
	lastAssistant string
}

// NewConversationSession creates a session bounded to maxMessages (0 uses the
// package default of 20).
func NewConversationSession(userID string, maxMessages int) *ConversationSession {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	return &ConversationSession{
		UserID:      userID,
		History:     []ConversationMessage{},
		MaxMessages: maxMessages,
	}
}

// Append adds a message to history, trimming the oldest entries beyond
// MaxMessages. Callers must only append an assistant message once a turn
// has actually completed, never speculatively mid-generation.
func (s *ConversationSession) Append(msg ConversationMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.History = append(s.History, msg)
	if len(s.History) > s.MaxMessages {
		s.History = s.History[len(s.History)-s.MaxMessages:]
	}
	switch msg.Role {
	case RoleUser:
		s.lastUserText = msg.Text
	case RoleAssistant:
		s.lastAssistant = msg.Text
	}
}

// Snapshot returns a defensive copy of the current history.
func (s *ConversationSession) Snapshot() []ConversationMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConversationMessage, len(s.History))
	copy(out, s.History)
	return out
}

// LastUserText returns the most recently appended user message.
func (s *ConversationSession) LastUserText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUserText
}

// LastAssistantText returns the most recently appended assistant message.
func (s *ConversationSession) LastAssistantText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAssistant
}

// Clear resets history. With keepSystem it keeps the system messages already
// present; without it every message is dropped.
func (s *ConversationSession) Clear(keepSystem bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !keepSystem {
		s.History = []ConversationMessage{}
		s.lastUserText = ""
		s.lastAssistant = ""
		return
	}

	kept := s.History[:0:0]
	for _, m := range s.History {
		if m.Role == RoleSystem {
			kept = append(kept, m)
		}
	}
	s.History = kept
	s.lastUserText = ""
	s.lastAssistant = ""
}
