package pipeline

import "testing"

func TestConversationSessionAppendTrimsToMaxMessages(t *testing.T) {
	s := NewConversationSession("u1", 2)
	s.Append(ConversationMessage{Role: RoleUser, Text: "one"})
	s.Append(ConversationMessage{Role: RoleAssistant, Text: "two"})
	s.Append(ConversationMessage{Role: RoleUser, Text: "three"})

	got := s.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Text != "two" || got[1].Text != "three" {
		t.Fatalf("got = %+v, want the two most recent messages", got)
	}
}

func TestConversationSessionDefaultsMaxMessages(t *testing.T) {
	s := NewConversationSession("u1", 0)
	if s.MaxMessages != 20 {
		t.Fatalf("MaxMessages = %d, want default of 20", s.MaxMessages)
	}
}

func TestConversationSessionSnapshotIsDefensiveCopy(t *testing.T) {
	s := NewConversationSession("u1", 10)
	s.Append(ConversationMessage{Role: RoleUser, Text: "hi"})

	snap := s.Snapshot()
	snap[0].Text = "mutated"

	again := s.Snapshot()
	if again[0].Text != "hi" {
		t.Fatalf("mutating a snapshot affected session state: %+v", again)
	}
}

func TestConversationSessionTracksLastUserAndAssistantText(t *testing.T) {
	s := NewConversationSession("u1", 10)
	s.Append(ConversationMessage{Role: RoleUser, Text: "question"})
	s.Append(ConversationMessage{Role: RoleAssistant, Text: "answer"})
	s.Append(ConversationMessage{Role: RoleSystem, Text: "[tool:foo] result"})

	if got := s.LastUserText(); got != "question" {
		t.Fatalf("LastUserText() = %q", got)
	}
	if got := s.LastAssistantText(); got != "answer" {
		t.Fatalf("LastAssistantText() = %q", got)
	}
}

func TestConversationSessionClearWithoutKeepSystemDropsEverything(t *testing.T) {
	s := NewConversationSession("u1", 10)
	s.Append(ConversationMessage{Role: RoleSystem, Text: "sys"})
	s.Append(ConversationMessage{Role: RoleUser, Text: "hi"})

	s.Clear(false)

	if got := s.Snapshot(); len(got) != 0 {
		t.Fatalf("Snapshot() = %+v, want empty", got)
	}
	if s.LastUserText() != "" || s.LastAssistantText() != "" {
		t.Fatalf("Clear(false) did not reset last-text tracking")
	}
}

func TestConversationSessionClearKeepSystemRetainsOnlySystemMessages(t *testing.T) {
	s := NewConversationSession("u1", 10)
	s.Append(ConversationMessage{Role: RoleSystem, Text: "sys1"})
	s.Append(ConversationMessage{Role: RoleUser, Text: "hi"})
	s.Append(ConversationMessage{Role: RoleAssistant, Text: "reply"})
	s.Append(ConversationMessage{Role: RoleSystem, Text: "sys2"})

	s.Clear(true)

	got := s.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 system messages: %+v", len(got), got)
	}
	for _, m := range got {
		if m.Role != RoleSystem {
			t.Fatalf("Clear(true) kept a non-system message: %+v", m)
		}
	}
}
