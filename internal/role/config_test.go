package role

import (
	"os"
	"path/filepath"
	"testing"
)

const fixtureYAML = `
roles:
  - name: concise_assistant
    prompt: "You are a concise voice assistant. Use short sentences."
    max_reply_chars: 400
    style: ["no emoji", "no markdown"]
  - name: storyteller
    prompt: "You narrate in a warm, unhurried voice."
    max_reply_chars: 1200
`

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	if err := os.WriteFile(path, []byte(fixtureYAML), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadFileParsesMultipleRoles(t *testing.T) {
	path := writeFixture(t)

	roles, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("len(roles) = %d, want 2", len(roles))
	}
	concise := roles["concise_assistant"]
	if concise == nil {
		t.Fatal("missing concise_assistant role")
	}
	if concise.SystemPrompt() != "You are a concise voice assistant. Use short sentences." {
		t.Fatalf("unexpected prompt: %q", concise.SystemPrompt())
	}
	if concise.MaxReplyChars() != 400 {
		t.Fatalf("MaxReplyChars() = %d, want 400", concise.MaxReplyChars())
	}
	if len(concise.StyleTags()) != 2 {
		t.Fatalf("StyleTags() = %v, want 2 entries", concise.StyleTags())
	}
}

func TestSelectReturnsNamedRole(t *testing.T) {
	path := writeFixture(t)

	r, err := Select(path, "storyteller")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if r.MaxReplyChars() != 1200 {
		t.Fatalf("MaxReplyChars() = %d, want 1200", r.MaxReplyChars())
	}
}

func TestSelectUnknownRoleErrors(t *testing.T) {
	path := writeFixture(t)
	if _, err := Select(path, "nonexistent"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestLoadFileRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	dup := "roles:\n  - name: a\n    prompt: x\n  - name: a\n    prompt: y\n"
	if err := os.WriteFile(path, []byte(dup), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}
