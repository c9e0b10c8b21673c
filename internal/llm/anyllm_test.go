package llm

import (
	"testing"

	"github.com/duplexvoice/voiceloop/internal/pipeline"
)

func TestBuildParamsTranslatesMessagesAndTools(t *testing.T) {
	s := &Stream{model: "gpt-4o", temperature: 0.7, maxTokens: 512, log: pipeline.NoOpLogger{}}

	messages := []pipeline.ConversationMessage{
		{Role: pipeline.RoleSystem, Text: "be concise"},
		{Role: pipeline.RoleUser, Text: "hello"},
	}
	tools := []pipeline.ToolDefinition{
		{Name: "lookup", Description: "looks things up", ParametersSchema: map[string]any{"type": "object"}},
	}

	params := s.buildParams(messages, tools)

	if params.Model != "gpt-4o" {
		t.Fatalf("model = %q, want gpt-4o", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Content != "be concise" || params.Messages[1].Content != "hello" {
		t.Fatalf("unexpected message content: %+v", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Fatalf("Temperature = %v, want 0.7", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Fatalf("MaxTokens = %v, want 512", params.MaxTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "lookup" {
		t.Fatalf("unexpected tools: %+v", params.Tools)
	}
}

func TestBuildParamsOmitsZeroValuedTemperatureAndTokens(t *testing.T) {
	s := &Stream{model: "gpt-4o", log: pipeline.NoOpLogger{}}
	params := s.buildParams(nil, nil)
	if params.Temperature != nil {
		t.Fatalf("Temperature = %v, want nil", params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Fatalf("MaxTokens = %v, want nil", params.MaxTokens)
	}
}
