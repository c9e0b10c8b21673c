// Package llm adapts github.com/mozilla-ai/any-llm-go, a unified
// multi-provider chat-completion client, to the pipeline.LLMStream contract.
// Swapping providers (openai, anthropic, gemini, ollama, deepseek, mistral,
// groq, llamacpp, llamafile) is a constructor argument, never a code change.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/duplexvoice/voiceloop/internal/pipeline"
)

// Stream implements pipeline.LLMStream against any-llm-go's unified
// Provider interface.
type Stream struct {
	backend     anyllmlib.Provider
	providerTag string
	model       string
	temperature float64
	maxTokens   int
	log         pipeline.Logger

	mu       sync.Mutex
	lastCall []pipeline.ToolCall
}

// New builds a Stream for the given provider name and model. opts are
// any-llm-go configuration options (anyllmlib.WithAPIKey, WithBaseURL, ...);
// with none given, each backend falls back to its usual environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, GROQ_API_KEY, ...).
func New(providerName, model string, temperature float64, maxTokens int, log pipeline.Logger, opts ...anyllmlib.Option) (*Stream, error) {
	if providerName == "" || model == "" {
		return nil, fmt.Errorf("llm: providerName and model are required")
	}
	if log == nil {
		log = pipeline.NoOpLogger{}
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: create %q backend: %w", providerName, err)
	}
	return &Stream{
		backend:     backend,
		providerTag: strings.ToLower(providerName),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		log:         log,
	}, nil
}

// backendConstructor builds one any-llm-go provider backend from options.
type backendConstructor func(opts ...anyllmlib.Option) (anyllmlib.Provider, error)

// hostedBackends and localBackends list the hosted-API backends and the
// local-inference backends separately; createBackend looks a name up in both.
var hostedBackends = map[string]backendConstructor{
	"openai":    anyllmoai.New,
	"anthropic": anthropic.New,
	"gemini":    gemini.New,
	"groq":      groq.New,
	"deepseek":  deepseek.New,
	"mistral":   mistral.New,
}

var localBackends = map[string]backendConstructor{
	"ollama":    ollama.New,
	"llamacpp":  llamacpp.New,
	"llamafile": llamafile.New,
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	name := strings.ToLower(providerName)
	if ctor, ok := hostedBackends[name]; ok {
		return ctor(opts...)
	}
	if ctor, ok := localBackends[name]; ok {
		return ctor(opts...)
	}
	known := make([]string, 0, len(hostedBackends)+len(localBackends))
	for n := range hostedBackends {
		known = append(known, n)
	}
	for n := range localBackends {
		known = append(known, n)
	}
	return nil, fmt.Errorf("no any-llm-go backend registered for %q (known: %s)", providerName, strings.Join(known, ", "))
}

// Name identifies the backend provider, for logging and metrics labels.
func (s *Stream) Name() string { return s.providerTag + ":" + s.model }

// Open starts a streaming completion and translates backend chunks into
// pipeline.Token values. The returned channel closes when the backend
// finishes or ctx is cancelled; accumulated tool calls become available
// through ToolCalls once the channel closes.
func (s *Stream) Open(ctx context.Context, messages []pipeline.ConversationMessage, tools []pipeline.ToolDefinition) (<-chan pipeline.Token, error) {
	params := s.buildParams(messages, tools)

	backendChunks, backendErrs := s.backend.CompletionStream(ctx, params)

	out := make(chan pipeline.Token, 32)
	go func() {
		defer close(out)

		type partialCall struct {
			id, name, args string
		}
		accum := map[int]*partialCall{}
		index := 0

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			for i, tc := range delta.ToolCalls {
				pc, ok := accum[i]
				if !ok {
					pc = &partialCall{}
					accum[i] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args += tc.Function.Arguments
			}

			if delta.Content != "" {
				select {
				case out <- pipeline.Token{Text: delta.Content, Index: index}:
					index++
				case <-ctx.Done():
					return
				}
			}
		}

		calls := make([]pipeline.ToolCall, 0, len(accum))
		for i := 0; i < len(accum); i++ {
			if pc, ok := accum[i]; ok {
				calls = append(calls, pipeline.ToolCall{ID: pc.id, Name: pc.name, Arguments: pc.args})
			}
		}
		s.mu.Lock()
		s.lastCall = calls
		s.mu.Unlock()

		if err := <-backendErrs; err != nil && ctx.Err() == nil {
			s.log.Warn("llm stream ended with error", "provider", s.providerTag, "error", err)
		}
	}()

	return out, nil
}

// ToolCalls returns the tool calls accumulated by the most recently
// completed Open call.
func (s *Stream) ToolCalls() []pipeline.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCall
}

func (s *Stream) buildParams(messages []pipeline.ConversationMessage, tools []pipeline.ToolDefinition) anyllmlib.CompletionParams {
	converted := make([]anyllmlib.Message, 0, len(messages))
	for _, m := range messages {
		converted = append(converted, anyllmlib.Message{
			Role:    anyllmlib.Role(m.Role),
			Content: m.Text,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    s.model,
		Messages: converted,
	}
	if s.temperature != 0 {
		t := s.temperature
		params.Temperature = &t
	}
	if s.maxTokens > 0 {
		mt := s.maxTokens
		params.MaxTokens = &mt
	}
	for _, td := range tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.ParametersSchema,
			},
		})
	}
	return params
}
