// Package toolcatalog builds pipeline.ToolDefinition values (and the
// executor that answers their calls) from ordinary Go structs, using
// reflection-based JSON Schema generation instead of hand-written schema
// literals.
package toolcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/duplexvoice/voiceloop/internal/pipeline"
)

// Catalog holds a set of named tools and dispatches ToolCall invocations to
// their registered handlers. It implements pipeline.ToolExecutor.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	def     pipeline.ToolDefinition
	execute func(ctx context.Context, argumentsJSON string) (string, error)
}

// NewCatalog returns an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]entry)}
}

// Register adds a tool named name to the catalog. Args is the zero value of
// the struct describing the tool's parameters; its JSON Schema is derived
// via reflection and offered to the LLM verbatim. handler is called with the
// parameters decoded into a fresh *Args whenever the model invokes the tool.
func Register[Args any](c *Catalog, name, description string, handler func(ctx context.Context, args Args) (string, error)) {
	reflector := &jsonschema.Reflector{DoNotReference: true}
	var zero Args
	schema := reflector.Reflect(&zero)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = entry{
		def: pipeline.ToolDefinition{
			Name:             name,
			Description:      description,
			ParametersSchema: schema,
		},
		execute: func(ctx context.Context, argumentsJSON string) (string, error) {
			var args Args
			if argumentsJSON != "" {
				if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
					return "", fmt.Errorf("toolcatalog: decode arguments for %q: %w", name, err)
				}
			}
			return handler(ctx, args)
		},
	}
}

// Definitions returns every registered tool's definition, in the form
// LLMStream.Open expects.
func (c *Catalog) Definitions() []pipeline.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs := make([]pipeline.ToolDefinition, 0, len(c.entries))
	for _, e := range c.entries {
		defs = append(defs, e.def)
	}
	return defs
}

// Execute implements pipeline.ToolExecutor.
func (c *Catalog) Execute(ctx context.Context, call pipeline.ToolCall) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[call.Name]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("toolcatalog: unknown tool %q", call.Name)
	}
	return e.execute(ctx, call.Arguments)
}
