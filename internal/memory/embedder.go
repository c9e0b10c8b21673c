package memory

import (
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// Embedder maps text to a dense vector for semantic search. A nil Embedder
// tells PostgresStore to fall back to full-text search instead of pgvector
// similarity.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// OpenAIEmbedder implements Embedder using OpenAI's embeddings endpoint.
type OpenAIEmbedder struct {
	client oai.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder builds an Embedder for the given model. If model is
// empty, text-embedding-3-small is used.
func NewOpenAIEmbedder(apiKey, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("memory: openai embedder requires an api key")
	}
	if model == "" {
		model = string(oai.EmbeddingModelTextEmbedding3Small)
	}
	client := oai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIEmbedder{client: client, model: model, dims: embeddingDimensions(model)}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("memory: openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("memory: openai embed: empty response")
	}
	out := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func embeddingDimensions(model string) int {
	switch {
	case strings.Contains(model, "text-embedding-3-large"):
		return 3072
	case strings.Contains(model, "text-embedding-3-small"):
		return 1536
	case strings.Contains(model, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536
	}
}
