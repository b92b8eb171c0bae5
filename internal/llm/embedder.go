package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Embedder converts text to fixed-length float vectors via the provider's
// embedding endpoint.
type Embedder struct {
	api   openai.Client
	model string
}

// NewEmbedder creates an Embedder for the given provider options.
func NewEmbedder(opts Options) *Embedder {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Embedder{
		api:   openai.NewClient(reqOpts...),
		model: opts.Model,
	}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding text: got %d vectors, want 1", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch returns embedding vectors for multiple texts in one provider
// call, in input order. Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding texts: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding texts: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	results := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= len(results) {
			return nil, fmt.Errorf("embedding texts: index %d out of range", i)
		}
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		results[i] = vec
	}
	return results, nil
}
