// Package embeddings provides EmbeddingProvider implementations.
package embeddings

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider adapts the go-openai embeddings endpoint to
// providers.EmbeddingProvider.
type OpenAIProvider struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	dimension int
	batchSize int
}

// NewOpenAIProvider builds a provider for the given model. dimension
// must match the model's actual output size; nothing checks it against
// the vectors the model returns.
func NewOpenAIProvider(apiKey string, model openai.EmbeddingModel, dimension int) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model, dimension: dimension, batchSize: 256}
}

// ModelFromName resolves a configured model name string to the
// go-openai embedding model constant, defaulting to
// text-embedding-3-small for an unrecognized or empty name.
func ModelFromName(name string) openai.EmbeddingModel {
	switch name {
	case string(openai.SmallEmbedding3):
		return openai.SmallEmbedding3
	case string(openai.LargeEmbedding3):
		return openai.LargeEmbedding3
	case string(openai.AdaEmbeddingV2):
		return openai.AdaEmbeddingV2
	default:
		return openai.SmallEmbedding3
	}
}

func (p *OpenAIProvider) Dimension() int    { return p.dimension }
func (p *OpenAIProvider) MaxBatchSize() int { return p.batchSize }

// Embed requests embeddings for texts in batches of at most
// MaxBatchSize, always returning exactly len(texts) vectors in the
// same order — a provider that returns fewer vectors than inputs (a
// partial batch failure) is treated as a single error, not a short
// slice the caller has to defensively index-check.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: batch,
			Model: p.model,
		})
		if err != nil {
			return nil, fmt.Errorf("embeddings: openai request: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embeddings: provider returned %d vectors for %d inputs", len(resp.Data), len(batch))
		}
		for _, d := range resp.Data {
			out = append(out, d.Embedding)
		}
	}
	return out, nil
}
