package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// EmbeddingDim is the requested output dimensionality. It matches the
// vector column width in db/migrations and stays under pgvector's HNSW
// index limit.
const EmbeddingDim = 768

// Embedder generates embeddings for the semantic store using the Gemini
// embedding models.
type Embedder struct {
	client *genai.Client
	model  string
}

// NewEmbedder creates an embedder sharing the provider's client.
func (p *Provider) NewEmbedder(embedModel string) *Embedder {
	return &Embedder{client: p.client, model: embedModel}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{
			TaskType:             "SEMANTIC_SIMILARITY",
			OutputDimensionality: genai.Ptr(int32(EmbeddingDim)),
		})
	if err != nil {
		return nil, fmt.Errorf("embedding content: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return result.Embeddings[0].Values, nil
}
