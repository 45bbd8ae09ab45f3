package knowledge

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// EmbedFunc produces a fixed-length embedding for a piece of text. The
// retriever and reconciler consume this narrow shape instead of the full
// Genkit embedder surface.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// NewEmbedFunc adapts a Genkit ai.Embedder to an EmbedFunc.
func NewEmbedFunc(embedder ai.Embedder) EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		req := &ai.EmbedRequest{
			Input: []*ai.Document{
				ai.DocumentFromText(text, nil),
			},
		}

		resp, err := embedder.Embed(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("embed failed: %w", err)
		}

		if len(resp.Embeddings) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}

		return resp.Embeddings[0].Embedding, nil
	}
}

// DisabledEmbedFunc is the EmbedFunc used when the embedding service is
// feature-flagged off. It reports no embedding without error, which steers
// retrieval onto its substring fallback.
func DisabledEmbedFunc(context.Context, string) ([]float32, error) {
	return nil, nil
}
