package types

import "context"

// Reranker scores (query, document text) pairs with a cross-encoder.
type Reranker interface {
	// Score returns one relevance score per text, in input order. Scores are
	// unbounded and not comparable with fusion scores.
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}
