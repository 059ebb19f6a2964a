package interfaces

import (
	"context"

	"github.com/obok127/smartstore-chatbot/rag/types"
)

// Engine is the retrieval surface the knowledge base exposes to its callers.
type Engine interface {
	Upsert(ctx context.Context, docs []types.Document) (types.UpsertReport, error)
	Retrieve(ctx context.Context, query string, k int) types.Results
	Reset(ctx context.Context) error
	RebuildMissing(ctx context.Context, batchSize int) (types.RebuildReport, error)
	Count() int
}

// Embedder turns texts into unit-normalised vectors of a fixed length.
type Embedder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// VectorHit is a nearest-neighbour match; Distance is the cosine distance.
type VectorHit struct {
	ID       string
	Distance float64
}

// VectorStore is a persistent id-keyed nearest-neighbour index.
type VectorStore interface {
	Upsert(ctx context.Context, ids []string, vectors [][]float32, metadata []map[string]string) error
	Query(ctx context.Context, vector []float32, topN int) ([]VectorHit, error)
	// ProbeStoredDimension reports the length of vectors already stored.
	// ok is false when nothing is stored yet.
	ProbeStoredDimension(ctx context.Context) (dim int, ok bool, err error)
	Has(ctx context.Context, id string) (bool, error)
	Count() int
	Reset(ctx context.Context) error
}
