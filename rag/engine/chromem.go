package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/renameio"
	"github.com/mudler/xlog"
	"github.com/obok127/smartstore-chatbot/rag/interfaces"
	"github.com/obok127/smartstore-chatbot/rag/types"
	"github.com/philippgille/chromem-go"
)

// ChromemDB is a persistent cosine nearest-neighbour index keyed by
// document id. Vectors are always supplied by the caller; the collection
// never embeds on its own.
type ChromemDB struct {
	collectionName string
	path           string
	db             *chromem.DB
	collection     *chromem.Collection
}

// vectorMeta records which vector to read when probing the stored
// dimension, so the probe never has to scan the collection.
type vectorMeta struct {
	Dimensions int    `json:"dimensions"`
	ProbeID    string `json:"probe_id"`
}

var _ interfaces.VectorStore = (*ChromemDB)(nil)

func NewChromemDBCollection(collection, path string) (*ChromemDB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}

	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index at %s: %w", path, err)
	}

	c := &ChromemDB{
		collectionName: collection,
		path:           path,
		db:             db,
	}

	col, err := db.GetOrCreateCollection(collection, map[string]string{"space": "cosine"}, noEmbedding)
	if err != nil {
		return nil, err
	}
	c.collection = col

	return c, nil
}

// noEmbedding guards against chromem embedding content by itself.
func noEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("vector index requires precomputed embeddings")
}

func (c *ChromemDB) Count() int {
	return c.collection.Count()
}

func (c *ChromemDB) Reset(ctx context.Context) error {
	if err := c.db.DeleteCollection(c.collectionName); err != nil {
		return fmt.Errorf("error deleting collection: %v", err)
	}
	collection, err := c.db.GetOrCreateCollection(c.collectionName, map[string]string{"space": "cosine"}, noEmbedding)
	if err != nil {
		return fmt.Errorf("error creating collection: %v", err)
	}
	c.collection = collection

	if err := os.Remove(c.metaPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Upsert stores vectors by id, replacing any previous vector with the same id.
func (c *ChromemDB) Upsert(ctx context.Context, ids []string, vectors [][]float32, metadata []map[string]string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) || len(ids) != len(metadata) {
		return fmt.Errorf("ids, vectors and metadata length mismatch: %d, %d, %d", len(ids), len(vectors), len(metadata))
	}

	dim := len(vectors[0])
	documents := make([]chromem.Document, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != dim {
			return fmt.Errorf("%w: vector %q has %d dimensions, batch has %d", types.ErrDimensionMismatch, id, len(vectors[i]), dim)
		}
		documents[i] = chromem.Document{
			ID:        id,
			Metadata:  metadata[i],
			Embedding: vectors[i],
		}
	}

	if err := c.collection.AddDocuments(ctx, documents, runtime.NumCPU()); err != nil {
		return err
	}

	return c.writeMeta(vectorMeta{Dimensions: dim, ProbeID: ids[0]})
}

// Query returns the topN nearest vectors with their cosine distance.
func (c *ChromemDB) Query(ctx context.Context, vector []float32, topN int) ([]interfaces.VectorHit, error) {
	count := c.collection.Count()
	if count == 0 || topN <= 0 {
		return []interfaces.VectorHit{}, nil
	}
	if topN > count {
		topN = count
	}

	res, err := c.collection.QueryEmbedding(ctx, vector, topN, nil, nil)
	if err != nil {
		return nil, err
	}

	hits := make([]interfaces.VectorHit, 0, len(res))
	for _, r := range res {
		hits = append(hits, interfaces.VectorHit{
			ID:       r.ID,
			Distance: 1 - float64(r.Similarity),
		})
	}
	return hits, nil
}

func (c *ChromemDB) Has(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := c.collection.GetByID(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case strings.Contains(err.Error(), "not found"):
		return false, nil
	default:
		return false, fmt.Errorf("failed to look up %q: %w", id, err)
	}
}

// ProbeStoredDimension reads the length of one stored vector.
func (c *ChromemDB) ProbeStoredDimension(ctx context.Context) (int, bool, error) {
	if c.collection.Count() == 0 {
		return 0, false, nil
	}

	meta, err := c.readMeta()
	if err != nil {
		return 0, false, err
	}
	if meta == nil {
		return 0, false, fmt.Errorf("vector index at %s holds %d vectors but no probe record", c.path, c.collection.Count())
	}

	doc, err := c.collection.GetByID(ctx, meta.ProbeID)
	if err != nil {
		xlog.Debug("Probe vector not found, using recorded dimensions", "id", meta.ProbeID, "error", err)
		return meta.Dimensions, meta.Dimensions > 0, nil
	}
	return len(doc.Embedding), true, nil
}

// metaPath sits next to the chromem directory, not inside it.
func (c *ChromemDB) metaPath() string {
	return filepath.Clean(c.path) + ".meta.json"
}

func (c *ChromemDB) readMeta() (*vectorMeta, error) {
	data, err := os.ReadFile(c.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	meta := &vectorMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", c.metaPath(), err)
	}
	return meta, nil
}

func (c *ChromemDB) writeMeta(meta vectorMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return renameio.WriteFile(c.metaPath(), data, 0644)
}
