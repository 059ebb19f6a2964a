package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/mudler/xlog"
	"github.com/obok127/smartstore-chatbot/rag/interfaces"
	"github.com/obok127/smartstore-chatbot/rag/types"
	"github.com/panjf2000/ants/v2"
)

// Reindexer embeds the documents that have no vector in the index yet. The
// missing set is always derived from ids, never from an offset, so a run
// that stopped half way picks up where it left off.
type Reindexer struct {
	embedder    interfaces.Embedder
	vectors     interfaces.VectorStore
	prefix      string
	concurrency int
}

func NewReindexer(embedder interfaces.Embedder, vectors interfaces.VectorStore, prefix string, concurrency int) *Reindexer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Reindexer{
		embedder:    embedder,
		vectors:     vectors,
		prefix:      prefix,
		concurrency: concurrency,
	}
}

// Missing splits docs into those already indexed and those that are not,
// keeping the input order.
func (r *Reindexer) Missing(ctx context.Context, docs []types.Document) (existing int, missing []types.Document, err error) {
	for _, d := range docs {
		ok, err := r.vectors.Has(ctx, d.ID)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to look up %q in vector index: %w", d.ID, err)
		}
		if ok {
			existing++
			continue
		}
		missing = append(missing, d)
	}
	return existing, missing, nil
}

// RebuildMissing embeds and upserts every document of docs that the vector
// index does not hold, in batches of at most batchSize.
func (r *Reindexer) RebuildMissing(ctx context.Context, docs []types.Document, batchSize int) (types.RebuildReport, error) {
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}

	report := types.RebuildReport{Total: len(docs)}
	existing, missing, err := r.Missing(ctx, docs)
	if err != nil {
		return report, err
	}
	report.Existing = existing

	if len(missing) == 0 {
		xlog.Info("Vector index is complete", "total", report.Total)
		return report, nil
	}

	batches := splitBatches(missing, batchSize)
	xlog.Info("Rebuilding missing vectors", "total", report.Total, "existing", existing, "missing", len(missing), "batches", len(batches))

	pool, err := ants.NewPool(r.concurrency)
	if err != nil {
		return report, err
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for i, batch := range batches {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()

			mu.Lock()
			stop := firstErr != nil
			mu.Unlock()
			if stop {
				return
			}
			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}

			if err := r.indexBatch(ctx, batch); err != nil {
				fail(fmt.Errorf("batch %d: %w", i+1, err))
				return
			}

			mu.Lock()
			report.Added += len(batch)
			added := report.Added
			mu.Unlock()

			reindexedDocuments.Add(float64(len(batch)))
			xlog.Info("Reindexed batch", "batch", i+1, "batches", len(batches), "added", added, "missing", len(missing))
		})
		if err != nil {
			wg.Done()
			fail(err)
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return report, fmt.Errorf("%w: %w", types.ErrIngestion, firstErr)
	}
	return report, nil
}

func (r *Reindexer) indexBatch(ctx context.Context, batch []types.Document) error {
	ids := make([]string, len(batch))
	texts := make([]string, len(batch))
	metadata := make([]map[string]string, len(batch))
	for i, d := range batch {
		ids[i] = d.ID
		texts[i] = d.Text
		metadata[i] = d.Metadata()
	}

	vectors, err := embedWithPrefix(ctx, r.embedder, r.prefix, texts)
	if err != nil {
		return err
	}
	return r.vectors.Upsert(ctx, ids, vectors, metadata)
}

func splitBatches(docs []types.Document, size int) [][]types.Document {
	batches := make([][]types.Document, 0, (len(docs)+size-1)/size)
	for start := 0; start < len(docs); start += size {
		batches = append(batches, docs[start:min(start+size, len(docs))])
	}
	return batches
}
