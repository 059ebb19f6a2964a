package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mudler/xlog"
	"github.com/obok127/smartstore-chatbot/rag/interfaces"
	"github.com/obok127/smartstore-chatbot/rag/types"
	"golang.org/x/sync/errgroup"
)

const (
	BM25File      = "bm25.json"
	DocumentsFile = "documents.json"

	DefaultDenseWeight = 0.2
	DefaultRerankTopK  = 20
)

// errStageSkipped marks a stage that had nothing to do. It is not a failure.
var errStageSkipped = errors.New("stage skipped")

// HybridConfig tunes the fusion policy and locates the lexical and
// document artifacts.
type HybridConfig struct {
	// DataPath holds bm25.json and documents.json.
	DataPath string

	// DenseWeight weighs cosine similarity; lexical scores get 1-DenseWeight.
	DenseWeight float64
	// RerankTopK is the rerank window and the lower bound of candidateK.
	RerankTopK     int
	FuzzyThreshold float64

	DocumentPrefix string
	QueryPrefix    string

	// ExpectedDimensions, when set, must match the provider dimension for
	// the dense stage to be enabled.
	ExpectedDimensions int

	ReindexConcurrency int
}

// HybridSearchEngine fuses dense, lexical and fuzzy retrieval over one
// corpus version and optionally reranks the best candidates.
//
// The engine does no locking of its own: writers (Upsert, Reset,
// RebuildMissing) must be serialized against readers by the caller.
type HybridSearchEngine struct {
	cfg HybridConfig

	embedder interfaces.Embedder
	vectors  interfaces.VectorStore
	reranker types.Reranker
	fuzzy    FuzzyMatcher

	docs      *DocumentStore
	lexical   *BM25Index
	reindexer *Reindexer

	denseEnabled bool
}

var _ interfaces.Engine = (*HybridSearchEngine)(nil)

type stageFunc func(ctx context.Context) ([]types.ScoredCandidate, error)

// NewHybridSearchEngine loads the persisted artifacts from cfg.DataPath and
// runs the dimension guard. reranker may be nil.
func NewHybridSearchEngine(ctx context.Context, embedder interfaces.Embedder, vectors interfaces.VectorStore, reranker types.Reranker, cfg HybridConfig) (*HybridSearchEngine, error) {
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = DefaultRerankTopK
	}
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if cfg.DenseWeight < 0 || cfg.DenseWeight > 1 {
		return nil, fmt.Errorf("dense weight must be within [0,1], got %v", cfg.DenseWeight)
	}

	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		return nil, err
	}

	docs, err := OpenDocumentStore(filepath.Join(cfg.DataPath, DocumentsFile))
	if err != nil {
		return nil, err
	}

	lexical, err := LoadBM25(filepath.Join(cfg.DataPath, BM25File))
	if err != nil {
		xlog.Warn("Failed to load lexical index, rebuilding it from the document store", "error", err)
		lexical = nil
	}

	h := &HybridSearchEngine{
		cfg:       cfg,
		embedder:  embedder,
		vectors:   vectors,
		reranker:  reranker,
		docs:      docs,
		lexical:   lexical,
		reindexer: NewReindexer(embedder, vectors, cfg.DocumentPrefix, cfg.ReindexConcurrency),
	}
	h.syncLexical()
	h.checkDimensions(ctx)

	xlog.Info("Hybrid search engine ready",
		"documents", docs.Len(),
		"vectors", vectors.Count(),
		"dense", h.denseEnabled,
		"reranker", reranker != nil)

	return h, nil
}

// syncLexical rebuilds the lexical model from the document store when the
// persisted one was built from another corpus version. documents.json is
// the commit point of an upsert, so a lexical file left behind by an
// interrupted commit is never trusted.
func (h *HybridSearchEngine) syncLexical() {
	if h.docs.Len() == 0 {
		h.lexical = nil
		return
	}

	ids, texts := h.docs.corpus()
	if h.lexical != nil && h.lexical.Corpus == corpusFingerprint(ids, texts) {
		return
	}

	xlog.Warn("Lexical index does not match the document store, rebuilding", "documents", len(ids))
	h.lexical = BuildBM25(ids, texts)
	if err := h.persistLexical(h.lexical); err != nil {
		xlog.Warn("Failed to persist rebuilt lexical index", "error", err)
	}
}

func (h *HybridSearchEngine) persistLexical(lexical *BM25Index) error {
	f, err := stageJSON(h.bm25Path(), lexical)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	return f.CloseAtomicallyReplace()
}

// checkDimensions disables the dense stage when the vectors already stored
// (or the configured expectation) disagree with the provider dimension.
func (h *HybridSearchEngine) checkDimensions(ctx context.Context) {
	dim := h.embedder.Dimensions()
	enabled := true

	if exp := h.cfg.ExpectedDimensions; exp > 0 && exp != dim {
		xlog.Warn("Configured embedding dimension does not match the model, dense stage disabled",
			"expected", exp, "provider", dim)
		enabled = false
	}

	stored, ok, err := h.vectors.ProbeStoredDimension(ctx)
	switch {
	case err != nil:
		xlog.Warn("Failed to probe vector index dimension, dense stage disabled", "error", err)
		enabled = false
	case ok && stored != dim:
		xlog.Warn("Vector index was built with another embedding dimension, dense stage disabled",
			"stored", stored, "provider", dim)
		enabled = false
	}

	h.denseEnabled = enabled
	if enabled {
		denseEnabledGauge.Set(1)
	} else {
		denseEnabledGauge.Set(0)
	}
}

// DenseEnabled reports whether the dense stage takes part in retrieval.
func (h *HybridSearchEngine) DenseEnabled() bool {
	return h.denseEnabled
}

// Count returns the number of documents in the current corpus version.
func (h *HybridSearchEngine) Count() int {
	return h.docs.Len()
}

// Documents returns the current corpus ordered by id.
func (h *HybridSearchEngine) Documents() []types.Document {
	ids := h.docs.IDs()
	out := make([]types.Document, 0, len(ids))
	for _, id := range ids {
		d, _ := h.docs.Get(id)
		out = append(out, d)
	}
	return out
}

func (h *HybridSearchEngine) bm25Path() string {
	return filepath.Join(h.cfg.DataPath, BM25File)
}

// Upsert replaces the corpus with docs. Embedding happens before anything is
// written and the vectors are stored before the document store is committed,
// so a failure up to that commit leaves the previous corpus visible. The
// lexical model is committed last; if that write fails it is rebuilt from
// the document store on the next start.
func (h *HybridSearchEngine) Upsert(ctx context.Context, docs []types.Document) (types.UpsertReport, error) {
	if err := types.ValidateBatch(docs); err != nil {
		return types.UpsertReport{}, err
	}
	if len(docs) == 0 {
		return types.UpsertReport{DenseOK: h.denseEnabled}, nil
	}

	ids := make([]string, len(docs))
	texts := make([]string, len(docs))
	metadata := make([]map[string]string, len(docs))
	docMap := make(map[string]types.Document, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		texts[i] = d.Text
		metadata[i] = d.Metadata()
		docMap[d.ID] = d
	}

	var vectors [][]float32
	if h.denseEnabled {
		xlog.Info("Embedding documents", "count", len(docs))
		var err error
		vectors, err = embedWithPrefix(ctx, h.embedder, h.cfg.DocumentPrefix, texts)
		if err != nil {
			return types.UpsertReport{}, fmt.Errorf("%w: %w", types.ErrIngestion, err)
		}
	}

	lexical := BuildBM25(ids, texts)
	lexicalFile, err := stageJSON(h.bm25Path(), lexical)
	if err != nil {
		return types.UpsertReport{}, fmt.Errorf("%w: failed to write lexical index: %w", types.ErrIngestion, err)
	}
	defer lexicalFile.Cleanup()

	docsFile, err := h.docs.stage(docMap)
	if err != nil {
		return types.UpsertReport{}, fmt.Errorf("%w: failed to write document store: %w", types.ErrIngestion, err)
	}
	defer docsFile.Cleanup()

	if vectors != nil {
		if err := h.vectors.Upsert(ctx, ids, vectors, metadata); err != nil {
			return types.UpsertReport{}, fmt.Errorf("%w: failed to upsert vectors: %w", types.ErrIngestion, err)
		}
	}

	// documents.json is the commit point: ids absent from it never hydrate.
	if err := docsFile.CloseAtomicallyReplace(); err != nil {
		return types.UpsertReport{}, fmt.Errorf("%w: failed to commit document store: %w", types.ErrIngestion, err)
	}
	if err := lexicalFile.CloseAtomicallyReplace(); err != nil {
		xlog.Warn("Failed to commit lexical index, it will be rebuilt on restart", "error", err)
	}

	h.lexical = lexical
	h.docs.swap(docMap)
	ingestedDocuments.Add(float64(len(docs)))

	xlog.Info("Documents ingested", "count", len(docs), "dense", h.denseEnabled)
	return types.UpsertReport{Ingested: len(docs), DenseOK: h.denseEnabled}, nil
}

// embedWithPrefix encodes prefix+text for every text and checks each vector
// against the provider dimension.
func embedWithPrefix(ctx context.Context, embedder interfaces.Embedder, prefix string, texts []string) ([][]float32, error) {
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = prefix + t
	}

	vectors, err := embedder.Encode(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("expected %d vectors, got %d", len(texts), len(vectors))
	}

	dim := embedder.Dimensions()
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, provider has %d", types.ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return vectors, nil
}

// Reset drops the whole corpus and re-runs the dimension guard against the
// now empty vector index. Resetting an empty engine is a no-op.
func (h *HybridSearchEngine) Reset(ctx context.Context) error {
	if err := h.vectors.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset vector index: %w", err)
	}
	if err := os.Remove(h.bm25Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lexical index: %w", err)
	}
	h.lexical = nil
	if err := h.docs.reset(); err != nil {
		return fmt.Errorf("failed to remove document store: %w", err)
	}

	h.checkDimensions(ctx)
	xlog.Info("Knowledge base reset", "dense", h.denseEnabled)
	return nil
}

// RebuildMissing embeds the documents that have no vector yet.
func (h *HybridSearchEngine) RebuildMissing(ctx context.Context, batchSize int) (types.RebuildReport, error) {
	if !h.denseEnabled {
		return types.RebuildReport{}, types.ErrDenseDisabled
	}
	return h.reindexer.RebuildMissing(ctx, h.Documents(), batchSize)
}

// Retrieve returns at most k hydrated results, best first. It never fails:
// a stage that errors contributes nothing.
func (h *HybridSearchEngine) Retrieve(ctx context.Context, query string, k int) types.Results {
	results, _ := h.RetrieveWithReport(ctx, query, k)
	return results
}

// RetrieveWithReport is Retrieve plus the outcome of every stage.
func (h *HybridSearchEngine) RetrieveWithReport(ctx context.Context, query string, k int) (types.Results, types.Report) {
	report := types.Report{Query: query}
	if k <= 0 {
		return types.Results{}, report
	}

	start := time.Now()
	defer func() {
		retrieveDuration.Observe(time.Since(start).Seconds())
	}()

	candidateK := max(k, h.cfg.RerankTopK)

	var dense, lexical types.StageOutcome
	var g errgroup.Group
	g.Go(func() error {
		dense = h.runStage(ctx, types.StageDense, h.denseStage(query, candidateK))
		return nil
	})
	g.Go(func() error {
		lexical = h.runStage(ctx, types.StageLexical, h.lexicalStage(query, candidateK))
		return nil
	})
	_ = g.Wait()
	report.Outcomes = append(report.Outcomes, dense, lexical)

	// stale vectors from an uncommitted upsert have no document and must not
	// keep the fuzzy fallback from running
	acc := make(map[string]float64)
	for _, stage := range []types.StageOutcome{dense, lexical} {
		for _, c := range stage.Candidates {
			if _, ok := h.docs.Get(c.ID); ok {
				acc[c.ID] += c.Score
			}
		}
	}

	fuzzy := h.runStage(ctx, types.StageFuzzy, h.fuzzyStage(query, candidateK, len(acc) == 0))
	report.Outcomes = append(report.Outcomes, fuzzy)
	for _, c := range fuzzy.Candidates {
		acc[c.ID] = c.Score
	}

	ranked := make([]types.ScoredCandidate, 0, len(acc))
	for id, score := range acc {
		ranked = append(ranked, types.ScoredCandidate{ID: id, Score: score})
	}
	sortCandidates(ranked)

	rerank := h.runStage(ctx, types.StageRerank, h.rerankStage(query, ranked))
	report.Outcomes = append(report.Outcomes, rerank)
	if rerank.Status == types.StatusOK {
		for i, c := range rerank.Candidates {
			ranked[i] = c
		}
		sortCandidates(ranked)
	}

	if len(ranked) > k {
		ranked = ranked[:k]
	}

	results := make(types.Results, 0, len(ranked))
	for _, c := range ranked {
		d, _ := h.docs.Get(c.ID)
		results = append(results, types.Result{
			ID:       d.ID,
			Title:    d.Title,
			Text:     d.Text,
			URL:      d.URL,
			Category: d.Category,
			Score:    c.Score,
		})
	}

	xlog.Debug("Retrieved", "query", query, "k", k, "results", len(results), "top_score", results.TopScore())
	return results, report
}

// runStage isolates one stage: errors and panics become a failed outcome.
func (h *HybridSearchEngine) runStage(ctx context.Context, stage types.Stage, fn stageFunc) (out types.StageOutcome) {
	start := time.Now()
	out.Stage = stage

	defer func() {
		if r := recover(); r != nil {
			out.Status = types.StatusFailed
			out.Candidates = nil
			out.Err = &types.StageError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
		out.Duration = time.Since(start)

		stageOutcomes.WithLabelValues(string(stage), string(out.Status)).Inc()
		if out.Status == types.StatusFailed {
			xlog.Warn("Retrieval stage failed", "stage", stage, "error", out.Err)
		}
	}()

	candidates, err := fn(ctx)
	switch {
	case errors.Is(err, errStageSkipped):
		out.Status = types.StatusSkipped
	case err != nil:
		out.Status = types.StatusFailed
		out.Err = &types.StageError{Stage: stage, Err: err}
	default:
		out.Status = types.StatusOK
		out.Candidates = candidates
	}
	return out
}

func (h *HybridSearchEngine) denseStage(query string, n int) stageFunc {
	return func(ctx context.Context) ([]types.ScoredCandidate, error) {
		if !h.denseEnabled {
			return nil, errStageSkipped
		}

		vectors, err := h.embedder.Encode(ctx, []string{h.cfg.QueryPrefix + query})
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("expected one query vector, got %d", len(vectors))
		}

		hits, err := h.vectors.Query(ctx, vectors[0], n)
		if err != nil {
			return nil, err
		}

		out := make([]types.ScoredCandidate, 0, len(hits))
		for _, hit := range hits {
			out = append(out, types.ScoredCandidate{
				ID:    hit.ID,
				Score: (1 - hit.Distance) * h.cfg.DenseWeight,
			})
		}
		return out, nil
	}
}

func (h *HybridSearchEngine) lexicalStage(query string, n int) stageFunc {
	return func(ctx context.Context) ([]types.ScoredCandidate, error) {
		if h.lexical == nil || h.lexical.Len() == 0 {
			return nil, errStageSkipped
		}

		top := h.lexical.Top(query, n)
		out := make([]types.ScoredCandidate, 0, len(top))
		for _, c := range top {
			out = append(out, types.ScoredCandidate{
				ID:    c.ID,
				Score: NormalizeBM25(c.Score) * (1 - h.cfg.DenseWeight),
			})
		}
		return out, nil
	}
}

// fuzzyStage only runs when the dense and lexical stages found nothing.
func (h *HybridSearchEngine) fuzzyStage(query string, n int, needed bool) stageFunc {
	return func(ctx context.Context) ([]types.ScoredCandidate, error) {
		if !needed || h.docs.Len() == 0 {
			return nil, errStageSkipped
		}

		matches := h.fuzzy.BestMatches(query, h.docs.Titles(), h.cfg.FuzzyThreshold, n)
		out := make([]types.ScoredCandidate, 0, len(matches))
		for _, m := range matches {
			out = append(out, types.ScoredCandidate{ID: m.ID, Score: m.Similarity / 100})
		}
		return out, nil
	}
}

// rerankStage scores the top RerankTopK of ranked and returns them with the
// reranker's score in place of the fused one.
func (h *HybridSearchEngine) rerankStage(query string, ranked []types.ScoredCandidate) stageFunc {
	return func(ctx context.Context) ([]types.ScoredCandidate, error) {
		if h.reranker == nil || len(ranked) == 0 {
			return nil, errStageSkipped
		}

		window := ranked[:min(h.cfg.RerankTopK, len(ranked))]
		texts := make([]string, len(window))
		for i, c := range window {
			d, _ := h.docs.Get(c.ID)
			texts[i] = d.Text
		}

		scores, err := h.reranker.Score(ctx, query, texts)
		if err != nil {
			return nil, err
		}
		if len(scores) != len(window) {
			return nil, fmt.Errorf("reranker returned %d scores for %d candidates", len(scores), len(window))
		}

		out := make([]types.ScoredCandidate, len(window))
		for i, c := range window {
			out[i] = types.ScoredCandidate{ID: c.ID, Score: scores[i]}
		}
		return out, nil
	}
}
