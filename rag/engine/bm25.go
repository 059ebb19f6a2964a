package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/obok127/smartstore-chatbot/pkg/shingle"
	"github.com/obok127/smartstore-chatbot/rag/types"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75

	// BM25NormalizationConstant divides raw BM25 scores before clamping to
	// [0,1]. It is a fixed heuristic and is never recalibrated.
	BM25NormalizationConstant = 10.0

	bm25FormatVersion = 1
)

// BM25Index is an Okapi BM25 model over character n-gram tokens. It is
// always built from the whole corpus; there is no incremental update.
type BM25Index struct {
	Version   int                `json:"version"`
	K1        float64            `json:"k1"`
	B         float64            `json:"b"`
	IDs       []string           `json:"ids"` // position -> document id
	DocLens   []int              `json:"doc_lens"`
	TermFreqs []map[string]int   `json:"term_freqs"`
	IDF       map[string]float64 `json:"idf"`
	AvgDocLen float64            `json:"avg_doc_len"`

	// Corpus fingerprints the documents the model was built from.
	Corpus string `json:"corpus"`
}

// BuildBM25 builds a model over texts; ids[i] is the id of texts[i].
func BuildBM25(ids, texts []string) *BM25Index {
	idx := &BM25Index{
		Version:   bm25FormatVersion,
		K1:        bm25K1,
		B:         bm25B,
		IDs:       append([]string(nil), ids...),
		DocLens:   make([]int, len(texts)),
		TermFreqs: make([]map[string]int, len(texts)),
		IDF:       make(map[string]float64),
		Corpus:    corpusFingerprint(ids, texts),
	}

	docFreq := make(map[string]int)
	total := 0
	for i, text := range texts {
		tokens := shingle.Tokenize(text)
		freqs := make(map[string]int, len(tokens))
		for _, t := range tokens {
			freqs[t]++
		}
		for t := range freqs {
			docFreq[t]++
		}
		idx.TermFreqs[i] = freqs
		idx.DocLens[i] = len(tokens)
		total += len(tokens)
	}

	if n := len(texts); n > 0 {
		idx.AvgDocLen = float64(total) / float64(n)
		for t, df := range docFreq {
			// non-negative idf, so common n-grams never subtract from a score
			idx.IDF[t] = math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		}
	}

	return idx
}

// Len returns the number of documents in the model.
func (i *BM25Index) Len() int {
	return len(i.IDs)
}

// Scores returns the raw BM25 score of every document, by position.
func (i *BM25Index) Scores(query string) []float64 {
	scores := make([]float64, len(i.IDs))
	if len(i.IDs) == 0 || i.AvgDocLen == 0 {
		return scores
	}

	for _, q := range shingle.Tokenize(query) {
		idf, ok := i.IDF[q]
		if !ok {
			continue
		}
		for pos, freqs := range i.TermFreqs {
			tf := float64(freqs[q])
			if tf == 0 {
				continue
			}
			norm := i.K1 * (1 - i.B + i.B*float64(i.DocLens[pos])/i.AvgDocLen)
			scores[pos] += idf * tf * (i.K1 + 1) / (tf + norm)
		}
	}

	return scores
}

// Top returns at most n documents with a positive raw score, best first.
// Ties are broken by ascending document id.
func (i *BM25Index) Top(query string, n int) []types.ScoredCandidate {
	if n <= 0 {
		return nil
	}

	scores := i.Scores(query)
	hits := make([]types.ScoredCandidate, 0)
	for pos, s := range scores {
		if s > 0 {
			hits = append(hits, types.ScoredCandidate{ID: i.IDs[pos], Score: s})
		}
	}

	sortCandidates(hits)
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits
}

// NormalizeBM25 maps a raw BM25 score onto [0,1] by a fixed divisor.
func NormalizeBM25(raw float64) float64 {
	return math.Max(0, math.Min(raw/BM25NormalizationConstant, 1))
}

// LoadBM25 reads a serialized model. A missing file yields a nil model and
// no error.
func LoadBM25(path string) (*BM25Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	idx := &BM25Index{}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("failed to decode bm25 model %s: %w", path, err)
	}
	if idx.Version != bm25FormatVersion {
		return nil, fmt.Errorf("unsupported bm25 model version %d in %s", idx.Version, path)
	}
	if len(idx.IDs) != len(idx.TermFreqs) || len(idx.IDs) != len(idx.DocLens) {
		return nil, fmt.Errorf("corrupt bm25 model %s: lookup table and postings disagree", path)
	}
	return idx, nil
}

// corpusFingerprint hashes (id, text) pairs independently of their order.
func corpusFingerprint(ids, texts []string) string {
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ids[order[a]] < ids[order[b]] })

	h := sha256.New()
	for _, i := range order {
		h.Write([]byte(ids[i]))
		h.Write([]byte{0})
		h.Write([]byte(texts[i]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// sortCandidates orders by score descending, then id ascending.
func sortCandidates(c []types.ScoredCandidate) {
	sort.SliceStable(c, func(a, b int) bool {
		if c[a].Score != c[b].Score {
			return c[a].Score > c[b].Score
		}
		return c[a].ID < c[b].ID
	})
}
