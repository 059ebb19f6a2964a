package types

// ScoredCandidate is a document id with a score on the scale of the stage
// that produced it. Scores of different stages are not calibrated against
// each other; only the fusion engine combines them.
type ScoredCandidate struct {
	ID    string
	Score float64
}

// Result represents a single hydrated result from a query.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	URL      string `json:"url"`
	Category string `json:"category"`

	// Score is the final fused score. Inside the rerank window it is the
	// reranker's output, outside it the weighted dense+lexical sum (or the
	// fuzzy similarity when both stages came back empty).
	Score float64 `json:"score"`
}

// Results is an ordered list of results, best first.
type Results []Result

// TopScore returns the score of the best result, or 0 for an empty list.
func (r Results) TopScore() float64 {
	if len(r) == 0 {
		return 0
	}
	return r[0].Score
}

// Relevant reports whether the best result reaches threshold. Callers use it
// to decide whether a query is on topic for the corpus.
func (r Results) Relevant(threshold float64) bool {
	return len(r) > 0 && r.TopScore() >= threshold
}

// UpsertReport is returned by a successful ingestion.
type UpsertReport struct {
	Ingested int  `json:"ingested"`
	DenseOK  bool `json:"dense_ok"`
}

// RebuildReport summarises a RebuildMissing run.
type RebuildReport struct {
	Total    int `json:"total"`
	Existing int `json:"existing"`
	Added    int `json:"added"`
}
