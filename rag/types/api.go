package types

// SearchRequest is the body of POST /api/search. TopK <= 0 means the
// server default.
type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// SearchResponse carries the results together with the relevance verdict
// computed against the server's score threshold.
type SearchResponse struct {
	Query    string  `json:"query"`
	Results  Results `json:"results"`
	TopScore float64 `json:"top_score"`
	Relevant bool    `json:"relevant"`
	Dense    bool    `json:"dense"`
}

// IndexRequest is the body of POST /api/index. Either Documents or Path
// (a file readable by the server) must be set.
type IndexRequest struct {
	Documents []Document `json:"documents,omitempty"`
	Path      string     `json:"path,omitempty"`
	Reset     bool       `json:"reset,omitempty"`
}

// RebuildRequest is the body of POST /api/rebuild.
type RebuildRequest struct {
	BatchSize int `json:"batch_size"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Documents int    `json:"documents"`
	Dense     bool   `json:"dense"`
}
