package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/mudler/xlog"
	"github.com/obok127/smartstore-chatbot/rag/interfaces"
	"github.com/obok127/smartstore-chatbot/rag/types"
	"github.com/sashabaranov/go-openai"
)

const (
	DefaultEmbedBatchSize = 64

	dimensionProbeText = "dimension probe"
)

// KnownModelDimensions lists models whose output size is fixed. A model in
// this table that reports another size is a configuration error.
var KnownModelDimensions = map[string]int{
	"bge-m3":      1024,
	"BAAI/bge-m3": 1024,
}

// LocalAIEmbedder encodes texts through an OpenAI-compatible embeddings
// endpoint such as LocalAI serving a sentence-transformers model.
type LocalAIEmbedder struct {
	client    *openai.Client
	model     string
	batchSize int
	dims      int
}

var _ interfaces.Embedder = (*LocalAIEmbedder)(nil)

// NewLocalAIEmbedder loads the model by encoding a canary string and fixes
// the dimensionality from its output. Any failure is fatal: there is no
// fallback model.
func NewLocalAIEmbedder(ctx context.Context, client *openai.Client, model string, batchSize int) (*LocalAIEmbedder, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: no embedding model configured", types.ErrFatalConfig)
	}
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}

	e := &LocalAIEmbedder{
		client:    client,
		model:     model,
		batchSize: batchSize,
	}

	probe, err := e.Encode(ctx, []string{dimensionProbeText})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load embedding model %q: %v", types.ErrFatalConfig, model, err)
	}
	if len(probe) != 1 || len(probe[0]) == 0 {
		return nil, fmt.Errorf("%w: embedding model %q returned no vector", types.ErrFatalConfig, model)
	}
	e.dims = len(probe[0])

	if want, ok := KnownModelDimensions[model]; ok && want != e.dims {
		return nil, fmt.Errorf("%w: model %q must produce %d dimensions, got %d", types.ErrFatalConfig, model, want, e.dims)
	}

	xlog.Info("Embedding model loaded", "model", model, "dimensions", e.dims)
	return e, nil
}

func (e *LocalAIEmbedder) Dimensions() int {
	return e.dims
}

// Encode returns one unit-normalised vector per text, in input order.
func (e *LocalAIEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch := texts[start:end]

		resp, err := e.client.CreateEmbeddings(ctx,
			openai.EmbeddingRequestStrings{
				Input: batch,
				Model: openai.EmbeddingModel(e.model),
			},
		)
		if err != nil {
			return nil, fmt.Errorf("error getting embeddings: %v", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("expected %d embeddings, got %d", len(batch), len(resp.Data))
		}

		for _, d := range orderEmbeddings(resp.Data) {
			if e.dims > 0 && len(d.Embedding) != e.dims {
				return nil, fmt.Errorf("%w: got %d, want %d", types.ErrDimensionMismatch, len(d.Embedding), e.dims)
			}
			out = append(out, NormalizeVector(d.Embedding))
		}
	}
	return out, nil
}

// orderEmbeddings sorts by the response index when the server filled it in
// as a permutation, and keeps response order otherwise.
func orderEmbeddings(data []openai.Embedding) []openai.Embedding {
	ordered := make([]openai.Embedding, len(data))
	seen := make([]bool, len(data))
	for _, d := range data {
		if d.Index < 0 || d.Index >= len(data) || seen[d.Index] {
			return data
		}
		seen[d.Index] = true
		ordered[d.Index] = d
	}
	return ordered
}

// NormalizeVector returns a unit-length copy of v. Zero vectors are
// returned unchanged.
func NormalizeVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)

	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// LocalAIReranker calls a Jina-compatible /rerank endpoint, as served by
// LocalAI for cross-encoder models like bge-reranker-v2-m3.
type LocalAIReranker struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

var _ types.Reranker = (*LocalAIReranker)(nil)

func NewLocalAIReranker(baseURL, apiKey, model string) *LocalAIReranker {
	return &LocalAIReranker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score returns the cross-encoder score of every text, in input order.
func (r *LocalAIReranker) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: texts,
		TopN:      len(texts),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	scores := make([]float64, len(texts))
	filled := make([]bool, len(texts))
	for _, res := range out.Results {
		if res.Index < 0 || res.Index >= len(texts) {
			return nil, fmt.Errorf("rerank response index %d out of range", res.Index)
		}
		scores[res.Index] = res.RelevanceScore
		filled[res.Index] = true
	}
	for i, ok := range filled {
		if !ok {
			return nil, fmt.Errorf("rerank response is missing document %d", i)
		}
	}
	return scores, nil
}
