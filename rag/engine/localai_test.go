package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	. "github.com/obok127/smartstore-chatbot/rag/engine"
	"github.com/obok127/smartstore-chatbot/rag/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sashabaranov/go-openai"
)

// embeddingsServer answers /v1/embeddings with vectors of dims dimensions
// and can return them in reverse index order.
func embeddingsServer(dims int, reversed bool, requests *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(requests, 1)

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		data := make([]map[string]any, 0, len(req.Input))
		for i, text := range req.Input {
			v := make([]float32, dims)
			v[0] = 3
			v[1%dims] += float32(len([]rune(text)))
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": v})
		}
		if reversed {
			for l, r := 0, len(data)-1; l < r; l, r = l+1, r-1 {
				data[l], data[r] = data[r], data[l]
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
		})
	}))
}

func openaiClient(url string) *openai.Client {
	config := openai.DefaultConfig("sk-test")
	config.BaseURL = url + "/v1"
	return openai.NewClientWithConfig(config)
}

var _ = Describe("LocalAIEmbedder", func() {
	var (
		ctx      context.Context
		requests int32
	)

	BeforeEach(func() {
		ctx = context.Background()
		requests = 0
	})

	It("fixes the dimension from the canary request", func() {
		srv := embeddingsServer(8, false, &requests)
		defer srv.Close()

		e, err := NewLocalAIEmbedder(ctx, openaiClient(srv.URL), "granite-embedding", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(e.Dimensions()).To(Equal(8))
		Expect(atomic.LoadInt32(&requests)).To(BeEquivalentTo(1))
	})

	It("returns unit vectors in input order, in batches", func() {
		srv := embeddingsServer(8, true, &requests)
		defer srv.Close()

		e, err := NewLocalAIEmbedder(ctx, openaiClient(srv.URL), "granite-embedding", 2)
		Expect(err).ToNot(HaveOccurred())

		texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
		vectors, err := e.Encode(ctx, texts)
		Expect(err).ToNot(HaveOccurred())
		Expect(vectors).To(HaveLen(5))
		Expect(atomic.LoadInt32(&requests)).To(BeEquivalentTo(1 + 3))

		for i, v := range vectors {
			Expect(v).To(HaveLen(8))
			Expect(vectorNorm(v)).To(BeNumerically("~", 1, 1e-5))
			// the second component grows with the text length
			if i > 0 {
				Expect(v[1]).To(BeNumerically(">", vectors[i-1][1]))
			}
		}
	})

	It("fails fast when a known model reports another dimension", func() {
		srv := embeddingsServer(8, false, &requests)
		defer srv.Close()

		_, err := NewLocalAIEmbedder(ctx, openaiClient(srv.URL), "bge-m3", 0)
		Expect(err).To(MatchError(types.ErrFatalConfig))
	})

	It("fails fast when the model cannot be loaded", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"model not found"}}`, http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := NewLocalAIEmbedder(ctx, openaiClient(srv.URL), "missing-model", 0)
		Expect(err).To(MatchError(types.ErrFatalConfig))
	})

	It("requires a model name", func() {
		_, err := NewLocalAIEmbedder(ctx, openaiClient("http://127.0.0.1:0"), "", 0)
		Expect(err).To(MatchError(types.ErrFatalConfig))
	})
})

var _ = Describe("NormalizeVector", func() {
	It("scales to unit length without touching the input", func() {
		in := []float32{3, 4}
		out := NormalizeVector(in)
		Expect(out[0]).To(BeNumerically("~", 0.6, 1e-6))
		Expect(out[1]).To(BeNumerically("~", 0.8, 1e-6))
		Expect(in).To(Equal([]float32{3, 4}))
	})

	It("leaves zero vectors alone", func() {
		Expect(NormalizeVector([]float32{0, 0})).To(Equal([]float32{0, 0}))
	})
})

var _ = Describe("LocalAIReranker", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	rerankServer := func(status int, body func(docs []string) any) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/rerank" {
				http.NotFound(w, r)
				return
			}
			var req struct {
				Model     string   `json:"model"`
				Query     string   `json:"query"`
				Documents []string `json:"documents"`
				TopN      int      `json:"top_n"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TopN != len(req.Documents) {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(body(req.Documents))
		}))
	}

	It("maps relevance scores back to input order", func() {
		srv := rerankServer(http.StatusOK, func(docs []string) any {
			return map[string]any{"results": []map[string]any{
				{"index": 2, "relevance_score": 0.9},
				{"index": 0, "relevance_score": 0.5},
				{"index": 1, "relevance_score": 0.1},
			}}
		})
		defer srv.Close()

		r := NewLocalAIReranker(srv.URL+"/v1/", "", "bge-reranker")
		scores, err := r.Score(ctx, "환불", []string{"a", "b", "c"})
		Expect(err).ToNot(HaveOccurred())
		Expect(scores).To(Equal([]float64{0.5, 0.1, 0.9}))
	})

	It("fails when a document is missing from the response", func() {
		srv := rerankServer(http.StatusOK, func(docs []string) any {
			return map[string]any{"results": []map[string]any{{"index": 0, "relevance_score": 0.5}}}
		})
		defer srv.Close()

		_, err := NewLocalAIReranker(srv.URL+"/v1", "", "bge-reranker").Score(ctx, "q", []string{"a", "b"})
		Expect(err).To(HaveOccurred())
	})

	It("fails on a non-200 status", func() {
		srv := rerankServer(http.StatusInternalServerError, func(docs []string) any {
			return map[string]any{"error": "boom"}
		})
		defer srv.Close()

		_, err := NewLocalAIReranker(srv.URL+"/v1", "", "bge-reranker").Score(ctx, "q", []string{"a"})
		Expect(err).To(HaveOccurred())
	})

	It("does not call the server for an empty window", func() {
		scores, err := NewLocalAIReranker("http://127.0.0.1:0", "", "bge-reranker").Score(ctx, "q", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(scores).To(BeEmpty())
	})
})
