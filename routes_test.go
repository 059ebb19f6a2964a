package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	"github.com/obok127/smartstore-chatbot/pkg/config"
	"github.com/obok127/smartstore-chatbot/rag/engine"
	"github.com/obok127/smartstore-chatbot/rag/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
)

type stubKB struct {
	docs    []types.Document
	results types.Results
	report  types.Report
	dense   bool
	resets  int
	lastK   int
	lastQ   string
	batch   int
	err     error
}

func (s *stubKB) Upsert(_ context.Context, docs []types.Document) (types.UpsertReport, error) {
	if s.err != nil {
		return types.UpsertReport{}, s.err
	}
	if err := types.ValidateBatch(docs); err != nil {
		return types.UpsertReport{}, err
	}
	s.docs = docs
	return types.UpsertReport{Ingested: len(docs), DenseOK: s.dense}, nil
}

func (s *stubKB) Reset(_ context.Context) error {
	s.resets++
	s.docs = nil
	return nil
}

func (s *stubKB) RebuildMissing(_ context.Context, batchSize int) (types.RebuildReport, error) {
	s.batch = batchSize
	if !s.dense {
		return types.RebuildReport{}, types.ErrDenseDisabled
	}
	return types.RebuildReport{Total: len(s.docs), Existing: len(s.docs)}, nil
}

func (s *stubKB) RetrieveWithReport(_ context.Context, query string, k int) (types.Results, types.Report) {
	s.lastQ, s.lastK = query, k
	return s.results, s.report
}

func (s *stubKB) Count() int         { return len(s.docs) }
func (s *stubKB) DenseEnabled() bool { return s.dense }

var _ = Describe("API", func() {
	var (
		kb  *stubKB
		cfg config.Config
		reg *prometheus.Registry
	)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		newAPI(kb, cfg, reg).ServeHTTP(rec, req)
		return rec
	}

	BeforeEach(func() {
		kb = &stubKB{dense: true}
		cfg = config.Default()
		reg = prometheus.NewRegistry()
		Expect(engine.RegisterMetrics(reg)).To(Succeed())
	})

	It("reports health", func() {
		kb.docs = []types.Document{{ID: "a", Text: "x"}}

		rec := do(http.MethodGet, "/health", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`{"status": "ok", "documents": 1, "dense": true}`))
	})

	Describe("search", func() {
		It("defaults top_k and judges relevance against the threshold", func() {
			kb.results = types.Results{{ID: "refund", Title: "환불 정책", Score: 0.5}}

			rec := do(http.MethodPost, "/api/search", `{"query": "환불"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(kb.lastQ).To(Equal("환불"))
			Expect(kb.lastK).To(Equal(cfg.Retrieval.TopK))

			var out types.SearchResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
			Expect(out.Results).To(HaveLen(1))
			Expect(out.TopScore).To(Equal(0.5))
			Expect(out.Relevant).To(BeTrue())
			Expect(out.Dense).To(BeTrue())
		})

		It("marks low scores as off topic", func() {
			kb.results = types.Results{{ID: "refund", Score: 0.05}}

			rec := do(http.MethodPost, "/api/search", `{"query": "날씨", "top_k": 2}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(kb.lastK).To(Equal(2))

			var out types.SearchResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
			Expect(out.Relevant).To(BeFalse())
		})

		It("answers with an empty list when nothing matches", func() {
			kb.report = types.Report{Outcomes: []types.StageOutcome{
				{Stage: types.StageDense, Status: types.StatusFailed, Err: fmt.Errorf("boom")},
			}}

			rec := do(http.MethodPost, "/api/search", `{"query": "환불"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var out types.SearchResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
			Expect(out.Results).To(BeEmpty())
			Expect(out.Relevant).To(BeFalse())
		})

		It("requires a query", func() {
			rec := do(http.MethodPost, "/api/search", `{"top_k": 2}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("index", func() {
		It("indexes inline documents", func() {
			rec := do(http.MethodPost, "/api/index", `{"documents": [{"id": "a", "text": "환불 안내"}], "reset": true}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`{"ingested": 1, "dense_ok": true}`))
			Expect(kb.resets).To(Equal(1))
			Expect(kb.docs).To(HaveLen(1))
		})

		It("loads documents from a file", func() {
			dir, err := os.MkdirTemp("", "routes_test_*")
			Expect(err).ToNot(HaveOccurred())
			defer os.RemoveAll(dir)

			path := filepath.Join(dir, "faq.json")
			Expect(os.WriteFile(path, []byte(`[{"질문": "배송 기간", "답변": "2~3일"}]`), 0644)).To(Succeed())

			rec := do(http.MethodPost, "/api/index", fmt.Sprintf(`{"path": %q}`, path))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(kb.resets).To(BeZero())
			Expect(kb.docs).To(Equal([]types.Document{{ID: "doc-0", Text: "배송 기간\n2~3일", Title: "배송 기간"}}))
		})

		It("rejects invalid batches", func() {
			rec := do(http.MethodPost, "/api/index", `{"documents": [{"id": "a", "text": ""}]}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec = do(http.MethodPost, "/api/index", `{}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec = do(http.MethodPost, "/api/index", `{"path": "/nonexistent/faq.json"}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("reports ingestion failures", func() {
			kb.err = fmt.Errorf("%w: embedding server down", types.ErrIngestion)

			rec := do(http.MethodPost, "/api/index", `{"documents": [{"id": "a", "text": "x"}]}`)
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).To(ContainSubstring("embedding server down"))
		})
	})

	It("resets", func() {
		rec := do(http.MethodPost, "/api/reset", "")
		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(kb.resets).To(Equal(1))
	})

	Describe("rebuild", func() {
		It("uses the configured batch size by default", func() {
			rec := do(http.MethodPost, "/api/rebuild", `{}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(kb.batch).To(Equal(cfg.Reindex.BatchSize))

			do(http.MethodPost, "/api/rebuild", `{"batch_size": 8}`)
			Expect(kb.batch).To(Equal(8))
		})

		It("conflicts in degraded mode", func() {
			kb.dense = false
			rec := do(http.MethodPost, "/api/rebuild", `{}`)
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	It("exposes metrics", func() {
		rec := do(http.MethodGet, "/metrics", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("smartstore_dense_stage_enabled"))
	})
})

var _ = Describe("CLI", func() {
	It("registers every command", func() {
		names := []string{}
		for _, c := range newRootCmd().Commands() {
			names = append(names, c.Name())
		}
		Expect(names).To(ContainElements("serve", "index", "search", "reset", "rebuild"))
	})

	It("requires a file to index", func() {
		cmd := newRootCmd()
		cmd.SetArgs([]string{"index"})
		cmd.SetOut(GinkgoWriter)
		cmd.SetErr(GinkgoWriter)
		Expect(cmd.Execute()).To(MatchError(ContainSubstring("file")))
	})
})
