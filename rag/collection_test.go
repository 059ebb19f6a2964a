package rag_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"

	. "github.com/obok127/smartstore-chatbot/rag"
	"github.com/obok127/smartstore-chatbot/rag/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NewPersistentKBFromConfig", func() {
	var (
		ctx     context.Context
		tempDir string
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		tempDir, err = os.MkdirTemp("", "collection_test_*")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	It("fails fast when the embedding model cannot be loaded", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := NewPersistentKBFromConfig(ctx, testConfig(tempDir, srv.URL))
		Expect(err).To(MatchError(types.ErrFatalConfig))
	})

	It("reopens a persisted corpus", func() {
		srv := fakeLocalAI(32, nil)
		defer srv.Close()
		cfg := testConfig(tempDir, srv.URL)

		kb, err := NewPersistentKBFromConfig(ctx, cfg)
		Expect(err).ToNot(HaveOccurred())
		_, err = kb.Upsert(ctx, corpus)
		Expect(err).ToNot(HaveOccurred())

		reopened, err := NewPersistentKBFromConfig(ctx, cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(reopened.Count()).To(Equal(3))
		Expect(reopened.DenseEnabled()).To(BeTrue())
		Expect(reopened.Retrieve(ctx, "배송 기간", 1)[0].ID).To(Equal("delivery"))
	})

	It("disables the dense stage when the model dimension changed", func() {
		small := fakeLocalAI(16, nil)
		kb, err := NewPersistentKBFromConfig(ctx, testConfig(tempDir, small.URL))
		Expect(err).ToNot(HaveOccurred())
		_, err = kb.Upsert(ctx, corpus)
		Expect(err).ToNot(HaveOccurred())
		small.Close()

		large := fakeLocalAI(24, nil)
		defer large.Close()
		reopened, err := NewPersistentKBFromConfig(ctx, testConfig(tempDir, large.URL))
		Expect(err).ToNot(HaveOccurred())
		Expect(reopened.DenseEnabled()).To(BeFalse())

		// lexical retrieval still answers
		results := reopened.Retrieve(ctx, "환불", 3)
		Expect(results).ToNot(BeEmpty())
		Expect(results[0].ID).To(Equal("refund"))

		_, err = reopened.RebuildMissing(ctx, 0)
		Expect(err).To(MatchError(types.ErrDenseDisabled))
	})

	It("disables the dense stage when the expected dimension differs", func() {
		srv := fakeLocalAI(32, nil)
		defer srv.Close()
		cfg := testConfig(tempDir, srv.URL)
		cfg.Embedding.ExpectedDimensions = 1024

		kb, err := NewPersistentKBFromConfig(ctx, cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(kb.DenseEnabled()).To(BeFalse())
	})

	It("wires the reranker when enabled", func() {
		srv := fakeLocalAI(32, map[string]float64{corpus[2].Text: 4.5})
		defer srv.Close()
		cfg := testConfig(tempDir, srv.URL)
		cfg.Reranker.Enabled = true

		kb, err := NewPersistentKBFromConfig(ctx, cfg)
		Expect(err).ToNot(HaveOccurred())
		_, err = kb.Upsert(ctx, corpus)
		Expect(err).ToNot(HaveOccurred())

		results, report := kb.RetrieveWithReport(ctx, "환불", 3)
		rerank, ok := report.Outcome(types.StageRerank)
		Expect(ok).To(BeTrue())
		Expect(rerank.Status).To(Equal(types.StatusOK))
		Expect(results[0].ID).To(Equal("settlement"))
		Expect(results[0].Score).To(Equal(4.5))
	})
})
