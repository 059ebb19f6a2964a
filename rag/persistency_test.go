package rag_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	. "github.com/obok127/smartstore-chatbot/rag"
	"github.com/obok127/smartstore-chatbot/rag/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var corpus = []types.Document{
	{ID: "refund", Title: "환불 정책", Text: "환불 정책\n환불은 상품 수령 후 7일 이내에 신청할 수 있습니다.", Category: "환불"},
	{ID: "delivery", Title: "배송 기간", Text: "배송 기간\n주문 후 평균 2~3일 이내에 배송됩니다.", Category: "배송"},
	{ID: "settlement", Title: "정산 일정", Text: "정산 일정\n구매 확정 후 1영업일 뒤에 정산됩니다.", Category: "정산"},
}

var _ = Describe("PersistentKB", func() {
	var (
		ctx     context.Context
		tempDir string
		kb      *PersistentKB
		stop    func()
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		tempDir, err = os.MkdirTemp("", "persistency_test_*")
		Expect(err).ToNot(HaveOccurred())

		srv := fakeLocalAI(32, nil)
		stop = srv.Close

		kb, err = NewPersistentKBFromConfig(ctx, testConfig(tempDir, srv.URL))
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		stop()
		os.RemoveAll(tempDir)
	})

	It("starts empty", func() {
		Expect(kb.Count()).To(BeZero())
		Expect(kb.ListDocuments()).To(BeEmpty())
		Expect(kb.DenseEnabled()).To(BeTrue())
		Expect(kb.Retrieve(ctx, "환불", 3)).To(BeEmpty())
	})

	It("stores and retrieves documents", func() {
		report, err := kb.Upsert(ctx, corpus)
		Expect(err).ToNot(HaveOccurred())
		Expect(report).To(Equal(types.UpsertReport{Ingested: 3, DenseOK: true}))
		Expect(kb.Count()).To(Equal(3))
		Expect(kb.EntryExists("refund")).To(BeTrue())
		Expect(kb.EntryExists("missing")).To(BeFalse())

		results := kb.Retrieve(ctx, "환불", 3)
		Expect(results).ToNot(BeEmpty())
		Expect(results[0].ID).To(Equal("refund"))
		Expect(results[0].Title).To(Equal("환불 정책"))

		results, report2 := kb.RetrieveWithReport(ctx, "환불", 3)
		Expect(results[0].ID).To(Equal("refund"))
		dense, ok := report2.Outcome(types.StageDense)
		Expect(ok).To(BeTrue())
		Expect(dense.Status).To(Equal(types.StatusOK))
	})

	It("keeps its artifacts under the data directory", func() {
		_, err := kb.Upsert(ctx, corpus)
		Expect(err).ToNot(HaveOccurred())

		Expect(filepath.Join(tempDir, "documents.json")).To(BeAnExistingFile())
		Expect(filepath.Join(tempDir, "bm25.json")).To(BeAnExistingFile())
		Expect(filepath.Join(tempDir, "chroma")).To(BeADirectory())
	})

	It("resets the corpus", func() {
		_, err := kb.Upsert(ctx, corpus)
		Expect(err).ToNot(HaveOccurred())

		Expect(kb.Reset(ctx)).To(Succeed())
		Expect(kb.Count()).To(BeZero())
		Expect(kb.Retrieve(ctx, "환불", 3)).To(BeEmpty())
	})

	It("rebuilds nothing on a complete index", func() {
		_, err := kb.Upsert(ctx, corpus)
		Expect(err).ToNot(HaveOccurred())

		report, err := kb.RebuildMissing(ctx, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(report).To(Equal(types.RebuildReport{Total: 3, Existing: 3}))
	})

	It("refuses to write while another process holds the data directory", func() {
		other := flock.New(filepath.Join(tempDir, ".lock"))
		locked, err := other.TryLock()
		Expect(err).ToNot(HaveOccurred())
		Expect(locked).To(BeTrue())

		_, err = kb.Upsert(ctx, corpus)
		Expect(err).To(MatchError(ContainSubstring("locked by another process")))
		Expect(kb.Count()).To(BeZero())

		Expect(other.Unlock()).To(Succeed())
		_, err = kb.Upsert(ctx, corpus)
		Expect(err).ToNot(HaveOccurred())
	})

	It("does not write with a cancelled context", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := kb.Upsert(cancelled, corpus)
		Expect(err).To(MatchError(context.Canceled))
		Expect(kb.Count()).To(BeZero())
	})

	It("serves readers while writers replace the corpus", func() {
		_, err := kb.Upsert(ctx, corpus)
		Expect(err).ToNot(HaveOccurred())

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for j := 0; j < 10; j++ {
					results := kb.Retrieve(ctx, "정산 일정", 2)
					Expect(len(results)).To(BeNumerically("<=", 2))
					for _, r := range results {
						Expect(r.Text).ToNot(BeEmpty())
					}
				}
			}()
		}
		for j := 0; j < 3; j++ {
			_, err := kb.Upsert(ctx, corpus)
			Expect(err).ToNot(HaveOccurred())
		}
		wg.Wait()
		Expect(kb.Count()).To(Equal(3))
	})
})
