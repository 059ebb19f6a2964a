package engine_test

import (
	"os"
	"path/filepath"

	. "github.com/obok127/smartstore-chatbot/rag/engine"
	"github.com/obok127/smartstore-chatbot/rag/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DocumentStore", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "docstore_test_*")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("opens a missing file as an empty store", func() {
		s, err := OpenDocumentStore(filepath.Join(dir, "documents.json"))
		Expect(err).ToNot(HaveOccurred())
		Expect(s.Len()).To(BeZero())
		Expect(s.IDs()).To(BeEmpty())
	})

	It("loads documents keyed by id", func() {
		path := filepath.Join(dir, "documents.json")
		Expect(os.WriteFile(path, []byte(`{
			"b": {"id": "b", "text": "배송 기간", "title": "배송"},
			"a": {"id": "a", "text": "환불 정책", "title": "환불", "url": "https://example.com/a", "category": "환불"}
		}`), 0644)).To(Succeed())

		s, err := OpenDocumentStore(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(s.Len()).To(Equal(2))
		Expect(s.IDs()).To(Equal([]string{"a", "b"}))
		Expect(s.Titles()).To(Equal(map[string]string{"a": "환불", "b": "배송"}))

		d, ok := s.Get("a")
		Expect(ok).To(BeTrue())
		Expect(d).To(Equal(types.Document{ID: "a", Text: "환불 정책", Title: "환불", URL: "https://example.com/a", Category: "환불"}))

		_, ok = s.Get("missing")
		Expect(ok).To(BeFalse())
	})

	It("fails on a corrupt file", func() {
		path := filepath.Join(dir, "documents.json")
		Expect(os.WriteFile(path, []byte("{not json"), 0644)).To(Succeed())
		_, err := OpenDocumentStore(path)
		Expect(err).To(HaveOccurred())
	})
})
