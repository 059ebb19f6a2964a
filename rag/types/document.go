package types

import (
	"fmt"
	"strings"
)

// Document is a single FAQ entry of the corpus.
type Document struct {
	ID       string `json:"id" yaml:"id"`
	Text     string `json:"text" yaml:"text"`
	Title    string `json:"title" yaml:"title"`
	URL      string `json:"url" yaml:"url"`
	Category string `json:"category" yaml:"category"`
}

// Metadata returns the payload stored next to the document vector.
func (d Document) Metadata() map[string]string {
	return map[string]string{
		"title":    d.Title,
		"url":      d.URL,
		"category": d.Category,
	}
}

// Validate checks the invariants a document must hold before ingestion.
func (d Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDocument)
	}
	if strings.TrimSpace(d.Text) == "" {
		return fmt.Errorf("%w: document %q has empty text", ErrInvalidDocument, d.ID)
	}
	return nil
}

// ValidateBatch validates every document and rejects duplicate ids.
func ValidateBatch(docs []Document) error {
	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, ok := seen[d.ID]; ok {
			return fmt.Errorf("%w: duplicate id %q in batch", ErrInvalidDocument, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}
