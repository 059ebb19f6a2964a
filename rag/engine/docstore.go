package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	"github.com/obok127/smartstore-chatbot/rag/types"
)

// DocumentStore maps document ids to their content. It lives in memory and
// is persisted as one JSON file that is rewritten in full on every ingestion.
type DocumentStore struct {
	path string
	docs map[string]types.Document
}

// OpenDocumentStore loads the store at path; a missing file is an empty store.
func OpenDocumentStore(path string) (*DocumentStore, error) {
	s := &DocumentStore{
		path: path,
		docs: make(map[string]types.Document),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, &s.docs); err != nil {
		return nil, fmt.Errorf("failed to decode document store %s: %w", path, err)
	}
	return s, nil
}

// Get returns the document with the given id.
func (s *DocumentStore) Get(id string) (types.Document, bool) {
	d, ok := s.docs[id]
	return d, ok
}

// Len returns the number of documents.
func (s *DocumentStore) Len() int {
	return len(s.docs)
}

// IDs returns every document id in ascending order.
func (s *DocumentStore) IDs() []string {
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// corpus returns every id in ascending order with the matching texts.
func (s *DocumentStore) corpus() (ids, texts []string) {
	ids = s.IDs()
	texts = make([]string, len(ids))
	for i, id := range ids {
		texts[i] = s.docs[id].Text
	}
	return ids, texts
}

// Titles returns id -> title for every document.
func (s *DocumentStore) Titles() map[string]string {
	titles := make(map[string]string, len(s.docs))
	for id, d := range s.docs {
		titles[id] = d.Title
	}
	return titles
}

// stage writes the replacement content to a pending file next to the store.
// Nothing is visible until the pending file is committed.
func (s *DocumentStore) stage(docs map[string]types.Document) (*renameio.PendingFile, error) {
	return stageJSON(s.path, docs)
}

func (s *DocumentStore) swap(docs map[string]types.Document) {
	s.docs = docs
}

// reset removes the file and empties the store.
func (s *DocumentStore) reset() error {
	s.docs = make(map[string]types.Document)
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// stageJSON encodes v into a pending file that atomically replaces path on
// CloseAtomicallyReplace. Callers must Cleanup the file if they abandon it.
func stageJSON(path string, v any) (*renameio.PendingFile, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	f, err := renameio.TempFile(dir, path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Cleanup()
		return nil, err
	}
	return f, nil
}
