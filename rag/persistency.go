package rag

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/mudler/xlog"
	"github.com/obok127/smartstore-chatbot/rag/engine"
	"github.com/obok127/smartstore-chatbot/rag/types"
)

const lockFile = ".lock"

// PersistentKB serializes access to a hybrid search engine. Readers share
// the engine; writers hold it exclusively and also take a file lock on the
// data directory so two processes never write the same artifacts.
type PersistentKB struct {
	*engine.HybridSearchEngine
	sync.RWMutex

	fileLock *flock.Flock
}

var _ Engine = (*PersistentKB)(nil)

func NewPersistentKB(h *engine.HybridSearchEngine, dataPath string) *PersistentKB {
	return &PersistentKB{
		HybridSearchEngine: h,
		fileLock:           flock.New(filepath.Join(dataPath, lockFile)),
	}
}

// write runs fn holding both the in-process and the on-disk write lock.
func (db *PersistentKB) write(ctx context.Context, fn func() error) error {
	db.Lock()
	defer db.Unlock()

	locked, err := db.fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("data directory %s is locked by another process", filepath.Dir(db.fileLock.Path()))
	}
	defer func() {
		if err := db.fileLock.Unlock(); err != nil {
			xlog.Warn("Failed to release data directory lock", "error", err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// Upsert replaces the corpus with docs.
func (db *PersistentKB) Upsert(ctx context.Context, docs []types.Document) (types.UpsertReport, error) {
	var report types.UpsertReport
	err := db.write(ctx, func() error {
		var err error
		report, err = db.HybridSearchEngine.Upsert(ctx, docs)
		return err
	})
	return report, err
}

// Reset drops every document, vector and lexical artifact.
func (db *PersistentKB) Reset(ctx context.Context) error {
	return db.write(ctx, func() error {
		return db.HybridSearchEngine.Reset(ctx)
	})
}

// RebuildMissing embeds the documents that have no vector yet.
func (db *PersistentKB) RebuildMissing(ctx context.Context, batchSize int) (types.RebuildReport, error) {
	var report types.RebuildReport
	err := db.write(ctx, func() error {
		var err error
		report, err = db.HybridSearchEngine.RebuildMissing(ctx, batchSize)
		return err
	})
	return report, err
}

func (db *PersistentKB) Retrieve(ctx context.Context, query string, k int) types.Results {
	db.RLock()
	defer db.RUnlock()
	return db.HybridSearchEngine.Retrieve(ctx, query, k)
}

func (db *PersistentKB) RetrieveWithReport(ctx context.Context, query string, k int) (types.Results, types.Report) {
	db.RLock()
	defer db.RUnlock()
	return db.HybridSearchEngine.RetrieveWithReport(ctx, query, k)
}

func (db *PersistentKB) Count() int {
	db.RLock()
	defer db.RUnlock()
	return db.HybridSearchEngine.Count()
}

func (db *PersistentKB) DenseEnabled() bool {
	db.RLock()
	defer db.RUnlock()
	return db.HybridSearchEngine.DenseEnabled()
}

// ListDocuments returns the current corpus ordered by id.
func (db *PersistentKB) ListDocuments() []types.Document {
	db.RLock()
	defer db.RUnlock()
	return db.HybridSearchEngine.Documents()
}

// EntryExists reports whether a document with id is part of the corpus.
func (db *PersistentKB) EntryExists(id string) bool {
	for _, d := range db.ListDocuments() {
		if d.ID == id {
			return true
		}
	}
	return false
}
