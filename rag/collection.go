package rag

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mudler/xlog"
	"github.com/obok127/smartstore-chatbot/pkg/config"
	"github.com/obok127/smartstore-chatbot/rag/engine"
	"github.com/obok127/smartstore-chatbot/rag/types"
	"github.com/sashabaranov/go-openai"
)

const vectorDir = "chroma"

// NewPersistentKBFromConfig wires the embedding client, the chromem vector index, the
// optional reranker and the hybrid engine described by cfg. An embedding
// model that cannot be loaded is returned as types.ErrFatalConfig.
func NewPersistentKBFromConfig(ctx context.Context, cfg config.Config) (*PersistentKB, error) {
	clientConfig := openai.DefaultConfig(cfg.Embedding.APIKey)
	clientConfig.BaseURL = cfg.Embedding.BaseURL
	llmClient := openai.NewClientWithConfig(clientConfig)

	embedder, err := engine.NewLocalAIEmbedder(ctx, llmClient, cfg.Embedding.Model, cfg.Embedding.BatchSize)
	if err != nil {
		return nil, err
	}

	vectors, err := engine.NewChromemDBCollection(cfg.CollectionName, filepath.Join(cfg.DataPath, vectorDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}

	var reranker types.Reranker
	if cfg.Reranker.Enabled {
		reranker = engine.NewLocalAIReranker(cfg.Reranker.BaseURL, cfg.Reranker.APIKey, cfg.Reranker.Model)
		xlog.Info("Reranker enabled", "model", cfg.Reranker.Model, "window", cfg.Retrieval.RerankTopK)
	}

	hybridEngine, err := engine.NewHybridSearchEngine(ctx, embedder, vectors, reranker, engine.HybridConfig{
		DataPath:           cfg.DataPath,
		DenseWeight:        cfg.Retrieval.DenseWeight,
		RerankTopK:         cfg.Retrieval.RerankTopK,
		FuzzyThreshold:     cfg.Retrieval.FuzzyThreshold,
		DocumentPrefix:     cfg.Embedding.DocumentPrefix,
		QueryPrefix:        cfg.Embedding.QueryPrefix,
		ExpectedDimensions: cfg.Embedding.ExpectedDimensions,
		ReindexConcurrency: cfg.Reindex.Concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hybrid search engine: %w", err)
	}

	return NewPersistentKB(hybridEngine, cfg.DataPath), nil
}
