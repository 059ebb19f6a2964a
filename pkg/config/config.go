package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the knowledge base and server configuration.
type Config struct {
	ListenAddress  string          `yaml:"listen_address"`
	DataPath       string          `yaml:"data_path"`
	CollectionName string          `yaml:"collection_name"`
	Embedding      EmbeddingConfig `yaml:"embedding"`
	Retrieval      RetrievalConfig `yaml:"retrieval"`
	Reranker       RerankerConfig  `yaml:"reranker"`
	Reindex        ReindexConfig   `yaml:"reindex"`
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"api_key"`
	Model              string `yaml:"model"`
	ExpectedDimensions int    `yaml:"expected_dimensions"` // 0 = probe the index only
	BatchSize          int    `yaml:"batch_size"`
	DocumentPrefix     string `yaml:"document_prefix"`
	QueryPrefix        string `yaml:"query_prefix"`
}

// RetrievalConfig holds the fusion policy.
type RetrievalConfig struct {
	TopK           int     `yaml:"top_k"`
	RerankTopK     int     `yaml:"rerank_top_k"`
	ScoreThreshold float64 `yaml:"score_threshold"`
	DenseWeight    float64 `yaml:"dense_weight"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// RerankerConfig enables the optional cross-encoder pass.
type RerankerConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"` // defaults to embedding.base_url
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// ReindexConfig tunes rebuild-missing runs.
type ReindexConfig struct {
	BatchSize   int `yaml:"batch_size"`
	Concurrency int `yaml:"concurrency"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddress:  ":8080",
		DataPath:       "data",
		CollectionName: "smartstore_faq",
		Embedding: EmbeddingConfig{
			BaseURL:        "http://localhost:8081/v1",
			Model:          "BAAI/bge-m3",
			BatchSize:      64,
			DocumentPrefix: "passage: ",
			QueryPrefix:    "query: ",
		},
		Retrieval: RetrievalConfig{
			TopK:           6,
			RerankTopK:     20,
			ScoreThreshold: 0.18,
			DenseWeight:    0.2,
			FuzzyThreshold: 50,
		},
		Reranker: RerankerConfig{
			Model: "BAAI/bge-reranker-v2-m3",
		},
		Reindex: ReindexConfig{
			BatchSize:   256,
			Concurrency: 1,
		},
	}
}

// Load reads the optional YAML file at path on top of the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	return LoadWithLookup(path, os.LookupEnv)
}

// LoadWithLookup is Load with a custom environment lookup.
func LoadWithLookup(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills fields that were explicitly emptied.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.ListenAddress == "" {
		c.ListenAddress = d.ListenAddress
	}
	if c.DataPath == "" {
		c.DataPath = d.DataPath
	}
	if c.CollectionName == "" {
		c.CollectionName = d.CollectionName
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = d.Embedding.Model
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = d.Embedding.BatchSize
	}
	if c.Reranker.BaseURL == "" {
		c.Reranker.BaseURL = c.Embedding.BaseURL
	}
	if c.Reranker.APIKey == "" {
		c.Reranker.APIKey = c.Embedding.APIKey
	}
	if c.Reranker.Model == "" {
		c.Reranker.Model = d.Reranker.Model
	}
	if c.Reindex.BatchSize <= 0 {
		c.Reindex.BatchSize = d.Reindex.BatchSize
	}
	if c.Reindex.Concurrency <= 0 {
		c.Reindex.Concurrency = d.Reindex.Concurrency
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding.base_url is required")
	}
	if c.Embedding.ExpectedDimensions < 0 {
		return fmt.Errorf("embedding.expected_dimensions must not be negative, got %d", c.Embedding.ExpectedDimensions)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.RerankTopK <= 0 {
		return fmt.Errorf("retrieval.rerank_top_k must be positive, got %d", c.Retrieval.RerankTopK)
	}
	if c.Retrieval.DenseWeight < 0 || c.Retrieval.DenseWeight > 1 {
		return fmt.Errorf("retrieval.dense_weight must be between 0 and 1, got %v", c.Retrieval.DenseWeight)
	}
	if c.Retrieval.FuzzyThreshold <= 0 || c.Retrieval.FuzzyThreshold > 100 {
		return fmt.Errorf("retrieval.fuzzy_threshold must be in (0,100], got %v", c.Retrieval.FuzzyThreshold)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, names ...string) {
		for _, name := range names {
			if v, ok := lookup(name); ok {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, name string) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}
	float := func(dst *float64, name string) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = f
		return nil
	}
	boolean := func(dst *bool, name string) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
		return nil
	}

	str(&c.ListenAddress, "LISTEN_ADDRESS")
	str(&c.DataPath, "DATA_PATH", "CHROMA_PATH")
	str(&c.CollectionName, "COLLECTION_NAME")
	str(&c.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	str(&c.Embedding.APIKey, "EMBEDDING_API_KEY")
	str(&c.Embedding.Model, "LOCAL_EMBED_MODEL")
	str(&c.Embedding.DocumentPrefix, "DOCUMENT_PREFIX")
	str(&c.Embedding.QueryPrefix, "QUERY_PREFIX")
	str(&c.Reranker.BaseURL, "RERANKER_BASE_URL")
	str(&c.Reranker.Model, "RERANKER_MODEL")

	for _, set := range []error{
		num(&c.Embedding.ExpectedDimensions, "EXPECTED_EMBED_DIM"),
		num(&c.Embedding.BatchSize, "EMBED_BATCH_SIZE"),
		num(&c.Retrieval.TopK, "TOP_K"),
		num(&c.Retrieval.RerankTopK, "RERANK_TOP_K"),
		float(&c.Retrieval.ScoreThreshold, "SCORE_THRESHOLD"),
		float(&c.Retrieval.DenseWeight, "HYBRID_DENSE_WEIGHT"),
		float(&c.Retrieval.FuzzyThreshold, "FUZZY_THRESHOLD"),
		boolean(&c.Reranker.Enabled, "ENABLE_RERANKER"),
		num(&c.Reindex.BatchSize, "REINDEX_BATCH_SIZE"),
		num(&c.Reindex.Concurrency, "REINDEX_CONCURRENCY"),
	} {
		if set != nil {
			return fmt.Errorf("invalid environment override %w", set)
		}
	}
	return nil
}
