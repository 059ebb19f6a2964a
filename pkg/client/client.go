package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/obok127/smartstore-chatbot/rag/types"
)

// Client is a client for the knowledge base API
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new knowledge base API client
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// APIError is returned for any non-2xx answer of the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Health reports whether the server is up and how many documents it holds.
func (c *Client) Health(ctx context.Context) (types.HealthResponse, error) {
	var out types.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Search retrieves at most topK results for query. topK <= 0 uses the
// server default.
func (c *Client) Search(ctx context.Context, query string, topK int) (types.SearchResponse, error) {
	var out types.SearchResponse
	err := c.do(ctx, http.MethodPost, "/api/search", types.SearchRequest{Query: query, TopK: topK}, &out)
	return out, err
}

// Index replaces the corpus with docs, dropping everything first when reset
// is set.
func (c *Client) Index(ctx context.Context, docs []types.Document, reset bool) (types.UpsertReport, error) {
	var out types.UpsertReport
	err := c.do(ctx, http.MethodPost, "/api/index", types.IndexRequest{Documents: docs, Reset: reset}, &out)
	return out, err
}

// IndexFile asks the server to load and index a file from its own disk.
func (c *Client) IndexFile(ctx context.Context, path string, reset bool) (types.UpsertReport, error) {
	var out types.UpsertReport
	err := c.do(ctx, http.MethodPost, "/api/index", types.IndexRequest{Path: path, Reset: reset}, &out)
	return out, err
}

// Reset drops the whole corpus.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/reset", nil, nil)
}

// Rebuild embeds the documents that have no vector yet.
func (c *Client) Rebuild(ctx context.Context, batchSize int) (types.RebuildReport, error) {
	var out types.RebuildReport
	err := c.do(ctx, http.MethodPost, "/api/rebuild", types.RebuildRequest{BatchSize: batchSize}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
