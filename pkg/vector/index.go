// Package vector is the client for the external vector index. The index
// exposes two operations, query and upsert; everything else (sharding,
// ANN parameters) is the index's concern.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Match is one nearest-neighbor result.
type Match struct {
	ID       string            `json:"id"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Item is one vector to upsert.
type Item struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Index abstracts the external vector service.
type Index interface {
	Query(ctx context.Context, vec []float32, topK int, filter map[string]string) ([]Match, error)
	Upsert(ctx context.Context, items []Item) error
}

// HTTPIndex talks to a Pinecone-style REST index: POST /query and
// POST /vectors/upsert authenticated by an Api-Key header.
type HTTPIndex struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPIndex creates a client for the index at baseURL.
func NewHTTPIndex(baseURL, apiKey string) *HTTPIndex {
	return &HTTPIndex{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (x *HTTPIndex) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vector: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("vector: create request: %w", err)
	}
	req.Header.Set("Api-Key", x.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.http.Do(req)
	if err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("vector: %s status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("vector: decode: %w", err)
		}
	}
	return nil
}

// Query returns the topK nearest neighbors under the metadata filter.
func (x *HTTPIndex) Query(ctx context.Context, vec []float32, topK int, filter map[string]string) ([]Match, error) {
	payload := map[string]any{
		"vector":          vec,
		"topK":            topK,
		"includeMetadata": true,
	}
	if len(filter) > 0 {
		payload["filter"] = filter
	}

	var result struct {
		Matches []Match `json:"matches"`
	}
	if err := x.post(ctx, "/query", payload, &result); err != nil {
		return nil, err
	}
	return result.Matches, nil
}

// Upsert writes the items into the index.
func (x *HTTPIndex) Upsert(ctx context.Context, items []Item) error {
	return x.post(ctx, "/vectors/upsert", map[string]any{"vectors": items}, nil)
}
