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

// HTTPIndex talks to a remote vector database speaking the Pinecone-style
// JSON API: /vectors/upsert, /query, /vectors/delete, /describe_index_stats.
type HTTPIndex struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPIndex builds a remote index client.
func NewHTTPIndex(baseURL, apiKey string) *HTTPIndex {
	return &HTTPIndex{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Upsert writes one passage and its embedding.
func (x *HTTPIndex) Upsert(ctx context.Context, passage Passage, embedding []float32) error {
	req := upsertRequest{
		Vectors: []upsertVector{{
			ID:     passage.ID,
			Values: embedding,
			Metadata: passageMetadata{
				Content:  passage.Content,
				Title:    passage.Title,
				Source:   passage.Source,
				Category: passage.Category,
			},
		}},
	}
	return x.doJSON(ctx, "/vectors/upsert", req, nil)
}

// Query returns the topK nearest passages, optionally restricted to a
// category.
func (x *HTTPIndex) Query(ctx context.Context, embedding []float32, topK int, category string) ([]Match, error) {
	req := queryRequest{
		Vector:          embedding,
		TopK:            topK,
		IncludeMetadata: true,
	}
	if category != "" {
		req.Filter = map[string]any{"category": map[string]any{"$eq": category}}
	}
	var resp queryResponse
	if err := x.doJSON(ctx, "/query", req, &resp); err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		matches = append(matches, Match{
			Passage: Passage{
				ID:       m.ID,
				Content:  m.Metadata.Content,
				Title:    m.Metadata.Title,
				Source:   m.Metadata.Source,
				Category: m.Metadata.Category,
			},
			Score: m.Score,
		})
	}
	return matches, nil
}

// Delete removes passages by ID.
func (x *HTTPIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return x.doJSON(ctx, "/vectors/delete", deleteRequest{IDs: ids}, nil)
}

// Stats returns index size and dimensionality.
func (x *HTTPIndex) Stats(ctx context.Context) (Stats, error) {
	var resp statsResponse
	if err := x.doJSON(ctx, "/describe_index_stats", struct{}{}, &resp); err != nil {
		return Stats{}, err
	}
	return Stats{VectorCount: resp.TotalVectorCount, Dimensions: resp.Dimension}, nil
}

func (x *HTTPIndex) doJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := x.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if x.apiKey != "" {
		req.Header.Set("Api-Key", x.apiKey)
	}

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vector index request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Message != "" {
			return fmt.Errorf("vector index error: %s", errResp.Message)
		}
		return fmt.Errorf("vector index error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vector index decode: %w", err)
	}
	return nil
}

type passageMetadata struct {
	Content  string `json:"content"`
	Title    string `json:"title"`
	Source   string `json:"source,omitempty"`
	Category string `json:"category,omitempty"`
}

type upsertVector struct {
	ID       string          `json:"id"`
	Values   []float32       `json:"values"`
	Metadata passageMetadata `json:"metadata"`
}

type upsertRequest struct {
	Vectors []upsertVector `json:"vectors"`
}

type queryRequest struct {
	Vector          []float32      `json:"vector"`
	TopK            int            `json:"topK"`
	IncludeMetadata bool           `json:"includeMetadata"`
	Filter          map[string]any `json:"filter,omitempty"`
}

type queryResponse struct {
	Matches []struct {
		ID       string          `json:"id"`
		Score    float64         `json:"score"`
		Metadata passageMetadata `json:"metadata"`
	} `json:"matches"`
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

type statsResponse struct {
	TotalVectorCount int `json:"totalVectorCount"`
	Dimension        int `json:"dimension"`
}

type errorResponse struct {
	Message string `json:"message"`
}
