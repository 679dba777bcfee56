// Package vector provides nearest-neighbor search over knowledge-base
// passages, either through a remote vector service or a local
// pgvector-backed table.
package vector

import "context"

// Passage is a knowledge-base entry stored alongside its embedding.
type Passage struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Title    string `json:"title"`
	Source   string `json:"source,omitempty"`
	Category string `json:"category,omitempty"`
}

// Match is one nearest-neighbor hit. Score is cosine similarity in [0, 1],
// higher is closer.
type Match struct {
	Passage
	Score float64 `json:"score"`
}

// Stats describes the index contents.
type Stats struct {
	VectorCount int `json:"vectorCount"`
	Dimensions  int `json:"dimensions"`
}

// Index is a vector search backend.
type Index interface {
	Upsert(ctx context.Context, passage Passage, embedding []float32) error
	Query(ctx context.Context, embedding []float32, topK int, category string) ([]Match, error)
	Delete(ctx context.Context, ids []string) error
	Stats(ctx context.Context) (Stats, error)
}
