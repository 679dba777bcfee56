// Package knowledge manages the FAQ corpus behind retrieval: adding and
// removing documents, ad-hoc similarity search, and index statistics.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"finbot/pkg/ai"
	"finbot/pkg/vector"
)

var ErrInvalidDocument = errors.New("document title and content required")

// Document is one knowledge-base entry as submitted by operators.
type Document struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Source   string `json:"source,omitempty"`
	Category string `json:"category,omitempty"`
}

// Service embeds documents and maintains the vector index.
type Service struct {
	embedder ai.Embedder
	index    vector.Index
	log      *slog.Logger
}

func New(embedder ai.Embedder, index vector.Index, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{embedder: embedder, index: index, log: log}
}

// AddDocument embeds and indexes one document. A missing ID is generated.
func (s *Service) AddDocument(ctx context.Context, doc Document) (Document, error) {
	doc.Title = strings.TrimSpace(doc.Title)
	doc.Content = strings.TrimSpace(doc.Content)
	if doc.Title == "" || doc.Content == "" {
		return Document{}, ErrInvalidDocument
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	embedding, err := s.embedder.EmbedText(ctx, doc.Title+"\n"+doc.Content)
	if err != nil {
		return Document{}, fmt.Errorf("embed document: %w", err)
	}
	passage := vector.Passage{
		ID:       doc.ID,
		Content:  doc.Content,
		Title:    doc.Title,
		Source:   doc.Source,
		Category: doc.Category,
	}
	if err := s.index.Upsert(ctx, passage, embedding); err != nil {
		return Document{}, fmt.Errorf("index document: %w", err)
	}
	s.log.Info("document indexed", "doc_id", doc.ID, "category", doc.Category)
	return doc, nil
}

// DeleteDocument removes one document from the index.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidDocument
	}
	if err := s.index.Delete(ctx, []string{id}); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Search embeds the query and returns the topK closest documents.
func (s *Service) Search(ctx context.Context, query string, topK int, category string) ([]vector.Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query required")
	}
	if topK <= 0 {
		topK = 5
	}
	embedding, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.index.Query(ctx, embedding, topK, category)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return matches, nil
}

// Stats reports index size and dimensionality.
func (s *Service) Stats(ctx context.Context) (vector.Stats, error) {
	return s.index.Stats(ctx)
}
