// Package chat implements the retrieval-augmented answer pipeline: resolve
// the chat, persist the user turn, retrieve and filter knowledge-base
// context, call the model, and persist the assistant turn.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"finbot/pkg/ai"
	"finbot/pkg/domain"
	"finbot/pkg/store"
	"finbot/pkg/vector"
)

const (
	maxMessageLen = 10000
	chatTitleLen  = 50

	defaultTopK          = 5
	defaultThreshold     = 0.3
	defaultHistoryWindow = 8

	// apologyContent is persisted verbatim when generation fails, so the
	// conversation keeps a user-visible record instead of a fault.
	apologyContent = "I'm sorry, I'm having trouble processing your request right now. Please try again later."

	errorTypeGeneration = "ai_generation_failed"
)

// Config tunes retrieval and context assembly.
type Config struct {
	TopK                int
	SimilarityThreshold float64
	HistoryWindow       int
}

// AnswerRequest is one user turn. ChatID empty means start a new chat; User
// nil means an anonymous caller.
type AnswerRequest struct {
	Query  string
	ChatID string
	User   *domain.User
}

// Service orchestrates RAG answers and owns chat/message management.
type Service struct {
	store         store.Store
	embedder      ai.Embedder
	completer     ai.Completer
	index         vector.Index
	topK          int
	threshold     float64
	historyWindow int
	log           *slog.Logger
}

// New wires the chat service.
func New(st store.Store, embedder ai.Embedder, completer ai.Completer, index vector.Index, cfg Config, log *slog.Logger) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaultThreshold
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:         st,
		embedder:      embedder,
		completer:     completer,
		index:         index,
		topK:          cfg.TopK,
		threshold:     cfg.SimilarityThreshold,
		historyWindow: cfg.HistoryWindow,
		log:           log,
	}
}

// Answer runs the full pipeline and blocks until the assistant message is
// persisted. Generation failures never surface as errors: they become a
// persisted apology message with error metadata. Only request-shape
// violations and storage failures propagate.
func (s *Service) Answer(ctx context.Context, req AnswerRequest) (domain.AnswerResult, error) {
	query, err := validateQuery(req.Query)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	chatRec, _, err := s.resolveChat(req)
	if err != nil {
		return domain.AnswerResult{}, err
	}

	history, err := s.store.RecentMessages(chatRec.ID, s.historyWindow)
	if err != nil {
		return domain.AnswerResult{}, fmt.Errorf("load history: %w", err)
	}
	if err := s.appendMessage(chatRec.ID, domain.RoleUser, query, nil); err != nil {
		return domain.AnswerResult{}, err
	}

	matches := s.retrieveContext(ctx, query)
	sources := sourcesFromMatches(matches)

	completion, err := s.completer.Complete(ctx, buildSystemPrompt(matches), buildChatMessages(history, query))
	if err != nil {
		s.log.Error("answer generation failed", "chat_id", chatRec.ID, "error", err)
		msg, perr := s.persistApology(chatRec.ID, err)
		if perr != nil {
			return domain.AnswerResult{}, perr
		}
		return domain.AnswerResult{Chat: chatRec, Message: msg, Sources: []domain.Source{}, TokensUsed: 0}, nil
	}

	msg := domain.Message{
		ID:      uuid.NewString(),
		ChatID:  chatRec.ID,
		Role:    domain.RoleAssistant,
		Content: completion.Text,
		Metadata: &domain.MessageMetadata{
			Sources:    sources,
			TokensUsed: completion.TotalTokens,
			Model:      completion.Model,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.persist(msg); err != nil {
		return domain.AnswerResult{}, err
	}
	return domain.AnswerResult{Chat: chatRec, Message: msg, Sources: sources, TokensUsed: completion.TotalTokens}, nil
}

// CreateChat starts an empty chat for the user.
func (s *Service) CreateChat(user *domain.User, title string) (domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}
	chatRec := newChat(user, title)
	if err := s.store.CreateChat(chatRec); err != nil {
		return domain.Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return chatRec, nil
}

// GetChat returns one chat the user may read.
func (s *Service) GetChat(user *domain.User, chatID string) (domain.Chat, error) {
	chatRec, ok, err := s.store.GetChat(chatID)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if !ok {
		return domain.Chat{}, ErrChatNotFound
	}
	if !accessibleBy(chatRec, user) {
		return domain.Chat{}, ErrAccessDenied
	}
	return chatRec, nil
}

// ListChats returns a page of the user's chats, newest activity first.
func (s *Service) ListChats(user *domain.User, limit int, cursor string) ([]domain.Chat, string, error) {
	if user == nil {
		return []domain.Chat{}, "", nil
	}
	return s.store.ListChatsByUser(user.ID, limit, cursor)
}

// RenameChat updates a chat title.
func (s *Service) RenameChat(user *domain.User, chatID, title string) (domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Chat{}, ErrEmptyMessage
	}
	chatRec, err := s.GetChat(user, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	if err := s.store.UpdateChatTitle(chatRec.ID, truncateTitle(title)); err != nil {
		return domain.Chat{}, fmt.Errorf("rename chat: %w", err)
	}
	return s.GetChat(user, chatID)
}

// DeleteChat removes a chat and its messages.
func (s *Service) DeleteChat(user *domain.User, chatID string) error {
	chatRec, err := s.GetChat(user, chatID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteChat(chatRec.ID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

// ListMessages returns a page of a chat's messages in chronological order.
func (s *Service) ListMessages(user *domain.User, chatID string, limit int, cursor string) ([]domain.Message, string, error) {
	chatRec, err := s.GetChat(user, chatID)
	if err != nil {
		return nil, "", err
	}
	return s.store.ListMessages(chatRec.ID, limit, cursor)
}

// resolveChat loads the referenced chat or creates a fresh one titled after
// the query. The boolean reports creation.
func (s *Service) resolveChat(req AnswerRequest) (domain.Chat, bool, error) {
	if req.ChatID != "" {
		chatRec, ok, err := s.store.GetChat(req.ChatID)
		if err != nil {
			return domain.Chat{}, false, fmt.Errorf("get chat: %w", err)
		}
		if !ok {
			return domain.Chat{}, false, ErrChatNotFound
		}
		if !accessibleBy(chatRec, req.User) {
			return domain.Chat{}, false, ErrAccessDenied
		}
		return chatRec, false, nil
	}
	chatRec := newChat(req.User, truncateTitle(strings.TrimSpace(req.Query)))
	if err := s.store.CreateChat(chatRec); err != nil {
		return domain.Chat{}, false, fmt.Errorf("create chat: %w", err)
	}
	return chatRec, true, nil
}

// retrieveContext embeds the query, over-fetches candidates, and filters
// them down to the citation-worthy set. Any retrieval failure degrades to an
// empty context so generation still proceeds.
func (s *Service) retrieveContext(ctx context.Context, query string) []vector.Match {
	embedding, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.log.Warn("query embedding failed, answering without context", "error", err)
		return nil
	}
	matches, err := s.index.Query(ctx, embedding, 2*s.topK, "")
	if err != nil {
		s.log.Warn("vector search failed, answering without context", "error", err)
		return nil
	}
	// Every candidate that survives the filter is kept, even when that is
	// more than topK. Over-fetching only widens the pool the filter sees.
	return filterMatches(query, matches, s.threshold)
}

func (s *Service) appendMessage(chatID string, role domain.MessageRole, content string, meta *domain.MessageMetadata) error {
	return s.persist(domain.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Service) persist(msg domain.Message) error {
	if err := s.store.AppendMessage(msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	// Counter drift under concurrent writers is acceptable.
	if err := s.store.IncrementChatMessageCount(msg.ChatID); err != nil {
		s.log.Warn("increment message count failed", "chat_id", msg.ChatID, "error", err)
	}
	return nil
}

func (s *Service) persistApology(chatID string, cause error) (domain.Message, error) {
	msg := domain.Message{
		ID:      uuid.NewString(),
		ChatID:  chatID,
		Role:    domain.RoleAssistant,
		Content: apologyContent,
		Metadata: &domain.MessageMetadata{
			Error:      shortError(cause),
			ErrorType:  errorTypeGeneration,
			TokensUsed: 0,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.persist(msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func validateQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyMessage
	}
	if len(query) > maxMessageLen {
		return "", ErrMessageTooLong
	}
	return query, nil
}

func newChat(user *domain.User, title string) domain.Chat {
	now := time.Now().UTC()
	chatRec := domain.Chat{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if user != nil {
		chatRec.UserID = user.ID
	}
	return chatRec
}

func accessibleBy(chatRec domain.Chat, user *domain.User) bool {
	if chatRec.UserID == "" {
		return true
	}
	return user != nil && user.ID == chatRec.UserID
}

func truncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= chatTitleLen {
		return title
	}
	return string(runes[:chatTitleLen]) + "..."
}

// sourcesFromMatches converts matches to citations. The similarity score is
// formatted as a decimal literal so it survives every later round-trip
// bit-exactly.
func sourcesFromMatches(matches []vector.Match) []domain.Source {
	sources := make([]domain.Source, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, domain.Source{
			ID:         m.ID,
			Title:      m.Title,
			Category:   m.Category,
			Similarity: json.Number(strconv.FormatFloat(m.Score, 'f', -1, 64)),
		})
	}
	return sources
}

// shortError keeps upstream detail out of user-visible payloads.
func shortError(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
