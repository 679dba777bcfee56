package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"finbot/pkg/ai"
	"finbot/pkg/domain"
	"finbot/pkg/store"
	"finbot/pkg/vector"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := f.EmbedText(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

type fakeIndex struct {
	matches []vector.Match
	err     error
	queries int
	lastK   int
}

func (f *fakeIndex) Upsert(ctx context.Context, p vector.Passage, embedding []float32) error {
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, embedding []float32, topK int, category string) ([]vector.Match, error) {
	f.queries++
	f.lastK = topK
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func (f *fakeIndex) Delete(ctx context.Context, ids []string) error { return nil }

func (f *fakeIndex) Stats(ctx context.Context) (vector.Stats, error) {
	return vector.Stats{VectorCount: len(f.matches), Dimensions: 3}, nil
}

type fakeCompleter struct {
	deltas       []string
	err          error
	failAfter    int // deliver this many deltas before err (streaming only)
	tokens       int
	lastSystem   string
	lastMessages []ai.ChatMessage
}

func (f *fakeCompleter) Complete(ctx context.Context, system string, messages []ai.ChatMessage) (ai.Completion, error) {
	f.lastSystem = system
	f.lastMessages = messages
	if f.err != nil && f.failAfter == 0 {
		return ai.Completion{}, f.err
	}
	return ai.Completion{
		Text:        strings.Join(f.deltas, ""),
		Model:       "gpt-test",
		TotalTokens: f.tokens,
	}, nil
}

func (f *fakeCompleter) CompleteStream(ctx context.Context, system string, messages []ai.ChatMessage, onDelta func(string) error) (ai.Completion, error) {
	f.lastSystem = system
	f.lastMessages = messages
	for i, delta := range f.deltas {
		if f.err != nil && i == f.failAfter {
			return ai.Completion{}, f.err
		}
		if err := onDelta(delta); err != nil {
			return ai.Completion{}, err
		}
	}
	if f.err != nil && f.failAfter >= len(f.deltas) {
		return ai.Completion{}, f.err
	}
	return ai.Completion{
		Text:        strings.Join(f.deltas, ""),
		Model:       "gpt-test",
		TotalTokens: f.tokens,
	}, nil
}

func match(id, title, content string, score float64) vector.Match {
	return vector.Match{
		Passage: vector.Passage{ID: id, Title: title, Content: content},
		Score:   score,
	}
}

func newTestService(t *testing.T, idx *fakeIndex, comp *fakeCompleter) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := New(st, &fakeEmbedder{}, comp, idx, Config{TopK: 3, SimilarityThreshold: 0.3}, nil)
	return svc, st
}

func TestAnswerCreatesChatAndPersistsTurns(t *testing.T) {
	idx := &fakeIndex{matches: []vector.Match{
		match("doc-1", "Transfers", "Transfers between accounts take 1-2 business days.", 0.92),
	}}
	comp := &fakeCompleter{deltas: []string{"Transfers take 1-2 business days."}, tokens: 21}
	svc, st := newTestService(t, idx, comp)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "how long do transfers take"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if res.Chat.ID == "" {
		t.Fatalf("expected chat created")
	}
	if res.Message.Role != domain.RoleAssistant || res.Message.Content != "Transfers take 1-2 business days." {
		t.Fatalf("unexpected message %+v", res.Message)
	}
	if len(res.Sources) != 1 || res.Sources[0].ID != "doc-1" {
		t.Fatalf("unexpected sources %+v", res.Sources)
	}
	if res.Message.Metadata == nil || res.Message.Metadata.TokensUsed != 21 {
		t.Fatalf("expected token usage on metadata, got %+v", res.Message.Metadata)
	}
	if res.TokensUsed != 21 {
		t.Fatalf("expected token usage on result, got %d", res.TokensUsed)
	}
	// Over-fetch: the index sees 2x the configured topK.
	if idx.lastK != 6 {
		t.Fatalf("expected over-fetch of 6, got %d", idx.lastK)
	}
	if !strings.Contains(comp.lastSystem, "1. Transfers") {
		t.Fatalf("expected numbered excerpt in system prompt:\n%s", comp.lastSystem)
	}

	msgs, _, err := st.ListMessages(res.Chat.ID, 10, "")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("expected persisted user+assistant turns, got %d", len(msgs))
	}
	chatRec, _, _ := st.GetChat(res.Chat.ID)
	if chatRec.MessageCount != 2 {
		t.Fatalf("expected message count 2, got %d", chatRec.MessageCount)
	}
}

func TestAnswerValidation(t *testing.T) {
	svc, _ := newTestService(t, &fakeIndex{}, &fakeCompleter{deltas: []string{"x"}})
	if _, err := svc.Answer(context.Background(), AnswerRequest{Query: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
	long := strings.Repeat("a", maxMessageLen+1)
	if _, err := svc.Answer(context.Background(), AnswerRequest{Query: long}); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected too-long error, got %v", err)
	}
}

func TestAnswerMissingChatRejectedBeforeSideEffects(t *testing.T) {
	svc, st := newTestService(t, &fakeIndex{}, &fakeCompleter{deltas: []string{"x"}})
	_, err := svc.Answer(context.Background(), AnswerRequest{Query: "hello", ChatID: "nope"})
	if !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected chat not found, got %v", err)
	}
	msgs, _, _ := st.ListMessages("nope", 10, "")
	if len(msgs) != 0 {
		t.Fatalf("expected no persisted messages, got %d", len(msgs))
	}
}

func TestAnswerOwnershipEnforced(t *testing.T) {
	svc, st := newTestService(t, &fakeIndex{}, &fakeCompleter{deltas: []string{"x"}})
	owner := &domain.User{ID: "user-1"}
	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "hello", User: owner})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	other := &domain.User{ID: "user-2"}
	if _, err := svc.Answer(context.Background(), AnswerRequest{Query: "hi", ChatID: res.Chat.ID, User: other}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if _, err := svc.Answer(context.Background(), AnswerRequest{Query: "hi", ChatID: res.Chat.ID}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied for anonymous, got %v", err)
	}
	_ = st
}

func TestAnswerGenerationFailureRecovered(t *testing.T) {
	comp := &fakeCompleter{err: errors.New("model overloaded")}
	svc, st := newTestService(t, &fakeIndex{}, comp)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "hello"})
	if err != nil {
		t.Fatalf("generation failure must not surface as error, got %v", err)
	}
	if res.Message.Content != apologyContent {
		t.Fatalf("expected apology content, got %q", res.Message.Content)
	}
	meta := res.Message.Metadata
	if meta == nil || meta.ErrorType != errorTypeGeneration || meta.TokensUsed != 0 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if len(res.Sources) != 0 {
		t.Fatalf("expected no sources, got %d", len(res.Sources))
	}
	if res.TokensUsed != 0 {
		t.Fatalf("expected zero tokens used, got %d", res.TokensUsed)
	}
	msgs, _, _ := st.ListMessages(res.Chat.ID, 10, "")
	if len(msgs) != 2 {
		t.Fatalf("expected apology persisted, got %d messages", len(msgs))
	}
}

func TestAnswerKeepsAllFilterSurvivors(t *testing.T) {
	var matches []vector.Match
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("doc-%d", i)
		matches = append(matches, match(id, "Fees", "Wire transfer fees depend on the destination country.", 0.9))
	}
	idx := &fakeIndex{matches: matches}
	comp := &fakeCompleter{deltas: []string{"It depends."}, tokens: 4}
	svc, _ := newTestService(t, idx, comp)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "what are the wire fees"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	// topK only sizes the candidate fetch; every passage that clears the
	// filter stays in the context and the citations.
	if len(res.Sources) != 6 {
		t.Fatalf("expected all 6 surviving candidates as sources, got %d", len(res.Sources))
	}
	if !strings.Contains(comp.lastSystem, "6. Fees") {
		t.Fatalf("expected sixth excerpt in system prompt:\n%s", comp.lastSystem)
	}
}

func TestAnswerRetrievalFailureDegradesToEmptyContext(t *testing.T) {
	idx := &fakeIndex{err: errors.New("index down")}
	comp := &fakeCompleter{deltas: []string{"General answer."}, tokens: 5}
	svc, _ := newTestService(t, idx, comp)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "hello there friend"})
	if err != nil {
		t.Fatalf("retrieval failure must degrade, got %v", err)
	}
	if len(res.Sources) != 0 {
		t.Fatalf("expected zero sources, got %d", len(res.Sources))
	}
	if strings.Contains(comp.lastSystem, "knowledge base:") {
		t.Fatalf("expected bare persona prompt without excerpts")
	}
}

func TestAnswerTruncatesLongTitle(t *testing.T) {
	svc, _ := newTestService(t, &fakeIndex{}, &fakeCompleter{deltas: []string{"ok"}})
	query := strings.Repeat("q", 80)
	res, err := svc.Answer(context.Background(), AnswerRequest{Query: query})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	want := strings.Repeat("q", chatTitleLen) + "..."
	if res.Chat.Title != want {
		t.Fatalf("unexpected title %q", res.Chat.Title)
	}
}

func TestAnswerHistoryWindow(t *testing.T) {
	comp := &fakeCompleter{deltas: []string{"ok"}}
	svc, _ := newTestService(t, &fakeIndex{}, comp)

	first, err := svc.Answer(context.Background(), AnswerRequest{Query: "turn 0"})
	if err != nil {
		t.Fatalf("first answer: %v", err)
	}
	for i := 1; i < 8; i++ {
		if _, err := svc.Answer(context.Background(), AnswerRequest{
			Query: "turn " + strings.Repeat("x", i), ChatID: first.Chat.ID,
		}); err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
	}
	// 16 persisted turns so far; the window keeps the newest 8 plus the query.
	if _, err := svc.Answer(context.Background(), AnswerRequest{Query: "final question", ChatID: first.Chat.ID}); err != nil {
		t.Fatalf("final answer: %v", err)
	}
	if len(comp.lastMessages) != 9 {
		t.Fatalf("expected 8 history turns + query, got %d", len(comp.lastMessages))
	}
	last := comp.lastMessages[len(comp.lastMessages)-1]
	if last.Role != "user" || last.Content != "final question" {
		t.Fatalf("expected query last, got %+v", last)
	}
}

func TestChatManagement(t *testing.T) {
	svc, _ := newTestService(t, &fakeIndex{}, &fakeCompleter{deltas: []string{"ok"}})
	user := &domain.User{ID: "user-1"}

	created, err := svc.CreateChat(user, "Billing questions")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	got, err := svc.GetChat(user, created.ID)
	if err != nil || got.Title != "Billing questions" {
		t.Fatalf("get chat: %+v %v", got, err)
	}
	if _, err := svc.GetChat(&domain.User{ID: "user-2"}, created.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}

	renamed, err := svc.RenameChat(user, created.ID, "Card questions")
	if err != nil || renamed.Title != "Card questions" {
		t.Fatalf("rename chat: %+v %v", renamed, err)
	}

	chats, _, err := svc.ListChats(user, 10, "")
	if err != nil || len(chats) != 1 {
		t.Fatalf("list chats: %d %v", len(chats), err)
	}

	if err := svc.DeleteChat(user, created.ID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	if _, err := svc.GetChat(user, created.ID); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
