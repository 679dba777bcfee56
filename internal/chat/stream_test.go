package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"finbot/pkg/domain"
	"finbot/pkg/vector"
)

func collect(t *testing.T, svc *Service, req AnswerRequest) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	for ev := range svc.AnswerStream(context.Background(), req) {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []domain.StreamEvent) string {
	var types []string
	for _, ev := range events {
		types = append(types, string(ev.Type))
	}
	return strings.Join(types, ",")
}

func TestStreamEventOrderNewChat(t *testing.T) {
	idx := &fakeIndex{matches: []vector.Match{
		match("doc-1", "Fees", "Monthly account fees are listed on the pricing page.", 0.88),
	}}
	comp := &fakeCompleter{deltas: []string{"See the ", "pricing page."}, tokens: 12}
	svc, _ := newTestService(t, idx, comp)

	events := collect(t, svc, AnswerRequest{Query: "what are the fees"})
	want := "chat,context_retrieving,context_retrieved,token,token,done"
	if got := eventTypes(events); got != want {
		t.Fatalf("event order %q, want %q", got, want)
	}
	if events[0].Chat == nil || events[0].Chat.ID == "" {
		t.Fatalf("chat event missing payload")
	}
	retrieved := events[2]
	if retrieved.ContextDocs != 1 || len(retrieved.Sources) != 1 {
		t.Fatalf("unexpected context_retrieved %+v", retrieved)
	}

	var concat strings.Builder
	for _, ev := range events {
		if ev.Type == domain.EventToken {
			concat.WriteString(ev.Content)
		}
	}
	done := events[len(events)-1]
	if done.Message == nil || done.Message.Content != concat.String() {
		t.Fatalf("token concatenation %q != done content %q", concat.String(), done.Message.Content)
	}
	if done.Message.Content != "See the pricing page." {
		t.Fatalf("unexpected content %q", done.Message.Content)
	}
}

func TestStreamNoChatEventOnExistingChat(t *testing.T) {
	svc, _ := newTestService(t, &fakeIndex{}, &fakeCompleter{deltas: []string{"ok"}})
	chatRec, err := svc.CreateChat(nil, "support")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	events := collect(t, svc, AnswerRequest{Query: "hello", ChatID: chatRec.ID})
	want := "context_retrieving,context_retrieved,token,done"
	if got := eventTypes(events); got != want {
		t.Fatalf("event order %q, want %q", got, want)
	}
}

func TestStreamGenerationFailure(t *testing.T) {
	comp := &fakeCompleter{deltas: []string{"partial "}, err: errors.New("upstream 500"), failAfter: 1}
	svc, st := newTestService(t, &fakeIndex{}, comp)

	events := collect(t, svc, AnswerRequest{Query: "hello"})
	want := "context_retrieving,context_retrieved,token,error"
	if got := eventTypes(events); got != want {
		t.Fatalf("event order %q, want %q", got, want)
	}
	last := events[len(events)-1]
	if last.Error == "" {
		t.Fatalf("error event missing message")
	}
	if strings.Contains(last.Error, "500") {
		t.Fatalf("upstream detail leaked into error event: %q", last.Error)
	}

	// The apology was still persisted for the chat history.
	chats, _, _ := st.ListChatsByUser("", 10, "")
	if len(chats) != 1 {
		t.Fatalf("expected one chat, got %d", len(chats))
	}
	msgs, _, _ := st.ListMessages(chats[0].ID, 10, "")
	if len(msgs) != 2 || msgs[1].Content != apologyContent {
		t.Fatalf("expected persisted apology, got %+v", msgs)
	}
	if msgs[1].Metadata == nil || msgs[1].Metadata.ErrorType != errorTypeGeneration {
		t.Fatalf("unexpected apology metadata %+v", msgs[1].Metadata)
	}
}

func TestStreamMissingChatFailsWithoutSideEffects(t *testing.T) {
	svc, st := newTestService(t, &fakeIndex{}, &fakeCompleter{deltas: []string{"ok"}})
	events := collect(t, svc, AnswerRequest{Query: "hello", ChatID: "missing"})
	if got := eventTypes(events); got != "error" {
		t.Fatalf("expected single error event, got %q", got)
	}
	msgs, _, _ := st.ListMessages("missing", 10, "")
	if len(msgs) != 0 {
		t.Fatalf("expected no persisted messages, got %d", len(msgs))
	}
}

func TestStreamValidationFailure(t *testing.T) {
	svc, _ := newTestService(t, &fakeIndex{}, &fakeCompleter{deltas: []string{"ok"}})
	events := collect(t, svc, AnswerRequest{Query: "  "})
	if got := eventTypes(events); got != "error" {
		t.Fatalf("expected single error event, got %q", got)
	}
}

func TestStreamConsumerBreakStopsUpstream(t *testing.T) {
	comp := &fakeCompleter{deltas: []string{"a", "b", "c", "d"}}
	svc, st := newTestService(t, &fakeIndex{}, comp)

	var seen []domain.StreamEvent
	for ev := range svc.AnswerStream(context.Background(), AnswerRequest{Query: "hello"}) {
		seen = append(seen, ev)
		if ev.Type == domain.EventToken {
			break
		}
	}
	if last := seen[len(seen)-1]; last.Type != domain.EventToken || last.Content != "a" {
		t.Fatalf("expected to stop at first token, got %+v", last)
	}
	// No assistant message was persisted after the break.
	chats, _, _ := st.ListChatsByUser("", 10, "")
	msgs, _, _ := st.ListMessages(chats[0].ID, 10, "")
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("expected only the user turn persisted, got %d messages", len(msgs))
	}
}

func TestStreamTerminalIsLast(t *testing.T) {
	comp := &fakeCompleter{deltas: []string{"one", "two"}, tokens: 3}
	svc, _ := newTestService(t, &fakeIndex{}, comp)
	events := collect(t, svc, AnswerRequest{Query: "hello"})
	for i, ev := range events {
		if ev.Terminal() && i != len(events)-1 {
			t.Fatalf("terminal event at position %d of %d", i, len(events))
		}
	}
	if !events[len(events)-1].Terminal() {
		t.Fatalf("last event not terminal")
	}
}
