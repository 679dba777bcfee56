package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"finbot/pkg/domain"
)

// streamState tracks the answer pipeline phase. Transitions are strictly
// forward: retrieving -> generating -> persisting -> done | errored.
type streamState int

const (
	stateRetrieving streamState = iota
	stateGenerating
	statePersisting
	stateDone
	stateErrored
)

// errConsumerGone aborts upstream work once the consumer stops draining.
var errConsumerGone = errors.New("stream consumer gone")

// streamRun is one streaming answer in flight. emit refuses to produce
// anything after a terminal event, so the terminal-once invariant holds by
// construction.
type streamRun struct {
	state streamState
	yield func(domain.StreamEvent) bool
}

func (r *streamRun) emit(ev domain.StreamEvent) bool {
	if r.state == stateDone || r.state == stateErrored {
		return false
	}
	switch ev.Type {
	case domain.EventDone:
		r.state = stateDone
	case domain.EventError:
		r.state = stateErrored
	}
	return r.yield(ev)
}

func (r *streamRun) fail(err error) {
	r.emit(domain.StreamEvent{Type: domain.EventError, Error: err.Error()})
}

// AnswerStream runs the same pipeline as Answer but yields progress events
// as a lazy, finite, non-restartable sequence. Event order: an optional
// chat event first (new chat only), context_retrieving, context_retrieved,
// zero or more token events whose concatenation equals the final content,
// then exactly one terminal done or error event. Breaking out of the loop
// stops further upstream calls; side effects already persisted stand.
func (s *Service) AnswerStream(ctx context.Context, req AnswerRequest) iter.Seq[domain.StreamEvent] {
	return func(yield func(domain.StreamEvent) bool) {
		run := &streamRun{state: stateRetrieving, yield: yield}

		query, err := validateQuery(req.Query)
		if err != nil {
			run.fail(err)
			return
		}
		chatRec, created, err := s.resolveChat(req)
		if err != nil {
			run.fail(err)
			return
		}
		if created {
			if !run.emit(domain.StreamEvent{Type: domain.EventChat, Chat: &chatRec}) {
				return
			}
		}

		if !run.emit(domain.StreamEvent{Type: domain.EventContextRetrieving}) {
			return
		}
		history, err := s.store.RecentMessages(chatRec.ID, s.historyWindow)
		if err != nil {
			run.fail(fmt.Errorf("load history: %w", err))
			return
		}
		if err := s.appendMessage(chatRec.ID, domain.RoleUser, query, nil); err != nil {
			run.fail(err)
			return
		}
		matches := s.retrieveContext(ctx, query)
		sources := sourcesFromMatches(matches)
		if !run.emit(domain.StreamEvent{
			Type:        domain.EventContextRetrieved,
			Sources:     sources,
			ContextDocs: len(sources),
		}) {
			return
		}

		run.state = stateGenerating
		completion, err := s.completer.CompleteStream(ctx, buildSystemPrompt(matches), buildChatMessages(history, query), func(delta string) error {
			if !run.emit(domain.StreamEvent{Type: domain.EventToken, Content: delta}) {
				return errConsumerGone
			}
			return nil
		})
		if errors.Is(err, errConsumerGone) {
			return
		}
		if err != nil {
			s.log.Error("answer generation failed", "chat_id", chatRec.ID, "error", err)
			if _, perr := s.persistApology(chatRec.ID, err); perr != nil {
				s.log.Error("apology persistence failed", "chat_id", chatRec.ID, "error", perr)
			}
			run.fail(errors.New("answer generation failed"))
			return
		}

		run.state = statePersisting
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
			run.fail(err)
			return
		}

		run.emit(domain.StreamEvent{Type: domain.EventDone, Message: &msg, Sources: sources})
	}
}
