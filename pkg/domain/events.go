package domain

// EventType discriminates streaming answer events.
type EventType string

const (
	// EventChat announces a chat created for this request. Emitted at most
	// once, before any other event, and only when the chat did not exist.
	EventChat EventType = "chat"
	// EventContextRetrieving marks the start of knowledge-base retrieval.
	EventContextRetrieving EventType = "context_retrieving"
	// EventContextRetrieved carries the citation set chosen for the answer.
	EventContextRetrieved EventType = "context_retrieved"
	// EventToken carries one generated text fragment.
	EventToken EventType = "token"
	// EventDone is the success terminal: the persisted assistant message.
	EventDone EventType = "done"
	// EventError is the failure terminal.
	EventError EventType = "error"
)

// StreamEvent is one element of a streaming answer. Exactly one terminal
// event (done or error) ends every stream; nothing follows it.
type StreamEvent struct {
	Type        EventType `json:"type"`
	Chat        *Chat     `json:"chat,omitempty"`
	Sources     []Source  `json:"sources,omitempty"`
	ContextDocs int       `json:"contextDocs,omitempty"`
	Content     string    `json:"content,omitempty"`
	Message     *Message  `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
