package domain

import (
	"encoding/json"
	"time"
)

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

type Chat struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId,omitempty"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Message struct {
	ID        string           `json:"id"`
	ChatID    string           `json:"chatId"`
	Role      MessageRole      `json:"role"`
	Content   string           `json:"content"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// SortKey orders messages within a chat: timestamp first, message id as
// tie-breaker for messages created in the same nanosecond.
func (m Message) SortKey() string {
	return m.CreatedAt.UTC().Format(time.RFC3339Nano) + "#" + m.ID
}

// MessageMetadata records answer provenance on assistant messages.
type MessageMetadata struct {
	Sources    []Source `json:"sources,omitempty"`
	TokensUsed int      `json:"tokensUsed"`
	Model      string   `json:"model,omitempty"`
	Error      string   `json:"error,omitempty"`
	ErrorType  string   `json:"errorType,omitempty"`
}

// Source is a citation shown to the caller. Similarity is carried as a
// decimal literal so the score survives storage and JSON round-trips
// without floating-point drift.
type Source struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Category   string      `json:"category,omitempty"`
	Similarity json.Number `json:"similarity"`
}

// RetrievedPassage is a raw nearest-neighbor hit before filtering.
type RetrievedPassage struct {
	ID       string
	Content  string
	Title    string
	Category string
	Score    float64
}

type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	RefreshToken string    `json:"-"`
	AccessToken  string    `json:"-"`
	Active       bool      `json:"active"`
	DeviceInfo   string    `json:"deviceInfo,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type AnswerResult struct {
	Chat       Chat     `json:"chat"`
	Message    Message  `json:"message"`
	Sources    []Source `json:"sources"`
	TokensUsed int      `json:"tokensUsed"`
}
