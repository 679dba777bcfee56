package store

import (
	"time"

	"finbot/pkg/domain"
)

// Store defines persistence operations for users, chats, messages, and
// sessions. Lookups return (zero, false, nil) when the record does not
// exist; errors are reserved for storage failures.
type Store interface {
	// users
	CreateUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	UpdateUser(id string, update UserUpdate) error

	// chats
	CreateChat(domain.Chat) error
	GetChat(id string) (domain.Chat, bool, error)
	ListChatsByUser(userID string, limit int, cursor string) ([]domain.Chat, string, error)
	UpdateChatTitle(id, title string) error
	DeleteChat(id string) error
	// IncrementChatMessageCount bumps message_count by one in a single
	// statement. It is best-effort bookkeeping, not transactional with the
	// message append.
	IncrementChatMessageCount(id string) error

	// messages
	AppendMessage(domain.Message) error
	ListMessages(chatID string, limit int, cursor string) ([]domain.Message, string, error)
	// RecentMessages returns the newest messages of a chat in chronological
	// order, for building the model context window.
	RecentMessages(chatID string, limit int) ([]domain.Message, error)

	// sessions
	CreateSession(domain.Session) error
	GetSession(id string) (domain.Session, bool, error)
	GetSessionByRefreshToken(token string) (domain.Session, bool, error)
	ListSessionsByUser(userID string, activeOnly bool) ([]domain.Session, error)
	UpdateSession(id string, update SessionUpdate) error
	DeleteSession(id string) error
	DeleteExpiredSessions(now time.Time) (int, error)
	RevokeUserSessions(userID string) error
}

// UserUpdate is a partial user update; nil fields are left untouched.
type UserUpdate struct {
	LastLoginAt  *time.Time
	Status       *domain.UserStatus
	PasswordHash *string
}

// SessionUpdate is a partial session update; nil fields are left untouched.
type SessionUpdate struct {
	Active       *bool
	AccessToken  *string
	LastActivity *time.Time
}

// TokenRevoker blacklists access tokens until their natural expiry.
type TokenRevoker interface {
	Revoke(token string, ttl time.Duration) error
	IsRevoked(token string) (bool, error)
}
