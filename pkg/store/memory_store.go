package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"finbot/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and local runs
// without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	email    map[string]string // email -> user ID
	chats    map[string]domain.Chat
	messages map[string][]domain.Message // chat ID -> messages
	sessions map[string]domain.Session
	refresh  map[string]string // refresh token -> session ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		chats:    make(map[string]domain.Chat),
		messages: make(map[string][]domain.Message),
		sessions: make(map[string]domain.Session),
		refresh:  make(map[string]string),
	}
}

func (m *MemoryStore) CreateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.email[u.Email]; exists {
		return fmt.Errorf("email already registered")
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) UpdateUser(id string, update UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	if update.LastLoginAt != nil {
		at := update.LastLoginAt.UTC()
		u.LastLoginAt = &at
	}
	if update.Status != nil {
		u.Status = *update.Status
	}
	if update.PasswordHash != nil {
		u.PasswordHash = *update.PasswordHash
	}
	m.users[id] = u
	return nil
}

func (m *MemoryStore) CreateChat(c domain.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[c.ID] = c
	return nil
}

func (m *MemoryStore) GetChat(id string) (domain.Chat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	return c, ok, nil
}

func (m *MemoryStore) ListChatsByUser(userID string, limit int, cursor string) ([]domain.Chat, string, error) {
	if limit <= 0 {
		return []domain.Chat{}, "", nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]domain.Chat, 0)
	for _, c := range m.chats {
		if c.UserID == userID {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if cursor != "" {
		at, id, err := decodeChatCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		filtered := all[:0]
		for _, c := range all {
			if c.UpdatedAt.Before(at) || (c.UpdatedAt.Equal(at) && c.ID < id) {
				filtered = append(filtered, c)
			}
		}
		all = filtered
	}
	next := ""
	if len(all) > limit {
		all = all[:limit]
		last := all[len(all)-1]
		next = encodeChatCursor(last.UpdatedAt, last.ID)
	}
	return all, next, nil
}

func (m *MemoryStore) UpdateChatTitle(id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return nil
	}
	c.Title = title
	c.UpdatedAt = time.Now().UTC()
	m.chats[id] = c
	return nil
}

func (m *MemoryStore) DeleteChat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) IncrementChatMessageCount(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return nil
	}
	c.MessageCount++
	c.UpdatedAt = time.Now().UTC()
	m.chats[id] = c
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], cloneMessage(msg))
	return nil
}

func (m *MemoryStore) ListMessages(chatID string, limit int, cursor string) ([]domain.Message, string, error) {
	if limit <= 0 {
		return []domain.Message{}, "", nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ordered := m.orderedMessages(chatID)
	if cursor != "" {
		filtered := ordered[:0]
		for _, msg := range ordered {
			if msg.SortKey() > cursor {
				filtered = append(filtered, msg)
			}
		}
		ordered = filtered
	}
	next := ""
	if len(ordered) > limit {
		ordered = ordered[:limit]
		next = ordered[len(ordered)-1].SortKey()
	}
	return ordered, next, nil
}

func (m *MemoryStore) RecentMessages(chatID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ordered := m.orderedMessages(chatID)
	if len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered, nil
}

// orderedMessages returns cloned messages sorted by sort key. Callers hold
// the read lock.
func (m *MemoryStore) orderedMessages(chatID string) []domain.Message {
	msgs := m.messages[chatID]
	out := make([]domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, cloneMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].SortKey(), out[j].SortKey()) < 0
	})
	return out
}

func (m *MemoryStore) CreateSession(sess domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	m.refresh[sess.RefreshToken] = sess.ID
	return nil
}

func (m *MemoryStore) GetSession(id string) (domain.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok, nil
}

func (m *MemoryStore) GetSessionByRefreshToken(token string) (domain.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.refresh[token]
	if !ok {
		return domain.Session{}, false, nil
	}
	sess, exists := m.sessions[id]
	return sess, exists, nil
}

func (m *MemoryStore) ListSessionsByUser(userID string, activeOnly bool) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now().UTC()
	out := make([]domain.Session, 0)
	for _, sess := range m.sessions {
		if sess.UserID != userID {
			continue
		}
		if activeOnly && (!sess.Active || !sess.ExpiresAt.After(now)) {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateSession(id string, update SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	if update.Active != nil {
		sess.Active = *update.Active
	}
	if update.AccessToken != nil {
		sess.AccessToken = *update.AccessToken
	}
	if update.LastActivity != nil {
		sess.LastActivity = update.LastActivity.UTC()
	}
	m.sessions[id] = sess
	return nil
}

func (m *MemoryStore) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		delete(m.refresh, sess.RefreshToken)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) DeleteExpiredSessions(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, sess := range m.sessions {
		if sess.ExpiresAt.Before(now) {
			delete(m.refresh, sess.RefreshToken)
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) RevokeUserSessions(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if sess.UserID == userID {
			sess.Active = false
			m.sessions[id] = sess
		}
	}
	return nil
}

func cloneMessage(msg domain.Message) domain.Message {
	if msg.Metadata != nil {
		meta := *msg.Metadata
		if meta.Sources != nil {
			meta.Sources = append([]domain.Source(nil), meta.Sources...)
		}
		msg.Metadata = &meta
	}
	return msg
}
