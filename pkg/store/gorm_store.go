package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"finbot/pkg/domain"
)

const migrateLockID int64 = 48219340

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent replicas do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ChatModel{}, &MessageModel{}, &SessionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM chat_models c WHERE c.id = m.chat_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_chat_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_chat_id_fkey
					FOREIGN KEY (chat_id) REFERENCES chat_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure chat foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateUser registers a new user.
func (s *GormStore) CreateUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UpdateUser applies a partial update.
func (s *GormStore) UpdateUser(id string, update UserUpdate) error {
	updates := map[string]any{}
	if update.LastLoginAt != nil {
		updates["last_login_at"] = update.LastLoginAt.UTC()
	}
	if update.Status != nil {
		updates["status"] = string(*update.Status)
	}
	if update.PasswordHash != nil {
		updates["password_hash"] = *update.PasswordHash
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.Model(&UserModel{}).Where("id = ?", id).Updates(updates).Error
}

// CreateChat creates a new chat record.
func (s *GormStore) CreateChat(c domain.Chat) error {
	model := chatToModel(c)
	return s.db.Create(&model).Error
}

// GetChat retrieves a chat.
func (s *GormStore) GetChat(id string) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	return chatFromModel(model), true, nil
}

// ListChatsByUser returns the user's chats newest-activity first. The
// returned cursor is non-empty when more pages remain.
func (s *GormStore) ListChatsByUser(userID string, limit int, cursor string) ([]domain.Chat, string, error) {
	if limit <= 0 {
		return []domain.Chat{}, "", nil
	}
	query := s.db.Where("user_id = ?", userID)
	if cursor != "" {
		at, id, err := decodeChatCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query = query.Where("(updated_at, id) < (?, ?)", at, id)
	}
	var models []ChatModel
	if err := query.
		Order("updated_at DESC").
		Order("id DESC").
		Limit(limit + 1).
		Find(&models).Error; err != nil {
		return nil, "", err
	}
	next := ""
	if len(models) > limit {
		models = models[:limit]
		last := models[len(models)-1]
		next = encodeChatCursor(last.UpdatedAt, last.ID)
	}
	chats := make([]domain.Chat, 0, len(models))
	for _, model := range models {
		chats = append(chats, chatFromModel(model))
	}
	return chats, next, nil
}

// UpdateChatTitle renames a chat.
func (s *GormStore) UpdateChatTitle(id, title string) error {
	return s.db.Model(&ChatModel{}).Where("id = ?", id).Updates(map[string]any{
		"title":      title,
		"updated_at": time.Now().UTC(),
	}).Error
}

// DeleteChat removes a chat and its messages.
func (s *GormStore) DeleteChat(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "chat_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ChatModel{}, "id = ?", id).Error
	})
}

// IncrementChatMessageCount bumps message_count in one statement.
func (s *GormStore) IncrementChatMessageCount(id string) error {
	return s.db.Model(&ChatModel{}).Where("id = ?", id).Updates(map[string]any{
		"message_count": gorm.Expr("message_count + 1"),
		"updated_at":    time.Now().UTC(),
	}).Error
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model, err := messageToModel(msg)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// ListMessages returns a page of a chat's messages in chronological order.
func (s *GormStore) ListMessages(chatID string, limit int, cursor string) ([]domain.Message, string, error) {
	if limit <= 0 {
		return []domain.Message{}, "", nil
	}
	query := s.db.Where("chat_id = ?", chatID)
	if cursor != "" {
		query = query.Where("sort_key > ?", cursor)
	}
	var models []MessageModel
	if err := query.
		Order("sort_key ASC").
		Limit(limit + 1).
		Find(&models).Error; err != nil {
		return nil, "", err
	}
	next := ""
	if len(models) > limit {
		models = models[:limit]
		next = models[len(models)-1].SortKey
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		m, err := messageFromModel(model)
		if err != nil {
			return nil, "", err
		}
		msgs = append(msgs, m)
	}
	return msgs, next, nil
}

// RecentMessages returns the newest messages of a chat, oldest first.
func (s *GormStore) RecentMessages(chatID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	var models []MessageModel
	if err := s.db.Where("chat_id = ?", chatID).
		Order("sort_key DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		m, err := messageFromModel(models[i])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// CreateSession persists a new session.
func (s *GormStore) CreateSession(sess domain.Session) error {
	model := sessionToModel(sess)
	return s.db.Create(&model).Error
}

// GetSession returns one session by ID.
func (s *GormStore) GetSession(id string) (domain.Session, bool, error) {
	var model SessionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// GetSessionByRefreshToken looks a session up by refresh-token value.
func (s *GormStore) GetSessionByRefreshToken(token string) (domain.Session, bool, error) {
	var model SessionModel
	if err := s.db.Where("refresh_token = ?", token).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// ListSessionsByUser returns the user's sessions, newest first.
func (s *GormStore) ListSessionsByUser(userID string, activeOnly bool) ([]domain.Session, error) {
	query := s.db.Where("user_id = ?", userID)
	if activeOnly {
		query = query.Where("active = ? AND expires_at > ?", true, time.Now().UTC())
	}
	var models []SessionModel
	if err := query.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	sessions := make([]domain.Session, 0, len(models))
	for _, model := range models {
		sessions = append(sessions, sessionFromModel(model))
	}
	return sessions, nil
}

// UpdateSession applies a partial update.
func (s *GormStore) UpdateSession(id string, update SessionUpdate) error {
	updates := map[string]any{}
	if update.Active != nil {
		updates["active"] = *update.Active
	}
	if update.AccessToken != nil {
		updates["access_token"] = *update.AccessToken
	}
	if update.LastActivity != nil {
		updates["last_activity"] = update.LastActivity.UTC()
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.Model(&SessionModel{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteSession removes one session.
func (s *GormStore) DeleteSession(id string) error {
	return s.db.Delete(&SessionModel{}, "id = ?", id).Error
}

// DeleteExpiredSessions removes sessions whose expiry is in the past and
// returns how many were deleted.
func (s *GormStore) DeleteExpiredSessions(now time.Time) (int, error) {
	res := s.db.Delete(&SessionModel{}, "expires_at < ?", now.UTC())
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// RevokeUserSessions marks every session of the user inactive.
func (s *GormStore) RevokeUserSessions(userID string) error {
	return s.db.Model(&SessionModel{}).Where("user_id = ?", userID).Update("active", false).Error
}

func encodeChatCursor(updatedAt time.Time, id string) string {
	return updatedAt.UTC().Format(time.RFC3339Nano) + "#" + id
}

func decodeChatCursor(cursor string) (time.Time, string, error) {
	at, id, ok := strings.Cut(cursor, "#")
	if !ok {
		return time.Time{}, "", fmt.Errorf("invalid cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor")
	}
	return ts, id, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		LastLoginAt:  u.LastLoginAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		Status:       status,
		CreatedAt:    m.CreatedAt,
		LastLoginAt:  m.LastLoginAt,
	}
}

func chatToModel(c domain.Chat) ChatModel {
	return ChatModel{
		ID:           c.ID,
		UserID:       c.UserID,
		Title:        c.Title,
		MessageCount: c.MessageCount,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func chatFromModel(m ChatModel) domain.Chat {
	return domain.Chat{
		ID:           m.ID,
		UserID:       m.UserID,
		Title:        m.Title,
		MessageCount: m.MessageCount,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	model := MessageModel{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SortKey:   msg.SortKey(),
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	if msg.Metadata != nil {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return MessageModel{}, fmt.Errorf("marshal message metadata: %w", err)
		}
		model.Metadata = raw
	}
	return model, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	msg := domain.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      domain.MessageRole(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if len(m.Metadata) > 0 {
		meta := domain.MessageMetadata{}
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return domain.Message{}, fmt.Errorf("unmarshal message metadata: %w", err)
		}
		msg.Metadata = &meta
	}
	return msg, nil
}

func sessionToModel(sess domain.Session) SessionModel {
	return SessionModel{
		ID:           sess.ID,
		UserID:       sess.UserID,
		RefreshToken: sess.RefreshToken,
		AccessToken:  sess.AccessToken,
		Active:       sess.Active,
		DeviceInfo:   sess.DeviceInfo,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		ExpiresAt:    sess.ExpiresAt,
	}
}

func sessionFromModel(m SessionModel) domain.Session {
	return domain.Session{
		ID:           m.ID,
		UserID:       m.UserID,
		RefreshToken: m.RefreshToken,
		AccessToken:  m.AccessToken,
		Active:       m.Active,
		DeviceInfo:   m.DeviceInfo,
		CreatedAt:    m.CreatedAt,
		LastActivity: m.LastActivity,
		ExpiresAt:    m.ExpiresAt,
	}
}
