package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	Username     string `gorm:"not null"`
	PasswordHash string `gorm:"not null"`
	Status       string
	CreatedAt    time.Time `gorm:"not null"`
	LastLoginAt  *time.Time
}

type ChatModel struct {
	ID           string    `gorm:"primaryKey"`
	UserID       string    `gorm:"index"`
	Title        string    `gorm:"not null"`
	MessageCount int       `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID        string         `gorm:"primaryKey"`
	ChatID    string         `gorm:"not null;index:idx_messages_chat_sort,priority:1"`
	SortKey   string         `gorm:"not null;index:idx_messages_chat_sort,priority:2"`
	Role      string         `gorm:"not null"`
	Content   string         `gorm:"type:text;not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}

type SessionModel struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index"`
	RefreshToken string `gorm:"uniqueIndex;not null"`
	AccessToken  string `gorm:"not null"`
	Active       bool   `gorm:"not null;default:true"`
	DeviceInfo   string
	CreatedAt    time.Time `gorm:"not null"`
	LastActivity time.Time `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null;index"`
}
