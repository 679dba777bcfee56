package chat

import "errors"

var (
	ErrEmptyMessage   = errors.New("message required")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrChatNotFound   = errors.New("chat not found")
	// ErrAccessDenied is returned when a chat belongs to another user.
	ErrAccessDenied = errors.New("access denied")
)
