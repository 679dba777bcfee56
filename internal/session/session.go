// Package session implements email+password sign-in with a dual-token
// scheme: short-lived access tokens paired with long-lived refresh tokens
// bound to persisted session records.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"finbot/pkg/auth"
	"finbot/pkg/domain"
	"finbot/pkg/store"
)

// TokenPair is the credential set handed to clients after sign-in or
// refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
}

// Manager owns user accounts, sessions, and token lifecycles.
type Manager struct {
	store   store.Store
	revoker store.TokenRevoker
	tokens  *auth.TokenIssuer
	log     *slog.Logger
}

// NewManager wires the session manager.
func NewManager(st store.Store, revoker store.TokenRevoker, tokens *auth.TokenIssuer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: st, revoker: revoker, tokens: tokens, log: log}
}

// SignInOrRegister authenticates an existing account or registers a new one
// when the email is unknown. New accounts derive their username from the
// email local part. Both paths end with a fresh session and token pair.
func (m *Manager) SignInOrRegister(email, password, deviceInfo string) (domain.User, TokenPair, domain.Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, TokenPair{}, domain.Session{}, ErrEmailAndPasswordRequired
	}

	user, exists, err := m.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, TokenPair{}, domain.Session{}, fmt.Errorf("lookup user: %w", err)
	}
	if exists {
		if user.Status == domain.StatusDisabled {
			return domain.User{}, TokenPair{}, domain.Session{}, ErrUserDisabled
		}
		if !auth.CheckPassword(password, user.PasswordHash) {
			return domain.User{}, TokenPair{}, domain.Session{}, ErrInvalidCredentials
		}
	} else {
		if err := auth.ValidatePassword(password); err != nil {
			return domain.User{}, TokenPair{}, domain.Session{}, fmt.Errorf("%w: %s", ErrWeakPassword, err)
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return domain.User{}, TokenPair{}, domain.Session{}, err
		}
		user = domain.User{
			ID:           uuid.NewString(),
			Email:        email,
			Username:     usernameFromEmail(email),
			PasswordHash: hash,
			Status:       domain.StatusActive,
			CreatedAt:    time.Now().UTC(),
		}
		if err := m.store.CreateUser(user); err != nil {
			return domain.User{}, TokenPair{}, domain.Session{}, fmt.Errorf("create user: %w", err)
		}
		m.log.Info("user registered", "user_id", user.ID)
	}

	now := time.Now().UTC()
	if err := m.store.UpdateUser(user.ID, store.UserUpdate{LastLoginAt: &now}); err != nil {
		return domain.User{}, TokenPair{}, domain.Session{}, fmt.Errorf("update last login: %w", err)
	}
	user.LastLoginAt = &now

	pair, sess, err := m.newSession(user.ID, deviceInfo)
	if err != nil {
		return domain.User{}, TokenPair{}, domain.Session{}, err
	}
	return user, pair, sess, nil
}

func (m *Manager) newSession(userID, deviceInfo string) (TokenPair, domain.Session, error) {
	access, err := m.tokens.IssueAccess(userID)
	if err != nil {
		return TokenPair{}, domain.Session{}, err
	}
	refresh, err := m.tokens.IssueRefresh(userID)
	if err != nil {
		return TokenPair{}, domain.Session{}, err
	}
	now := time.Now().UTC()
	sess := domain.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		RefreshToken: refresh,
		AccessToken:  access,
		Active:       true,
		DeviceInfo:   deviceInfo,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.tokens.RefreshTTL()),
	}
	if err := m.store.CreateSession(sess); err != nil {
		return TokenPair{}, domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(m.tokens.AccessTTL().Seconds()),
	}, sess, nil
}

// Refresh mints a new access token against a live session. The refresh
// token and the session expiry are left untouched: when the session window
// runs out the user signs in again.
func (m *Manager) Refresh(refreshToken string) (TokenPair, error) {
	userID, err := m.tokens.Verify(refreshToken, auth.TokenRefresh)
	if err != nil {
		return TokenPair{}, ErrUnauthorized
	}

	// The persisted session is the authority: a valid signature alone is
	// not enough once the session was revoked or swept.
	sess, ok, err := m.store.GetSessionByRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("lookup session: %w", err)
	}
	now := time.Now().UTC()
	if !ok || !sess.Active || !sess.ExpiresAt.After(now) || sess.UserID != userID {
		return TokenPair{}, ErrUnauthorized
	}

	user, ok, err := m.store.GetUserByID(userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok || user.Status == domain.StatusDisabled {
		return TokenPair{}, ErrUnauthorized
	}

	access, err := m.tokens.IssueAccess(userID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := m.store.UpdateSession(sess.ID, store.SessionUpdate{
		AccessToken:  &access,
		LastActivity: &now,
	}); err != nil {
		return TokenPair{}, fmt.Errorf("update session: %w", err)
	}
	return TokenPair{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int(m.tokens.AccessTTL().Seconds()),
	}, nil
}

// Logout revokes all of the user's sessions and blacklists their live
// access tokens until natural expiry.
func (m *Manager) Logout(userID string) error {
	sessions, err := m.store.ListSessionsByUser(userID, true)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if m.revoker != nil {
		for _, sess := range sessions {
			if sess.AccessToken == "" {
				continue
			}
			if err := m.revoker.Revoke(sess.AccessToken, m.tokens.AccessTTL()); err != nil {
				m.log.Warn("revoke access token failed", "session_id", sess.ID, "error", err)
			}
		}
	}
	if err := m.store.RevokeUserSessions(userID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// CurrentUser resolves an access token to its user. In optional mode a
// missing or invalid token yields (nil, nil) so anonymous callers pass
// through; otherwise every failure is ErrUnauthorized.
func (m *Manager) CurrentUser(accessToken string, optional bool) (*domain.User, error) {
	user, err := m.currentUser(accessToken)
	if err != nil {
		if optional {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

func (m *Manager) currentUser(accessToken string) (*domain.User, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, ErrUnauthorized
	}
	userID, err := m.tokens.Verify(accessToken, auth.TokenAccess)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if m.revoker != nil {
		revoked, err := m.revoker.IsRevoked(accessToken)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, ErrUnauthorized
		}
	}
	user, ok, err := m.store.GetUserByID(userID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !ok || user.Status == domain.StatusDisabled {
		return nil, ErrUnauthorized
	}
	return &user, nil
}

// Sessions lists the user's live sessions, newest first.
func (m *Manager) Sessions(userID string) ([]domain.Session, error) {
	return m.store.ListSessionsByUser(userID, true)
}

// DeleteSession removes one of the user's own sessions. A session owned by
// someone else is reported as not found.
func (m *Manager) DeleteSession(userID, sessionID string) error {
	sess, ok, err := m.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if !ok || sess.UserID != userID {
		return ErrSessionNotFound
	}
	if m.revoker != nil && sess.AccessToken != "" {
		if err := m.revoker.Revoke(sess.AccessToken, m.tokens.AccessTTL()); err != nil {
			m.log.Warn("revoke access token failed", "session_id", sess.ID, "error", err)
		}
	}
	return m.store.DeleteSession(sessionID)
}

// SweepExpired deletes sessions whose expiry has passed and returns the
// number removed.
func (m *Manager) SweepExpired() (int, error) {
	deleted, err := m.store.DeleteExpiredSessions(time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	if deleted > 0 {
		m.log.Info("expired sessions swept", "deleted", deleted)
	}
	return deleted, nil
}

func usernameFromEmail(email string) string {
	name, _, _ := strings.Cut(email, "@")
	if name == "" {
		return email
	}
	return name
}
