package session

import "errors"

var (
	// ErrInvalidCredentials is returned when the supplied password does not
	// match an existing account. The message is safe to show to end users
	// and does not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	// ErrUserDisabled is returned when an account is disabled. Handlers map
	// it to a generic validation failure rather than exposing the state.
	ErrUserDisabled = errors.New("user account is disabled")

	ErrEmailAndPasswordRequired = errors.New("email and password required")

	// ErrWeakPassword wraps the password policy failure on registration.
	ErrWeakPassword = errors.New("password does not meet requirements")

	// ErrUnauthorized covers every failed token verification: bad signature,
	// expiry, wrong token type, revocation, or a missing session row.
	ErrUnauthorized = errors.New("unauthorized")

	ErrSessionNotFound = errors.New("session not found")
)
