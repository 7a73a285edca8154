package auth

import (
	"errors"

	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
)

var (
	ErrAlreadyStarted = errors.New("auth service already started")
	ErrClosed         = errors.New("auth service closed")
)

// AuthError is the structured failure reported by the service. The service
// holds one exactly while it is in StateError; SignIn also returns one.
type AuthError struct {
	Message string
	Cause   error
}

func (e *AuthError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// signInMessage maps a sign-in failure onto the message shown to the user.
func signInMessage(err error) string {
	switch {
	case errors.Is(err, perrors.ErrInvalidCredentials), errors.Is(err, perrors.ErrUserNotFound):
		return "Invalid email or password"
	case errors.Is(err, perrors.ErrUserBlocked):
		return "This account has been blocked"
	case errors.Is(err, perrors.ErrUserNotVerified):
		return "Please verify your email address before signing in"
	case errors.Is(err, perrors.ErrProviderOffline):
		return "The sign-in service is unavailable, please try again later"
	}
	return "Sign in failed"
}

// isSessionRejection reports whether a validation error means the session is
// gone rather than that the provider could not be asked.
func isSessionRejection(err error) bool {
	return errors.Is(err, perrors.ErrSessionInvalid) ||
		errors.Is(err, perrors.ErrSessionExpired) ||
		errors.Is(err, perrors.ErrNoSession) ||
		errors.Is(err, perrors.ErrInvalidToken) ||
		errors.Is(err, perrors.ErrTokenRevoked)
}
