package users

import (
	"fmt"
	"strings"

	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
)

// ValidateCredentials checks the shape of a sign-in attempt before any
// lookup is made. Failures wrap ErrInvalidCredentials.
func ValidateCredentials(email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required: %w", perrors.ErrInvalidCredentials)
	}

	// Basic email format validation
	at := strings.LastIndex(email, "@")
	if at < 1 || !strings.Contains(email[at:], ".") {
		return fmt.Errorf("invalid email format: %w", perrors.ErrInvalidCredentials)
	}

	if password == "" {
		return fmt.Errorf("password is required: %w", perrors.ErrInvalidCredentials)
	}
	return nil
}

// ValidateSignInState checks that the account may start a session.
func ValidateSignInState(user *User) error {
	switch {
	case user == nil:
		return perrors.ErrUserNotFound
	case user.Blocked:
		return perrors.ErrUserBlocked
	case !user.Verified:
		return perrors.ErrUserNotVerified
	}
	return nil
}

// ValidateSessionState checks that an existing session may continue for the
// account. Unverified accounts keep their sessions; blocked ones do not.
func ValidateSessionState(user *User) error {
	switch {
	case user == nil:
		return perrors.ErrUserNotFound
	case user.Blocked:
		return perrors.ErrUserBlocked
	}
	return nil
}
