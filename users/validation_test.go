package users_test

import (
	"testing"

	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
	"github.com/jrsteele09/go-portal-auth/users"
	"github.com/stretchr/testify/require"
)

func TestValidateCredentials(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		wantMsg  string
	}{
		{name: "valid credentials", email: "user@example.com", password: "password123"},
		{name: "surrounding spaces", email: " user@example.com ", password: "password123"},
		{name: "empty email", email: "  ", password: "password123", wantMsg: "email is required"},
		{name: "missing at", email: "userexample.com", password: "password123", wantMsg: "invalid email format"},
		{name: "missing domain dot", email: "user@example", password: "password123", wantMsg: "invalid email format"},
		{name: "empty local part", email: "@example.com", password: "password123", wantMsg: "invalid email format"},
		{name: "empty password", email: "user@example.com", wantMsg: "password is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := users.ValidateCredentials(tt.email, tt.password)
			if tt.wantMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantMsg)
			require.ErrorIs(t, err, perrors.ErrInvalidCredentials)
		})
	}
}

func TestValidateAccountState(t *testing.T) {
	tests := []struct {
		name        string
		user        *users.User
		wantSignIn  error
		wantSession error
	}{
		{name: "valid user", user: &users.User{ID: "user-1", Verified: true}},
		{name: "nil user", wantSignIn: perrors.ErrUserNotFound, wantSession: perrors.ErrUserNotFound},
		{
			name:        "blocked user",
			user:        &users.User{ID: "user-1", Verified: true, Blocked: true},
			wantSignIn:  perrors.ErrUserBlocked,
			wantSession: perrors.ErrUserBlocked,
		},
		{
			name:       "unverified user",
			user:       &users.User{ID: "user-1"},
			wantSignIn: perrors.ErrUserNotVerified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, users.ValidateSignInState(tt.user), tt.wantSignIn)
			require.ErrorIs(t, users.ValidateSessionState(tt.user), tt.wantSession)
		})
	}
}
