package auth

import "context"

// IdentityProvider is the remote identity service the auth Service reconciles
// its state with.
type IdentityProvider interface {
	// Authenticate exchanges credentials for a new session.
	Authenticate(ctx context.Context, identifier, secret string) (*Session, error)

	// Invalidate ends session with the provider.
	Invalidate(ctx context.Context, session *Session) error

	// ResendResetLink sends a password reset link to identifier.
	ResendResetLink(ctx context.Context, identifier string) error

	// CurrentSession returns the session the provider already holds, or
	// ErrNoSession.
	CurrentSession(ctx context.Context) (*Session, error)

	// Validate re-checks session and returns its current form, possibly with
	// refreshed tokens. Rejected sessions yield ErrSessionInvalid or
	// ErrSessionExpired.
	Validate(ctx context.Context, session *Session) (*Session, error)

	// Subscribe registers fn for session change events.
	Subscribe(fn func(SessionEvent)) (unsubscribe func())
}

type EventKind int

const (
	EventSignedIn EventKind = iota
	EventSignedOut
	EventTokenRefreshed
)

func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "SIGNED_IN"
	case EventSignedOut:
		return "SIGNED_OUT"
	case EventTokenRefreshed:
		return "TOKEN_REFRESHED"
	}
	return "UNKNOWN"
}

// SessionEvent is pushed by the provider when its session changes outside a
// call made by the Service.
type SessionEvent struct {
	Kind    EventKind
	Session *Session // nil for EventSignedOut
}
