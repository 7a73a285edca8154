package auth

import (
	"time"

	"github.com/jrsteele09/go-portal-auth/users"
)

// State is the authentication lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateAuthenticated
	StateUnauthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Session is the token set issued by the identity provider.
type Session struct {
	SubjectID    string
	Role         users.Role
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *users.User // raw user record
}

// Clone returns a copy that shares nothing with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.User = s.User.Clone()
	return &c
}

// Snapshot is a consistent view of the service state. Session, Role and Err
// always agree with State.
type Snapshot struct {
	State       State
	Session     *Session   // set only when AUTHENTICATED
	Role        users.Role // empty without a session
	Err         *AuthError // set only in StateError
	Initialized bool       // initialization has resolved at least once
	Seq         uint64     // increments with every notified transition
	ChangedAt   time.Time
}

// SubjectID returns the authenticated subject, or "".
func (s Snapshot) SubjectID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.SubjectID
}

// HasRole reports whether the snapshot's role is one of roles.
func (s Snapshot) HasRole(roles ...users.Role) bool {
	if s.Session == nil {
		return false
	}
	for _, r := range roles {
		if s.Role == r {
			return true
		}
	}
	return false
}

// StateListener observes transitions. It runs on the goroutine that caused
// the transition.
type StateListener func(Snapshot)
