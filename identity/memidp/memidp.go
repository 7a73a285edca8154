// Package memidp is an in-memory identity provider backed by a users.UserRepo.
// Passwords are checked with bcrypt and sessions are signed JWTs.
package memidp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jrsteele09/go-portal-auth/auth"
	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
	"github.com/jrsteele09/go-portal-auth/token"
	"github.com/jrsteele09/go-portal-auth/users"
	"github.com/rs/zerolog"
)

var _ auth.IdentityProvider = (*Provider)(nil)

type Provider struct {
	users  users.UserRepo
	issuer *token.Issuer
	logger zerolog.Logger

	lock        sync.Mutex
	current     *auth.Session
	revoked     map[string]struct{} // token ids
	refresh     map[string]string   // refresh token -> user id
	resets      []string
	subscribers map[int]func(auth.SessionEvent)
	nextSub     int
	unavailable bool
	hang        bool
	restored    chan struct{}
}

type Option func(*Provider)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

func New(repo users.UserRepo, issuer *token.Issuer, opts ...Option) (*Provider, error) {
	if repo == nil {
		return nil, errors.New("[memidp.New] user repo is required")
	}
	if issuer == nil {
		return nil, errors.New("[memidp.New] token issuer is required")
	}
	p := &Provider{
		users:       repo,
		issuer:      issuer,
		logger:      zerolog.Nop(),
		revoked:     make(map[string]struct{}),
		refresh:     make(map[string]string),
		subscribers: make(map[int]func(auth.SessionEvent)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// JWKS publishes the keys that verify this provider's access tokens.
func (p *Provider) JWKS() (*token.JWKS, error) {
	return p.issuer.JWKS()
}

// SetUnavailable takes the provider offline. Calls then fail with
// ErrProviderOffline, or block until SetAvailable or their context ends when
// hang is true.
func (p *Provider) SetUnavailable(hang bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.unavailable {
		p.restored = make(chan struct{})
	}
	p.unavailable = true
	p.hang = hang
}

// SetAvailable brings the provider back and releases hanging calls.
func (p *Provider) SetAvailable() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.unavailable {
		close(p.restored)
	}
	p.unavailable = false
	p.hang = false
}

func (p *Provider) checkAvailable(ctx context.Context) error {
	p.lock.Lock()
	unavailable, hang, restored := p.unavailable, p.hang, p.restored
	p.lock.Unlock()

	switch {
	case !unavailable:
		return nil
	case !hang:
		return perrors.ErrProviderOffline
	}
	select {
	case <-restored:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetRequests returns the identifiers reset links were sent to.
func (p *Provider) ResetRequests() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]string(nil), p.resets...)
}

func (p *Provider) Authenticate(ctx context.Context, identifier, secret string) (*auth.Session, error) {
	if err := p.checkAvailable(ctx); err != nil {
		return nil, err
	}
	if err := users.ValidateCredentials(identifier, secret); err != nil {
		return nil, err
	}

	user, err := p.users.GetByEmail(strings.TrimSpace(identifier))
	switch {
	case errors.Is(err, perrors.ErrUserNotFound):
		return nil, perrors.ErrInvalidCredentials
	case err != nil:
		return nil, perrors.Wrapf(err, "memidp: lookup user")
	}
	if !users.CheckPasswordHash(secret, user.PasswordHash) {
		return nil, perrors.ErrInvalidCredentials
	}
	if err := users.ValidateSignInState(user); err != nil {
		return nil, err
	}
	if err := p.users.SetLastLogin(user.Email); err != nil {
		p.logger.Warn().Err(err).Str("user", user.ID).Msg("failed to record last login")
	}

	session, err := p.issue(user)
	if err != nil {
		return nil, err
	}

	p.lock.Lock()
	p.current = session.Clone()
	p.lock.Unlock()

	p.emit(auth.SessionEvent{Kind: auth.EventSignedIn, Session: session.Clone()})
	return session, nil
}

func (p *Provider) issue(user *users.User) (*auth.Session, error) {
	raw, claims, err := p.issuer.Issue(user)
	if err != nil {
		return nil, perrors.Wrapf(err, "memidp: issue access token")
	}
	refresh, err := token.NewOpaqueToken()
	if err != nil {
		return nil, perrors.Wrapf(err, "memidp: issue refresh token")
	}

	p.lock.Lock()
	p.refresh[refresh] = user.ID
	p.lock.Unlock()

	user = user.Clone()
	user.PasswordHash = ""
	return &auth.Session{
		SubjectID:    user.ID,
		Role:         user.Role,
		AccessToken:  raw,
		RefreshToken: refresh,
		ExpiresAt:    claims.ExpiresAt.Time,
		User:         user,
	}, nil
}

// Invalidate revokes the session's tokens. Unknown or already revoked
// sessions are not an error.
func (p *Provider) Invalidate(ctx context.Context, session *auth.Session) error {
	if err := p.checkAvailable(ctx); err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	claims, err := p.issuer.Parse(session.AccessToken)

	p.lock.Lock()
	if err == nil {
		p.revoked[claims.ID] = struct{}{}
	}
	delete(p.refresh, session.RefreshToken)
	wasCurrent := p.current != nil && p.current.AccessToken == session.AccessToken
	if wasCurrent {
		p.current = nil
	}
	p.lock.Unlock()

	if wasCurrent {
		p.emit(auth.SessionEvent{Kind: auth.EventSignedOut})
	}
	return nil
}

// ResendResetLink records a reset request for known users. Unknown
// identifiers succeed silently so the call does not reveal which accounts
// exist.
func (p *Provider) ResendResetLink(ctx context.Context, identifier string) error {
	if err := p.checkAvailable(ctx); err != nil {
		return err
	}
	user, err := p.users.GetByEmail(identifier)
	switch {
	case errors.Is(err, perrors.ErrUserNotFound):
		p.logger.Debug().Msg("reset requested for unknown user")
		return nil
	case err != nil:
		return perrors.Wrapf(err, "memidp: lookup user")
	}

	p.lock.Lock()
	p.resets = append(p.resets, user.Email)
	p.lock.Unlock()
	return nil
}

// CurrentSession returns the last signed-in session, refreshing it when its
// access token has expired.
func (p *Provider) CurrentSession(ctx context.Context) (*auth.Session, error) {
	if err := p.checkAvailable(ctx); err != nil {
		return nil, err
	}

	p.lock.Lock()
	current := p.current.Clone()
	p.lock.Unlock()

	if current == nil {
		return nil, perrors.ErrNoSession
	}
	session, err := p.Validate(ctx, current)
	if err != nil {
		p.lock.Lock()
		p.current = nil
		p.lock.Unlock()
		return nil, perrors.ErrNoSession
	}
	return session, nil
}

// Validate checks the access token and reloads the user. An expired token is
// exchanged through the refresh token, emitting EventTokenRefreshed.
func (p *Provider) Validate(ctx context.Context, session *auth.Session) (*auth.Session, error) {
	if err := p.checkAvailable(ctx); err != nil {
		return nil, err
	}
	if session == nil {
		return nil, perrors.ErrNoSession
	}

	claims, err := p.issuer.Parse(session.AccessToken)
	switch {
	case errors.Is(err, perrors.ErrSessionExpired):
		return p.refreshSession(session)
	case err != nil:
		return nil, perrors.Wrapf(perrors.ErrSessionInvalid, "memidp: %v", err)
	}

	p.lock.Lock()
	_, revoked := p.revoked[claims.ID]
	p.lock.Unlock()
	if revoked {
		return nil, perrors.Wrapf(perrors.ErrSessionInvalid, "memidp: %v", perrors.ErrTokenRevoked)
	}

	user, err := p.activeUser(claims.Subject)
	if err != nil {
		return nil, err
	}
	user.PasswordHash = ""
	fresh := session.Clone()
	fresh.Role = user.Role
	fresh.User = user
	return fresh, nil
}

func (p *Provider) refreshSession(session *auth.Session) (*auth.Session, error) {
	p.lock.Lock()
	userID, ok := p.refresh[session.RefreshToken]
	delete(p.refresh, session.RefreshToken)
	p.lock.Unlock()
	if !ok {
		return nil, perrors.ErrSessionExpired
	}

	user, err := p.activeUser(userID)
	if err != nil {
		return nil, err
	}
	fresh, err := p.issue(user)
	if err != nil {
		return nil, err
	}

	p.lock.Lock()
	if p.current != nil && p.current.RefreshToken == session.RefreshToken {
		p.current = fresh.Clone()
	}
	p.lock.Unlock()

	p.emit(auth.SessionEvent{Kind: auth.EventTokenRefreshed, Session: fresh.Clone()})
	return fresh, nil
}

func (p *Provider) activeUser(id string) (*users.User, error) {
	user, err := p.users.GetByID(id)
	switch {
	case errors.Is(err, perrors.ErrUserNotFound):
		return nil, perrors.Wrapf(perrors.ErrSessionInvalid, "memidp: user %s no longer exists", id)
	case err != nil:
		return nil, perrors.Wrapf(err, "memidp: lookup user")
	}
	if err := users.ValidateSessionState(user); err != nil {
		return nil, fmt.Errorf("memidp: user %s: %w: %w", id, perrors.ErrSessionInvalid, err)
	}
	return user, nil
}

func (p *Provider) Subscribe(fn func(auth.SessionEvent)) func() {
	p.lock.Lock()
	defer p.lock.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			p.lock.Lock()
			defer p.lock.Unlock()
			delete(p.subscribers, id)
		})
	}
}

func (p *Provider) emit(ev auth.SessionEvent) {
	p.lock.Lock()
	subs := make([]func(auth.SessionEvent), 0, len(p.subscribers))
	for i := 0; i < p.nextSub; i++ {
		if fn, ok := p.subscribers[i]; ok {
			subs = append(subs, fn)
		}
	}
	p.lock.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
