// Package oidcidp adapts an OpenID Connect provider to auth.IdentityProvider
// using the resource owner password grant.
package oidcidp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-portal-auth/auth"
	"github.com/jrsteele09/go-portal-auth/internal/config"
	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
	"github.com/jrsteele09/go-portal-auth/users"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var _ auth.IdentityProvider = (*Provider)(nil)

// expiryLeeway refreshes tokens slightly before they expire.
const expiryLeeway = 30 * time.Second

type Provider struct {
	oauth2Config  *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	httpClient    *http.Client
	revocationURL string
	resetURL      string
	roleClaim     string
	logger        zerolog.Logger
	nowTime       func() time.Time

	lock        sync.Mutex
	current     *auth.Session
	subscribers map[int]func(auth.SessionEvent)
	nextSub     int
}

type Option func(*Provider)

// WithHTTPClient sets the client used for discovery, token and revocation
// calls.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(p *Provider) {
		p.nowTime = nowFunc
	}
}

// New discovers the issuer's endpoints and builds the adapter.
func New(ctx context.Context, cfg config.IdentityConfig, opts ...Option) (*Provider, error) {
	if cfg == nil || cfg.GetIssuer() == "" {
		return nil, errors.New("[oidcidp.New] issuer is required")
	}
	if cfg.GetClientID() == "" {
		return nil, errors.New("[oidcidp.New] client id is required")
	}

	p := &Provider{
		httpClient:  http.DefaultClient,
		resetURL:    cfg.GetResetURL(),
		roleClaim:   cfg.GetRoleClaim(),
		logger:      zerolog.Nop(),
		nowTime:     time.Now,
		subscribers: make(map[int]func(auth.SessionEvent)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.roleClaim == "" {
		p.roleClaim = "role"
	}

	provider, err := oidc.NewProvider(p.clientContext(ctx), cfg.GetIssuer())
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	var endpoints struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&endpoints); err != nil {
		return nil, fmt.Errorf("failed to read OIDC discovery document: %w", err)
	}
	p.revocationURL = endpoints.RevocationEndpoint

	scopes := cfg.GetScopes()
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}
	}
	p.oauth2Config = &oauth2.Config{
		ClientID:     cfg.GetClientID(),
		ClientSecret: cfg.GetClientSecret(),
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
	p.verifier = provider.Verifier(&oidc.Config{
		ClientID: cfg.GetClientID(),
		Now:      p.nowTime,
	})
	return p, nil
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.httpClient)
}

func (p *Provider) Authenticate(ctx context.Context, identifier, secret string) (*auth.Session, error) {
	ctx = p.clientContext(ctx)
	tok, err := p.oauth2Config.PasswordCredentialsToken(ctx, identifier, secret)
	if err != nil {
		return nil, classifyTokenError(err, perrors.ErrInvalidCredentials)
	}

	session, err := p.sessionFromToken(ctx, tok, nil)
	if err != nil {
		return nil, err
	}

	p.lock.Lock()
	p.current = session.Clone()
	p.lock.Unlock()

	p.emit(auth.SessionEvent{Kind: auth.EventSignedIn, Session: session.Clone()})
	return session, nil
}

// idClaims are the ID token claims the adapter reads besides the role.
type idClaims struct {
	Email      string `json:"email"`
	Verified   bool   `json:"email_verified"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

// sessionFromToken verifies the token response's ID token and builds a
// session from it. When the response carries no ID token, as refresh
// responses may not, previous supplies the identity.
func (p *Provider) sessionFromToken(ctx context.Context, tok *oauth2.Token, previous *auth.Session) (*auth.Session, error) {
	session := &auth.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if session.RefreshToken == "" && previous != nil {
		session.RefreshToken = previous.RefreshToken
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		if previous == nil {
			return nil, fmt.Errorf("%w: no id_token in token response", perrors.ErrInvalidToken)
		}
		session.SubjectID = previous.SubjectID
		session.Role = previous.Role
		session.User = previous.User.Clone()
		return session, nil
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to verify ID token: %v", perrors.ErrInvalidToken, err)
	}

	var claims idClaims
	var all map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse ID token claims: %v", perrors.ErrInvalidToken, err)
	}
	if err := idToken.Claims(&all); err != nil {
		return nil, fmt.Errorf("%w: failed to parse ID token claims: %v", perrors.ErrInvalidToken, err)
	}

	role := users.RoleNone
	if raw, ok := all[p.roleClaim].(string); ok {
		role = users.ParseRole(raw)
	}

	session.SubjectID = idToken.Subject
	session.Role = role
	session.User = &users.User{
		ID:        idToken.Subject,
		Email:     claims.Email,
		FirstName: claims.GivenName,
		LastName:  claims.FamilyName,
		Role:      role,
		Verified:  claims.Verified,
		LastLogin: idToken.IssuedAt,
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = idToken.Expiry
	}
	return session, nil
}

// Invalidate revokes the refresh token (RFC 7009) when the issuer advertises
// a revocation endpoint. The local session is dropped either way.
func (p *Provider) Invalidate(ctx context.Context, session *auth.Session) error {
	if session == nil {
		return nil
	}

	p.lock.Lock()
	wasCurrent := p.current != nil && p.current.AccessToken == session.AccessToken
	if wasCurrent {
		p.current = nil
	}
	p.lock.Unlock()
	if wasCurrent {
		p.emit(auth.SessionEvent{Kind: auth.EventSignedOut})
	}

	if p.revocationURL == "" {
		return nil
	}
	tokenValue, hint := session.RefreshToken, "refresh_token"
	if tokenValue == "" {
		tokenValue, hint = session.AccessToken, "access_token"
	}
	form := url.Values{"token": {tokenValue}, "token_type_hint": {hint}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.oauth2Config.ClientID), url.QueryEscape(p.oauth2Config.ClientSecret))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revoke token: %v", perrors.ErrProviderOffline, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke token: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ResendResetLink posts {"email": identifier} to the configured reset URL.
func (p *Provider) ResendResetLink(ctx context.Context, identifier string) error {
	if p.resetURL == "" {
		return fmt.Errorf("%w: no password reset endpoint configured", perrors.ErrUnsupported)
	}

	body, err := json.Marshal(map[string]string{"email": identifier})
	if err != nil {
		return fmt.Errorf("encode reset request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.resetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build reset request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: reset request: %v", perrors.ErrProviderOffline, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("reset request: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// CurrentSession returns the session from the last successful sign in. The
// adapter keeps no state across restarts.
func (p *Provider) CurrentSession(ctx context.Context) (*auth.Session, error) {
	p.lock.Lock()
	current := p.current.Clone()
	p.lock.Unlock()

	if current == nil {
		return nil, perrors.ErrNoSession
	}
	return p.Validate(ctx, current)
}

// Validate refreshes the session through the token endpoint once its access
// token is about to expire. Unexpired sessions are returned unchanged.
func (p *Provider) Validate(ctx context.Context, session *auth.Session) (*auth.Session, error) {
	if session == nil {
		return nil, perrors.ErrNoSession
	}
	if !session.ExpiresAt.IsZero() && p.nowTime().Add(expiryLeeway).Before(session.ExpiresAt) {
		return session.Clone(), nil
	}
	if session.RefreshToken == "" {
		return nil, perrors.ErrSessionExpired
	}

	ctx = p.clientContext(ctx)
	tok, err := p.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: session.RefreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError(err, perrors.ErrSessionExpired)
	}

	fresh, err := p.sessionFromToken(ctx, tok, session)
	if err != nil {
		return nil, perrors.Wrapf(perrors.ErrSessionInvalid, "refresh: %v", err)
	}

	p.lock.Lock()
	if p.current != nil && p.current.RefreshToken == session.RefreshToken {
		p.current = fresh.Clone()
	}
	p.lock.Unlock()

	p.emit(auth.SessionEvent{Kind: auth.EventTokenRefreshed, Session: fresh.Clone()})
	return fresh, nil
}

// classifyTokenError maps a token endpoint failure: OAuth error responses
// become rejected, anything else means the provider could not be reached.
func classifyTokenError(err error, rejected error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", perrors.ErrProviderOffline, err)
		}
		return fmt.Errorf("%w: %s", rejected, retrieveErr.ErrorCode)
	}
	return fmt.Errorf("%w: %v", perrors.ErrProviderOffline, err)
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
