package auth

import (
	"context"
	"sync"
	"time"

	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
	"github.com/jrsteele09/go-portal-auth/internal/metrics"
	"github.com/jrsteele09/go-portal-auth/internal/notify"
	"github.com/jrsteele09/go-portal-auth/storage"
	"github.com/jrsteele09/go-portal-auth/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Service owns the authentication state machine. Every state change goes
// through transition, and listeners are notified in transition order.
type Service struct {
	provider        IdentityProvider
	logger          zerolog.Logger
	metrics         *metrics.Metrics
	localStorage    storage.KeyValue
	storagePrefixes []string
	nowTime         func() time.Time

	mu           sync.Mutex
	state        State
	session      *Session
	authErr      *AuthError
	initialized  bool
	started      bool
	closed       bool
	seq          uint64
	changedAt    time.Time
	initGen      uint64 // current initialization run
	abandonedGen uint64 // initialization run given up on by AbandonInitialization
	signOuts     uint64

	listeners   *notify.Hub[Snapshot]
	unsubscribe func()
}

// ServiceOption defines a function type to modify the Service instance.
type ServiceOption func(*Service)

func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLocalStorage sets the storage cleared of keys matching prefixes on Start.
func WithLocalStorage(kv storage.KeyValue, prefixes ...string) ServiceOption {
	return func(s *Service) {
		s.localStorage = kv
		s.storagePrefixes = prefixes
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

// NewService creates a Service in StateInitializing. Call Start to resolve it.
func NewService(provider IdentityProvider, options ...ServiceOption) (*Service, error) {
	if provider == nil {
		return nil, errors.New("[NewService] identity provider is required")
	}

	s := &Service{
		provider: provider,
		logger:   zerolog.Nop(),
		nowTime:  time.Now,
		state:    StateInitializing,
	}
	for _, opt := range options {
		opt(s)
	}
	s.changedAt = s.nowTime()
	s.listeners = notify.NewHub[Snapshot](func(recovered any) {
		s.logger.Error().Interface("panic", recovered).Msg("auth state listener panicked")
	})
	return s, nil
}

// Start clears stale identity artifacts, subscribes to provider events and
// resolves the initial state from the provider. It blocks until the provider
// answers or ctx is done. A provider failure leaves the service in
// StateError and is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.clearStaleStorage()

	unsubscribe := s.provider.Subscribe(s.handleEvent)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	return s.initialize(ctx)
}

func (s *Service) clearStaleStorage() {
	if s.localStorage == nil {
		return
	}
	removed, err := storage.ClearStale(s.localStorage, s.storagePrefixes)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear stale identity artifacts")
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("cleared stale identity artifacts")
	}
}

// initialize asks the provider for its current session and resolves the
// state from the answer, unless a newer run or an explicit transition has
// superseded it in the meantime.
func (s *Service) initialize(ctx context.Context) error {
	s.mu.Lock()
	s.initGen++
	gen := s.initGen
	s.mu.Unlock()

	session, err := s.provider.CurrentSession(ctx)

	current := func() bool {
		if s.closed || gen != s.initGen {
			return false
		}
		if s.abandonedGen == gen {
			// Only a late session can still improve on an abandoned run.
			return err == nil && session != nil && s.state == StateUnauthenticated
		}
		return true
	}

	switch {
	case err == nil && session != nil:
		s.transitionIf(current, StateAuthenticated, session, nil, "initialized")
	case err == nil, errors.Is(err, perrors.ErrNoSession):
		s.transitionIf(current, StateUnauthenticated, nil, nil, "initialized")
	default:
		authErr := &AuthError{
			Message: "Failed to initialize authentication",
			Cause:   errors.Wrap(err, "[Service.initialize] CurrentSession"),
		}
		if s.transitionIf(current, StateError, nil, authErr, "initialize_failed") {
			s.logger.Error().Err(err).Msg("auth initialization failed")
		}
		return authErr
	}
	return nil
}

// reinitialize re-runs initialization, moving out of StateError first so
// observers see the attempt.
func (s *Service) reinitialize(ctx context.Context) error {
	s.transitionIf(func() bool { return s.state == StateError }, StateInitializing, nil, nil, "retry")
	return s.initialize(ctx)
}

// supersedeInit makes any in-flight initialization result stale. Called
// before explicit transitions so a slow provider answer cannot undo them.
// Caller holds s.mu.
func (s *Service) supersedeInit() bool {
	s.initGen++
	return true
}

// recordSignOut marks that the session ended, so a sign-in that started
// earlier is not applied on top of it. Caller holds s.mu.
func (s *Service) recordSignOut() bool {
	s.signOuts++
	return s.supersedeInit()
}

// SignIn authenticates with the provider. Failures are returned as
// *AuthError and leave the current state untouched.
func (s *Service) SignIn(ctx context.Context, identifier, secret string) error {
	if identifier == "" || secret == "" {
		return &AuthError{
			Message: "Email and password are required",
			Cause:   perrors.ErrInvalidCredentials,
		}
	}

	s.mu.Lock()
	signOuts := s.signOuts
	s.mu.Unlock()

	session, err := s.provider.Authenticate(ctx, identifier, secret)
	if err != nil {
		s.logger.Info().Err(err).Msg("sign in failed")
		return &AuthError{
			Message: signInMessage(err),
			Cause:   errors.Wrap(err, "[Service.SignIn] Authenticate"),
		}
	}
	if session == nil {
		return &AuthError{
			Message: signInMessage(nil),
			Cause:   errors.New("[Service.SignIn] provider returned no session"),
		}
	}

	applied := s.transitionIf(func() bool {
		return s.signOuts == signOuts && s.supersedeInit()
	}, StateAuthenticated, session, nil, "sign_in")
	if !applied {
		s.logger.Debug().Str("subject", session.SubjectID).Msg("sign in overtaken by sign out")
	}
	return nil
}

// SignOut ends the session. When there is nothing to sign out of it does
// nothing; otherwise the local state becomes UNAUTHENTICATED even when the
// provider call fails, and that failure is returned.
func (s *Service) SignOut(ctx context.Context) error {
	s.mu.Lock()
	session := s.session
	state := s.state
	s.mu.Unlock()

	if session == nil && state == StateUnauthenticated {
		return nil
	}

	var invalidateErr error
	if session != nil {
		if err := s.provider.Invalidate(ctx, session); err != nil {
			s.logger.Warn().Err(err).Str("subject", session.SubjectID).Msg("provider sign out failed")
			invalidateErr = errors.Wrap(err, "[Service.SignOut] Invalidate")
		}
	}

	s.transitionIf(s.recordSignOut, StateUnauthenticated, nil, nil, "sign_out")
	return invalidateErr
}

// ResetPassword asks the provider to send a reset link. The auth state is
// never affected.
func (s *Service) ResetPassword(ctx context.Context, identifier string) error {
	if identifier == "" {
		return errors.Wrap(perrors.ErrInvalidCredentials, "[Service.ResetPassword] email is required")
	}
	if err := s.provider.ResendResetLink(ctx, identifier); err != nil {
		return errors.Wrap(err, "[Service.ResetPassword] ResendResetLink")
	}
	return nil
}

// RefreshSession re-validates the session with the provider and reports
// whether it is still valid. Without a session it re-runs initialization.
func (s *Service) RefreshSession(ctx context.Context) bool {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	if session == nil {
		_ = s.reinitialize(ctx)
		return s.State() == StateAuthenticated
	}

	fresh, err := s.provider.Validate(ctx, session)
	sameSession := func() bool {
		return s.session != nil && s.session.AccessToken == session.AccessToken
	}

	switch {
	case err == nil && fresh != nil:
		// The provider may already have delivered fresh through a
		// token-refreshed event.
		return s.transitionIf(func() bool {
			return sameSession() || (s.session != nil && s.session.AccessToken == fresh.AccessToken)
		}, StateAuthenticated, fresh, nil, "session_refreshed")
	case err == nil, isSessionRejection(err):
		s.logger.Info().Err(err).Str("subject", session.SubjectID).Msg("session no longer valid")
		s.transitionIf(func() bool {
			return sameSession() && s.recordSignOut()
		}, StateUnauthenticated, nil, nil, "session_invalid")
		return false
	default:
		s.logger.Warn().Err(err).Str("subject", session.SubjectID).Msg("session validation failed")
		return false
	}
}

// Retry re-runs initialization from any state; it is how StateError is left.
func (s *Service) Retry(ctx context.Context) error {
	return s.reinitialize(ctx)
}

// AbandonInitialization resolves a hung initialization to UNAUTHENTICATED.
// It reports whether the service was still initializing.
func (s *Service) AbandonInitialization(reason string) bool {
	abandoned := s.transitionIf(func() bool {
		if s.state != StateInitializing {
			return false
		}
		s.abandonedGen = s.initGen
		return true
	}, StateUnauthenticated, nil, nil, "init_abandoned")

	if abandoned {
		s.logger.Warn().Str("reason", reason).Msg("auth initialization abandoned")
	}
	return abandoned
}

func (s *Service) handleEvent(ev SessionEvent) {
	s.logger.Debug().Stringer("event", ev.Kind).Msg("provider session event")

	switch ev.Kind {
	case EventSignedIn, EventTokenRefreshed:
		if ev.Session == nil {
			return
		}
		s.transitionIf(func() bool {
			return !s.closed && s.supersedeInit()
		}, StateAuthenticated, ev.Session, nil, ev.Kind.String())
	case EventSignedOut:
		s.transitionIf(func() bool {
			return !s.closed && s.recordSignOut()
		}, StateUnauthenticated, nil, nil, ev.Kind.String())
	}
}

// AddStateListener registers fn for every transition. Listeners run in
// registration order. The returned function removes fn; it is idempotent and
// may be called from inside a listener.
func (s *Service) AddStateListener(fn StateListener) (unsubscribe func()) {
	remove := s.listeners.Subscribe(fn)
	s.metrics.SetListeners(s.listeners.Len())

	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			s.metrics.SetListeners(s.listeners.Len())
		})
	}
}

// transitionIf applies a state change when guard (run under the lock)
// allows it and reports whether it did. Session, role and error are set
// together; a change to the same state with the same access token updates
// the session silently.
func (s *Service) transitionIf(guard func() bool, to State, session *Session, authErr *AuthError, reason string) bool {
	s.mu.Lock()
	if guard != nil && !guard() {
		s.mu.Unlock()
		return false
	}

	if to != StateAuthenticated {
		session = nil
	}
	if to != StateError {
		authErr = nil
	} else if authErr == nil {
		authErr = &AuthError{Message: "Unknown authentication error"}
	}

	from := s.state
	unchanged := from == to &&
		accessToken(s.session) == accessToken(session) &&
		errorMessage(s.authErr) == errorMessage(authErr) &&
		(to == StateInitializing || s.initialized)

	s.state = to
	s.session = session.Clone()
	s.authErr = authErr
	if to != StateInitializing {
		s.initialized = true
	}
	if unchanged {
		s.mu.Unlock()
		return true
	}

	s.seq++
	s.changedAt = s.nowTime()
	// Queued under the lock so listeners see transitions in order.
	s.listeners.Enqueue(s.snapshotLocked())
	s.mu.Unlock()

	s.metrics.RecordTransition(from.String(), to.String())
	s.logger.Debug().Stringer("from", from).Stringer("to", to).Str("reason", reason).Msg("auth state transition")
	s.listeners.Drain()
	return true
}

func (s *Service) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:       s.state,
		Session:     s.session.Clone(),
		Err:         s.authErr,
		Initialized: s.initialized,
		Seq:         s.seq,
		ChangedAt:   s.changedAt,
	}
	if s.session != nil {
		snap.Role = s.session.Role
	}
	return snap
}

// Snapshot returns the current state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// HasRole reports whether the current session's role is one of roles.
func (s *Service) HasRole(roles ...users.Role) bool {
	return s.Snapshot().HasRole(roles...)
}

// Close stops listening to provider events. Later provider answers are
// ignored. Close is idempotent.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func accessToken(s *Session) string {
	if s == nil {
		return ""
	}
	return s.AccessToken
}

func errorMessage(e *AuthError) string {
	if e == nil {
		return ""
	}
	return e.Error()
}
