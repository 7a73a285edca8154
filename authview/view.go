// Package authview adapts the auth Service into a per-consumer view that adds
// the client profile sub-state, a bounded initialization guard and a polling
// safety net.
package authview

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-portal-auth/auth"
	"github.com/jrsteele09/go-portal-auth/fetch"
	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
	"github.com/jrsteele09/go-portal-auth/internal/metrics"
	"github.com/jrsteele09/go-portal-auth/internal/notify"
	"github.com/jrsteele09/go-portal-auth/profiles"
	"github.com/jrsteele09/go-portal-auth/records"
	"github.com/jrsteele09/go-portal-auth/retry"
	"github.com/jrsteele09/go-portal-auth/users"
	"github.com/rs/zerolog"
)

const (
	DefaultInitTimeout  = 8 * time.Second
	DefaultPollInterval = 1 * time.Second
)

var (
	ErrProfileLoadInProgress = errors.New("client profile load already in progress")
	ErrNotClient             = errors.New("no authenticated client session")
	ErrClosed                = errors.New("auth view closed")
)

// Service is the part of auth.Service a View uses.
type Service interface {
	AddStateListener(fn auth.StateListener) (unsubscribe func())
	Snapshot() auth.Snapshot
	AbandonInitialization(reason string) bool
	RefreshSession(ctx context.Context) bool
	SignIn(ctx context.Context, identifier, secret string) error
	SignOut(ctx context.Context) error
	ResetPassword(ctx context.Context, identifier string) error
}

var _ Service = (*auth.Service)(nil)

// ViewState is the immutable state a View publishes.
type ViewState struct {
	AuthState   auth.State
	Session     *auth.Session
	Role        users.Role
	Err         *auth.AuthError
	Initialized bool
	IsLoading   bool

	Profile        *profiles.ClientProfile
	ProfileStatus  profiles.Status // empty when no profile applies
	ProfileLoading bool

	Version uint64 // increments on every published change
}

// sameAs compares everything except Version.
func (s ViewState) sameAs(o ViewState) bool {
	return s.AuthState == o.AuthState &&
		accessToken(s.Session) == accessToken(o.Session) &&
		s.Role == o.Role &&
		s.Err == o.Err &&
		s.Initialized == o.Initialized &&
		s.IsLoading == o.IsLoading &&
		s.Profile == o.Profile &&
		s.ProfileStatus == o.ProfileStatus &&
		s.ProfileLoading == o.ProfileLoading
}

type View struct {
	svc           Service
	store         records.Store
	initTimeout   time.Duration
	pollInterval  time.Duration
	profilePolicy retry.Policy
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	fetchOptions  []fetch.Option

	ctx    context.Context
	cancel context.CancelFunc

	lock           sync.Mutex
	state          ViewState
	authSeq        uint64
	profileSubject string // subject whose profile is loaded or loading
	profileGen     uint64
	closed         bool

	subscribers    *notify.Hub[ViewState]
	unsubscribeSvc func()
	initTimer      *time.Timer
	stopPoll       chan struct{}
	pollDone       chan struct{}
	pollSyncing    atomic.Bool // poll goroutine is inside sync
}

type Option func(*View)

func WithInitTimeout(d time.Duration) Option {
	return func(v *View) {
		v.initTimeout = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(v *View) {
		v.pollInterval = d
	}
}

func WithProfileRetry(policy retry.Policy) Option {
	return func(v *View) {
		v.profilePolicy = policy
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(v *View) {
		v.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *View) {
		v.metrics = m
	}
}

// WithFetchOptions passes options, such as a tracer provider, to profile
// fetches.
func WithFetchOptions(opts ...fetch.Option) Option {
	return func(v *View) {
		v.fetchOptions = append(v.fetchOptions, opts...)
	}
}

// Mount subscribes to svc and returns a live View. Close releases it.
func Mount(ctx context.Context, svc Service, store records.Store, opts ...Option) (*View, error) {
	if svc == nil {
		return nil, errors.New("[authview.Mount] auth service is required")
	}
	if store == nil {
		return nil, errors.New("[authview.Mount] record store is required")
	}

	v := &View{
		svc:           svc,
		store:         store,
		initTimeout:   DefaultInitTimeout,
		pollInterval:  DefaultPollInterval,
		profilePolicy: retry.DefaultPolicy(),
		logger:        zerolog.Nop(),
		stopPoll:      make(chan struct{}),
		pollDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.ctx, v.cancel = context.WithCancel(context.WithoutCancel(ctx))
	v.subscribers = notify.NewHub[ViewState](func(recovered any) {
		v.logger.Error().Interface("panic", recovered).Msg("auth view subscriber panicked")
	})
	v.fetchOptions = append([]fetch.Option{fetch.WithLogger(v.logger), fetch.WithMetrics(v.metrics)}, v.fetchOptions...)

	v.unsubscribeSvc = svc.AddStateListener(v.applyAuth)
	v.sync(true)

	v.lock.Lock()
	if !v.state.Initialized || v.state.AuthState == auth.StateInitializing {
		v.initTimer = time.AfterFunc(v.initTimeout, v.onInitTimeout)
	}
	v.lock.Unlock()

	go v.poll()
	return v, nil
}

// poll re-reads the service snapshot as a safety net for missed
// notifications.
func (v *View) poll() {
	defer close(v.pollDone)
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v.pollSyncing.Store(true)
			v.sync(false)
			v.pollSyncing.Store(false)
		case <-v.stopPoll:
			return
		}
	}
}

func (v *View) sync(force bool) {
	snap := v.svc.Snapshot()
	v.lock.Lock()
	if !force && snap.Seq <= v.authSeq {
		v.lock.Unlock()
		return
	}
	if force {
		v.authSeq = 0
	}
	v.lock.Unlock()
	v.applyAuth(snap)
}

func (v *View) onInitTimeout() {
	v.lock.Lock()
	pending := !v.closed && (!v.state.Initialized || v.state.AuthState == auth.StateInitializing)
	v.lock.Unlock()
	if !pending {
		return
	}

	v.logger.Warn().Dur("timeout", v.initTimeout).Msg("auth initialization timed out")
	v.svc.AbandonInitialization("auth view initialization timeout")
	v.sync(false)

	// The service may not have moved (an abandoned run it no longer tracks);
	// the view never waits past the timeout either way.
	v.update(func(s *ViewState) {
		if !s.Initialized || s.AuthState == auth.StateInitializing {
			s.Initialized = true
			s.AuthState = auth.StateUnauthenticated
			s.Session = nil
			s.Role = ""
			s.Err = nil
		}
	})
}

// applyAuth folds a service snapshot into the view and starts a profile load
// when a client session appears.
func (v *View) applyAuth(snap auth.Snapshot) {
	var loadSubject string
	var loadGen uint64

	v.lock.Lock()
	if v.closed || (snap.Seq <= v.authSeq && v.authSeq != 0) {
		v.lock.Unlock()
		return
	}
	v.authSeq = snap.Seq
	prev := v.state
	next := prev
	next.AuthState = snap.State
	next.Session = snap.Session
	next.Role = snap.Role
	next.Err = snap.Err
	next.Initialized = prev.Initialized || snap.Initialized

	switch snap.State {
	case auth.StateAuthenticated:
		subject := snap.SubjectID()
		switch {
		case snap.Role != users.RoleClient:
			v.clearProfileLocked(&next)
		case subject != v.profileSubject:
			v.clearProfileLocked(&next)
			v.profileSubject = subject
			loadGen = v.beginProfileLoadLocked(&next)
			loadSubject = subject
		}
	default:
		// No session, no profile. A returning subject loads it again.
		v.clearProfileLocked(&next)
	}
	v.publishLocked(prev, next)

	if v.state.Initialized && v.state.AuthState != auth.StateInitializing && v.initTimer != nil {
		v.initTimer.Stop()
	}
	v.lock.Unlock()
	v.subscribers.Drain()

	if loadSubject != "" {
		go v.runProfileLoad(v.ctx, loadSubject, loadGen)
	}
}

// clearProfileLocked drops the profile and invalidates any load in flight.
func (v *View) clearProfileLocked(s *ViewState) {
	s.Profile = nil
	s.ProfileStatus = ""
	s.ProfileLoading = false
	v.profileSubject = ""
	v.profileGen++
}

func (v *View) beginProfileLoadLocked(s *ViewState) uint64 {
	v.profileGen++
	s.ProfileLoading = true
	return v.profileGen
}

// runProfileLoad looks the profile up and applies the result unless the
// view moved on meanwhile. Not found is a new client; failures become
// StatusErrorFetchingStatus and are logged.
func (v *View) runProfileLoad(ctx context.Context, subject string, gen uint64) {
	query := records.From(records.CollectionClients).
		Where(records.Eq(profiles.FieldID, subject)).
		WithLimit(1)
	res := fetch.WithRetry(ctx, "client_profile", v.profilePolicy, func(ctx context.Context) (records.Record, error) {
		return v.store.Single(ctx, query)
	}, v.fetchOptions...)

	var profile *profiles.ClientProfile
	status := profiles.StatusNew
	switch {
	case res.NotFound():
	case res.Err != nil:
		status = profiles.StatusErrorFetchingStatus
		v.logger.Error().Err(res.Err).Str("subject", subject).Msg("failed to load client profile")
	default:
		p, err := profiles.Decode(res.Data)
		if err != nil {
			status = profiles.StatusErrorFetchingStatus
			v.logger.Error().Err(err).Str("subject", subject).Msg("invalid client profile record")
			break
		}
		if len(p.Quarantined) > 0 {
			v.logger.Warn().Str("subject", subject).Int("fields", len(p.Quarantined)).Msg("client profile has unrecognised fields")
		}
		profile = p
		status = p.Status
	}
	v.metrics.RecordProfileLoad(string(status))

	v.lock.Lock()
	if v.closed || gen != v.profileGen || subject != v.profileSubject {
		v.lock.Unlock()
		return
	}
	prev := v.state
	next := prev
	next.Profile = profile
	next.ProfileStatus = status
	next.ProfileLoading = false
	v.publishLocked(prev, next)
	v.lock.Unlock()
	v.subscribers.Drain()
}

// publishLocked derives IsLoading, stores next and queues it for
// subscribers when anything changed. Caller holds v.lock and drains after
// unlocking.
func (v *View) publishLocked(prev, next ViewState) {
	next.IsLoading = !next.Initialized ||
		next.AuthState == auth.StateInitializing ||
		(next.AuthState == auth.StateAuthenticated && next.ProfileLoading)
	if next.sameAs(prev) {
		return
	}
	next.Version = prev.Version + 1
	v.state = next
	v.subscribers.Enqueue(next)
}

func (v *View) update(fn func(s *ViewState)) {
	v.lock.Lock()
	if v.closed {
		v.lock.Unlock()
		return
	}
	prev := v.state
	next := prev
	fn(&next)
	v.publishLocked(prev, next)
	v.lock.Unlock()
	v.subscribers.Drain()
}

// State returns the current view state. The same value is returned until
// something changes.
func (v *View) State() ViewState {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.state
}

// Subscribe registers fn for view changes.
func (v *View) Subscribe(fn func(ViewState)) (unsubscribe func()) {
	return v.subscribers.Subscribe(fn)
}

// RefreshClientProfile re-fetches the profile of the current client
// session and waits for it. Load failures surface as
// profiles.StatusErrorFetchingStatus; the error only reports why no load ran.
func (v *View) RefreshClientProfile(ctx context.Context) error {
	v.lock.Lock()
	switch {
	case v.closed:
		v.lock.Unlock()
		return ErrClosed
	case v.state.AuthState != auth.StateAuthenticated || v.state.Role != users.RoleClient:
		v.lock.Unlock()
		return ErrNotClient
	case v.state.ProfileLoading:
		v.lock.Unlock()
		return ErrProfileLoadInProgress
	}
	subject := v.state.Session.SubjectID
	v.profileSubject = subject
	prev := v.state
	next := prev
	gen := v.beginProfileLoadLocked(&next)
	v.publishLocked(prev, next)
	v.lock.Unlock()
	v.subscribers.Drain()

	v.runProfileLoad(ctx, subject, gen)
	return nil
}

// RefreshUserData re-validates the session and reloads the client profile.
func (v *View) RefreshUserData(ctx context.Context) error {
	if !v.svc.RefreshSession(ctx) {
		v.sync(false)
		return perrors.ErrSessionInvalid
	}
	v.sync(false)

	err := v.RefreshClientProfile(ctx)
	if errors.Is(err, ErrNotClient) {
		return nil
	}
	return err
}

func (v *View) SignIn(ctx context.Context, identifier, secret string) error {
	return v.svc.SignIn(ctx, identifier, secret)
}

func (v *View) SignOut(ctx context.Context) error {
	return v.svc.SignOut(ctx)
}

func (v *View) ResetPassword(ctx context.Context, identifier string) error {
	return v.svc.ResetPassword(ctx, identifier)
}

// HasRole reports whether the view's current role is one of roles.
func (v *View) HasRole(roles ...users.Role) bool {
	s := v.State()
	if s.AuthState != auth.StateAuthenticated {
		return false
	}
	for _, r := range roles {
		if s.Role == r {
			return true
		}
	}
	return false
}

// Close unsubscribes from the service and stops all timers. Results that
// arrive later are discarded. Close is idempotent.
func (v *View) Close() {
	v.lock.Lock()
	if v.closed {
		v.lock.Unlock()
		return
	}
	v.closed = true
	if v.initTimer != nil {
		v.initTimer.Stop()
	}
	v.lock.Unlock()

	v.unsubscribeSvc()
	close(v.stopPoll)
	// A subscriber closing the view from a poll delivery runs on the poll
	// goroutine, which exits once the delivery returns.
	if !v.pollSyncing.Load() {
		<-v.pollDone
	}
	v.cancel()
}

func accessToken(s *auth.Session) string {
	if s == nil {
		return ""
	}
	return s.AccessToken
}
