package assignments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/go-portal-auth/fetch"
	"github.com/jrsteele09/go-portal-auth/internal/metrics"
	"github.com/jrsteele09/go-portal-auth/internal/notify"
	"github.com/jrsteele09/go-portal-auth/records"
	"github.com/jrsteele09/go-portal-auth/retry"
	"github.com/rs/zerolog"
)

const (
	DefaultAttemptCap    = 3
	DefaultDebounceDelay = 500 * time.Millisecond

	MessageRetrying = "Failed to load documents. Retrying automatically..."
	MessageGaveUp   = "Failed to load documents after multiple attempts. Please try again."
)

// Reasons a Fetch did not run.
var (
	ErrNoSubject         = errors.New("no client bound to assignment loader")
	ErrAlreadyLoading    = errors.New("assignments are already loading")
	ErrAttemptCapReached = errors.New("assignment fetch attempt cap reached")
	ErrRetryScheduled    = errors.New("automatic assignment retry already scheduled")
	ErrUnresolvedError   = errors.New("previous assignment fetch failed; retry explicitly")
	ErrSuperseded        = errors.New("assignment fetch superseded")
	ErrClosed            = errors.New("assignment loader closed")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseSuccess
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseSuccess:
		return "success"
	case PhaseError:
		return "error"
	}
	return "unknown"
}

// AttemptState counts consecutive failed fetches.
type AttemptState struct {
	Count     int
	Cap       int
	LastError error
}

// State is a copy of the loader's state.
type State struct {
	SubjectID      string
	Phase          Phase
	Assignments    []Assignment
	Message        string // user-facing failure message
	Attempts       AttemptState
	RetryScheduled bool
}

func (s State) IsLoading() bool {
	return s.Phase == PhaseLoading
}

// Loader fetches the assignments of one client. At most one fetch result is
// applied at a time; a forced fetch supersedes the one in flight.
type Loader struct {
	store          records.Store
	attemptCap     int
	policy         retry.Policy
	debounceDelay  time.Duration
	autoRetryDelay time.Duration
	debouncer      *retry.Debouncer
	ownsDebouncer  bool
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	nowTime        func() time.Time
	fetchOptions   []fetch.Option

	ctx    context.Context
	cancel context.CancelFunc

	lock        sync.Mutex
	state       State
	gen         uint64
	retryTimer  *time.Timer
	closed      bool
	subscribers *notify.Hub[State]
}

type Option func(*Loader)

func WithAttemptCap(n int) Option {
	return func(l *Loader) {
		l.attemptCap = n
	}
}

// WithRetryPolicy sets the policy applied within a single fetch.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(l *Loader) {
		l.policy = policy
	}
}

func WithDebounceDelay(d time.Duration) Option {
	return func(l *Loader) {
		l.debounceDelay = d
	}
}

// WithAutoRetryDelay schedules an automatic fetch d after a failure below the
// attempt cap. Zero disables it.
func WithAutoRetryDelay(d time.Duration) Option {
	return func(l *Loader) {
		l.autoRetryDelay = d
	}
}

// WithDebouncer shares a debouncer between loaders.
func WithDebouncer(d *retry.Debouncer) Option {
	return func(l *Loader) {
		l.debouncer = d
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

func WithNowTime(nowFunc func() time.Time) Option {
	return func(l *Loader) {
		l.nowTime = nowFunc
	}
}

func WithFetchOptions(opts ...fetch.Option) Option {
	return func(l *Loader) {
		l.fetchOptions = append(l.fetchOptions, opts...)
	}
}

// NewLoader creates a loader bound to subjectID, which may be empty until
// SetSubject is called.
func NewLoader(store records.Store, subjectID string, options ...Option) (*Loader, error) {
	if store == nil {
		return nil, errors.New("[NewLoader] record store is required")
	}

	l := &Loader{
		store:         store,
		attemptCap:    DefaultAttemptCap,
		policy:        retry.NoRetry(),
		debounceDelay: DefaultDebounceDelay,
		logger:        zerolog.Nop(),
		nowTime:       time.Now,
	}
	for _, opt := range options {
		opt(l)
	}
	if l.attemptCap < 1 {
		return nil, fmt.Errorf("[NewLoader] attempt cap must be positive, got %d", l.attemptCap)
	}
	if l.debouncer == nil {
		l.debouncer = retry.NewDebouncer()
		l.ownsDebouncer = true
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.subscribers = notify.NewHub[State](func(recovered any) {
		l.logger.Error().Interface("panic", recovered).Msg("assignment subscriber panicked")
	})
	l.fetchOptions = append([]fetch.Option{fetch.WithLogger(l.logger), fetch.WithMetrics(l.metrics)}, l.fetchOptions...)
	l.state = State{SubjectID: subjectID, Attempts: AttemptState{Cap: l.attemptCap}}
	return l, nil
}

type fetchMode int

const (
	fetchUnforced fetchMode = iota
	fetchAutoRetry
	fetchForced
	fetchReset
)

// Fetch loads the subject's assignments. Unforced fetches are refused while
// loading and while an earlier failure is unresolved. A forced fetch always
// runs; its failures still count towards the attempt cap.
func (l *Loader) Fetch(ctx context.Context, force bool) error {
	if force {
		return l.fetch(ctx, fetchForced)
	}
	return l.fetch(ctx, fetchUnforced)
}

func (l *Loader) fetch(ctx context.Context, mode fetchMode) error {
	l.lock.Lock()
	if err := l.admitLocked(mode); err != nil {
		l.lock.Unlock()
		l.metrics.RecordAssignmentFetch("rejected")
		l.logger.Debug().Err(err).Int("mode", int(mode)).Msg("assignment fetch rejected")
		return err
	}

	if mode == fetchReset {
		l.state.Attempts.Count = 0
	}
	if mode >= fetchForced {
		l.stopRetryLocked()
	}
	l.gen++
	gen := l.gen
	subject := l.state.SubjectID
	l.state.Phase = PhaseLoading
	l.state.Message = ""
	l.publishLocked()
	l.lock.Unlock()
	l.subscribers.Drain()

	query := records.From(records.CollectionAssignments).Where(records.Eq(FieldClientID, subject))
	res := fetch.WithRetry(ctx, "assignments", l.policy, func(ctx context.Context) ([]records.Record, error) {
		return l.store.List(ctx, query)
	}, l.fetchOptions...)

	var list []Assignment
	if res.OK() {
		list = l.decode(res.Data)
	}

	l.lock.Lock()
	if l.closed || gen != l.gen {
		l.lock.Unlock()
		return ErrSuperseded
	}
	if res.OK() {
		l.state.Phase = PhaseSuccess
		l.state.Assignments = list
		l.state.Attempts = AttemptState{Cap: l.attemptCap}
		l.metrics.RecordAssignmentFetch("success")
	} else {
		l.failLocked(res.Err)
	}
	l.publishLocked()
	l.lock.Unlock()
	l.subscribers.Drain()
	return res.Err
}

// admitLocked applies the rejection rules in order. Caller holds l.lock.
func (l *Loader) admitLocked(mode fetchMode) error {
	s := l.state
	unresolved := s.Phase == PhaseError && s.Attempts.LastError != nil
	switch {
	case l.closed:
		return ErrClosed
	case s.SubjectID == "":
		return ErrNoSubject
	case mode >= fetchForced:
		return nil
	case s.Phase == PhaseLoading:
		return ErrAlreadyLoading
	case unresolved && s.Attempts.Count >= s.Attempts.Cap:
		return ErrAttemptCapReached
	case mode == fetchAutoRetry:
		return nil
	case unresolved && l.retryTimer != nil:
		return ErrRetryScheduled
	case unresolved:
		return ErrUnresolvedError
	}
	return nil
}

// failLocked records a failed fetch. Caller holds l.lock.
func (l *Loader) failLocked(err error) {
	l.state.Phase = PhaseError
	l.state.Attempts.Count++
	l.state.Attempts.LastError = err
	l.metrics.RecordAssignmentFetch("error")

	logEvent := l.logger.Warn()
	if l.state.Attempts.Count >= l.state.Attempts.Cap {
		l.state.Message = MessageGaveUp
		logEvent = l.logger.Error()
	} else {
		l.state.Message = MessageRetrying
		if l.autoRetryDelay > 0 {
			l.scheduleRetryLocked()
		}
	}
	logEvent.Err(err).
		Str("subject", l.state.SubjectID).
		Int("attempt", l.state.Attempts.Count).
		Int("cap", l.state.Attempts.Cap).
		Msg("failed to load assignments")
}

func (l *Loader) scheduleRetryLocked() {
	l.stopRetryLocked()
	gen := l.gen
	var timer *time.Timer
	timer = time.AfterFunc(l.autoRetryDelay, func() {
		l.lock.Lock()
		if l.retryTimer != timer || l.closed || gen != l.gen {
			l.lock.Unlock()
			return
		}
		l.retryTimer = nil
		l.state.RetryScheduled = false
		l.lock.Unlock()

		_ = l.fetch(l.ctx, fetchAutoRetry)
	})
	l.retryTimer = timer
	l.state.RetryScheduled = true
}

func (l *Loader) stopRetryLocked() {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	l.state.RetryScheduled = false
}

// decode converts rows newest first. Rows that do not decode are skipped.
func (l *Loader) decode(rows []records.Record) []Assignment {
	list := make([]Assignment, 0, len(rows))
	for _, row := range rows {
		a, err := Decode(row)
		if err != nil {
			l.logger.Warn().Err(err).Msg("skipping invalid assignment row")
			continue
		}
		list = append(list, a)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].AssignedAt.After(list[j].AssignedAt)
	})
	return list
}

// Retry resets the attempt count and fetches again.
func (l *Loader) Retry(ctx context.Context) error {
	return l.fetch(ctx, fetchReset)
}

// DebouncedFetch coalesces rapid calls into one unforced Fetch made after
// the debounce delay.
func (l *Loader) DebouncedFetch() {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return
	}
	key := debounceKey(l.state.SubjectID)
	l.lock.Unlock()

	l.debouncer.Debounce(key, l.debounceDelay, func() {
		_ = l.Fetch(l.ctx, false)
	})
}

// UpdateStatus changes the status of one assignment in the store and in the
// local list. Completing an assignment stamps CompletedAt.
func (l *Loader) UpdateStatus(ctx context.Context, id string, raw string) error {
	status, err := ParseStatus(raw)
	if err != nil {
		return err
	}

	fields := records.Record{FieldStatus: string(status), FieldCompletedAt: nil}
	var completedAt *time.Time
	if status == StatusCompleted {
		now := l.nowTime().UTC()
		completedAt = &now
		fields[FieldCompletedAt] = now.Format(time.RFC3339)
	}
	if err := l.store.Update(ctx, records.CollectionAssignments, id, fields); err != nil {
		l.logger.Error().Err(err).Str("assignment", id).Msg("failed to update assignment status")
		return fmt.Errorf("update assignment %q: %w", id, err)
	}

	l.lock.Lock()
	changed := false
	for i := range l.state.Assignments {
		if l.state.Assignments[i].ID != id {
			continue
		}
		// Copy on write so earlier State values stay untouched.
		list := append([]Assignment(nil), l.state.Assignments...)
		list[i].Status = status
		list[i].CompletedAt = completedAt
		l.state.Assignments = list
		changed = true
		break
	}
	if changed {
		l.publishLocked()
	}
	l.lock.Unlock()
	l.subscribers.Drain()
	return nil
}

// SetSubject rebinds the loader. The list, message and attempt count are
// cleared and any fetch in flight is discarded.
func (l *Loader) SetSubject(subjectID string) {
	l.lock.Lock()
	if l.closed || subjectID == l.state.SubjectID {
		l.lock.Unlock()
		return
	}
	old := l.state.SubjectID
	l.gen++
	l.stopRetryLocked()
	l.state = State{SubjectID: subjectID, Attempts: AttemptState{Cap: l.attemptCap}}
	l.publishLocked()
	l.lock.Unlock()

	l.debouncer.Cancel(debounceKey(old))
	l.subscribers.Drain()
}

// State returns a copy of the current state.
func (l *Loader) State() State {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.state
}

// Subscribe registers fn for state changes.
func (l *Loader) Subscribe(fn func(State)) (unsubscribe func()) {
	return l.subscribers.Subscribe(fn)
}

func (l *Loader) publishLocked() {
	l.subscribers.Enqueue(l.state)
}

// Close cancels pending timers. Fetch results that arrive later are
// discarded. Close is idempotent.
func (l *Loader) Close() {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return
	}
	l.closed = true
	l.stopRetryLocked()
	subject := l.state.SubjectID
	l.lock.Unlock()

	if l.ownsDebouncer {
		l.debouncer.Stop()
	} else {
		l.debouncer.Cancel(debounceKey(subject))
	}
	l.cancel()
}

func debounceKey(subject string) string {
	return "assignments:" + subject
}
