package assignments_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-portal-auth/assignments"
	"github.com/jrsteele09/go-portal-auth/internal/metrics"
	"github.com/jrsteele09/go-portal-auth/records"
	"github.com/jrsteele09/go-portal-auth/records/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testClientID = "client-1"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errStoreDown = errors.New("connection reset by peer")

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testFixture struct {
	store   *memstore.Store
	loader  *assignments.Loader
	metrics *metrics.Metrics
}

func setupTestFixture(t *testing.T, subject string, store records.Store, opts ...assignments.Option) *testFixture {
	t.Helper()

	mem := memstore.New()
	if store == nil {
		store = mem
	} else if gs, ok := store.(*gateStore); ok {
		mem = gs.Store
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	opts = append([]assignments.Option{assignments.WithMetrics(m)}, opts...)
	loader, err := assignments.NewLoader(store, subject, opts...)
	require.NoError(t, err)
	t.Cleanup(loader.Close)

	return &testFixture{store: mem, loader: loader, metrics: m}
}

func (f *testFixture) insert(id, client, status string, assignedAt time.Time) {
	f.store.Insert(records.CollectionAssignments, records.Record{
		"id":            id,
		"document_name": "Intake " + id,
		"status":        status,
		"client_id":     client,
		"assigned_at":   assignedAt.Format(time.RFC3339),
	})
}

// gateStore holds List calls until the gate is opened.
type gateStore struct {
	*memstore.Store
	gate    chan struct{}
	waiting atomic.Int32
}

func newGateStore() *gateStore {
	return &gateStore{Store: memstore.New(), gate: make(chan struct{})}
}

func (g *gateStore) List(ctx context.Context, q records.Query) ([]records.Record, error) {
	g.waiting.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Store.List(ctx, q)
}

func TestNewLoaderValidation(t *testing.T) {
	_, err := assignments.NewLoader(nil, testClientID)
	require.Error(t, err)

	_, err = assignments.NewLoader(memstore.New(), testClientID, assignments.WithAttemptCap(0))
	require.Error(t, err)
}

func TestFetchWithoutSubject(t *testing.T) {
	f := setupTestFixture(t, "", nil)

	require.ErrorIs(t, f.loader.Fetch(context.Background(), false), assignments.ErrNoSubject)
	require.ErrorIs(t, f.loader.Fetch(context.Background(), true), assignments.ErrNoSubject)
	require.Equal(t, 0, f.store.Calls(records.CollectionAssignments))
	require.Equal(t, assignments.PhaseIdle, f.loader.State().Phase)
}

func TestFetchSuccess(t *testing.T) {
	f := setupTestFixture(t, testClientID, nil)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	f.insert("a-1", testClientID, "assigned", base)
	f.insert("a-2", testClientID, "completed", base.Add(24*time.Hour))
	f.insert("a-3", "someone-else", "assigned", base)
	f.store.Insert(records.CollectionAssignments, records.Record{"id": "bad", "client_id": testClientID, "status": "archived"})

	require.NoError(t, f.loader.Fetch(context.Background(), false))

	s := f.loader.State()
	require.Equal(t, assignments.PhaseSuccess, s.Phase)
	require.Empty(t, s.Message)
	require.Len(t, s.Assignments, 2)
	require.Equal(t, "a-2", s.Assignments[0].ID)
	require.Equal(t, assignments.StatusCompleted, s.Assignments[0].Status)
	require.Equal(t, base, s.Assignments[1].AssignedAt)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AssignmentFetches.WithLabelValues("success")))
}

func TestFetchEmptyIsSuccess(t *testing.T) {
	f := setupTestFixture(t, testClientID, nil)

	require.NoError(t, f.loader.Fetch(context.Background(), false))
	s := f.loader.State()
	require.Equal(t, assignments.PhaseSuccess, s.Phase)
	require.Empty(t, s.Assignments)
	require.Zero(t, s.Attempts.Count)
}

func TestAttemptCap(t *testing.T) {
	f := setupTestFixture(t, testClientID, nil)
	f.insert("a-1", testClientID, "assigned", time.Now())
	f.store.FailNext(records.CollectionAssignments, errStoreDown, 10)

	require.ErrorIs(t, f.loader.Fetch(context.Background(), false), errStoreDown)
	require.ErrorIs(t, f.loader.Fetch(context.Background(), false), assignments.ErrUnresolvedError)
	require.Equal(t, 1, f.store.Calls(records.CollectionAssignments))

	// Forced fetches run, and their failures count.
	wantMessages := []string{assignments.MessageRetrying, assignments.MessageRetrying, assignments.MessageGaveUp}
	for i, want := range wantMessages {
		if i > 0 {
			require.ErrorIs(t, f.loader.Fetch(context.Background(), true), errStoreDown)
		}
		s := f.loader.State()
		require.Equal(t, assignments.PhaseError, s.Phase)
		require.Equal(t, i+1, s.Attempts.Count)
		require.Equal(t, 3, s.Attempts.Cap)
		require.ErrorIs(t, s.Attempts.LastError, errStoreDown)
		require.Equal(t, want, s.Message)
	}

	require.ErrorIs(t, f.loader.Fetch(context.Background(), false), assignments.ErrAttemptCapReached)
	require.Equal(t, 3, f.store.Calls(records.CollectionAssignments))
	require.Equal(t, assignments.MessageGaveUp, f.loader.State().Message)
	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.AssignmentFetches.WithLabelValues("rejected")))

	// Retry resets the count before fetching.
	require.ErrorIs(t, f.loader.Retry(context.Background()), errStoreDown)
	require.Equal(t, 1, f.loader.State().Attempts.Count)
	require.Equal(t, assignments.MessageRetrying, f.loader.State().Message)
	require.Equal(t, 4, f.store.Calls(records.CollectionAssignments))

	f.store.FailNext(records.CollectionAssignments, nil, 0)
	require.NoError(t, f.loader.Retry(context.Background()))
	s := f.loader.State()
	require.Equal(t, assignments.PhaseSuccess, s.Phase)
	require.Zero(t, s.Attempts.Count)
	require.NoError(t, s.Attempts.LastError)
	require.Len(t, s.Assignments, 1)

	// Once resolved, unforced fetches run again.
	require.NoError(t, f.loader.Fetch(context.Background(), false))
	require.Equal(t, 6, f.store.Calls(records.CollectionAssignments))
}

func TestAlreadyLoadingAndForcedSupersede(t *testing.T) {
	store := newGateStore()
	f := setupTestFixture(t, testClientID, store)
	f.insert("a-1", testClientID, "assigned", time.Now())

	first := make(chan error, 1)
	go func() { first <- f.loader.Fetch(context.Background(), false) }()
	require.Eventually(t, func() bool { return f.loader.State().IsLoading() }, waitFor, tick)

	require.ErrorIs(t, f.loader.Fetch(context.Background(), false), assignments.ErrAlreadyLoading)

	second := make(chan error, 1)
	go func() { second <- f.loader.Fetch(context.Background(), true) }()
	require.Eventually(t, func() bool { return store.waiting.Load() == 2 }, waitFor, tick)

	close(store.gate)
	require.ErrorIs(t, <-first, assignments.ErrSuperseded)
	require.NoError(t, <-second)
	require.Equal(t, 2, f.store.Calls(records.CollectionAssignments))
	require.Equal(t, assignments.PhaseSuccess, f.loader.State().Phase)
}

func TestAutomaticRetry(t *testing.T) {
	f := setupTestFixture(t, testClientID, nil, assignments.WithAutoRetryDelay(30*time.Millisecond))
	f.insert("a-1", testClientID, "assigned", time.Now())
	f.store.FailNext(records.CollectionAssignments, errStoreDown, 1)

	require.ErrorIs(t, f.loader.Fetch(context.Background(), false), errStoreDown)
	s := f.loader.State()
	require.True(t, s.RetryScheduled)
	require.Equal(t, assignments.MessageRetrying, s.Message)
	require.ErrorIs(t, f.loader.Fetch(context.Background(), false), assignments.ErrRetryScheduled)

	require.Eventually(t, func() bool {
		return f.loader.State().Phase == assignments.PhaseSuccess
	}, waitFor, tick)
	s = f.loader.State()
	require.False(t, s.RetryScheduled)
	require.Len(t, s.Assignments, 1)
	require.Equal(t, 2, f.store.Calls(records.CollectionAssignments))
}

func TestAutomaticRetryStopsAtCap(t *testing.T) {
	f := setupTestFixture(t, testClientID, nil,
		assignments.WithAutoRetryDelay(10*time.Millisecond),
		assignments.WithAttemptCap(2))
	f.store.FailNext(records.CollectionAssignments, errStoreDown, 10)

	require.ErrorIs(t, f.loader.Fetch(context.Background(), false), errStoreDown)
	require.Eventually(t, func() bool {
		return f.loader.State().Attempts.Count == 2
	}, waitFor, tick)

	time.Sleep(50 * time.Millisecond)
	s := f.loader.State()
	require.False(t, s.RetryScheduled)
	require.Equal(t, assignments.MessageGaveUp, s.Message)
	require.Equal(t, 2, f.store.Calls(records.CollectionAssignments))
}

func TestDebouncedFetch(t *testing.T) {
	f := setupTestFixture(t, testClientID, nil, assignments.WithDebounceDelay(40*time.Millisecond))

	for i := 0; i < 5; i++ {
		f.loader.DebouncedFetch()
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return f.loader.State().Phase == assignments.PhaseSuccess
	}, waitFor, tick)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, f.store.Calls(records.CollectionAssignments))
}

func TestUpdateStatus(t *testing.T) {
	now := time.Date(2024, 5, 2, 15, 4, 5, 0, time.UTC)
	f := setupTestFixture(t, testClientID, nil, assignments.WithNowTime(func() time.Time { return now }))
	f.insert("a-1", testClientID, "assigned", now.Add(-time.Hour))
	require.NoError(t, f.loader.Fetch(context.Background(), false))
	before := f.loader.State()

	require.ErrorIs(t, f.loader.UpdateStatus(context.Background(), "a-1", "archived"), assignments.ErrInvalidStatus)
	require.ErrorIs(t, f.loader.UpdateStatus(context.Background(), "missing", "completed"), records.ErrNotFound)

	require.NoError(t, f.loader.UpdateStatus(context.Background(), "a-1", "completed"))
	got := f.loader.State().Assignments[0]
	require.Equal(t, assignments.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, now, *got.CompletedAt)
	require.Equal(t, assignments.StatusAssigned, before.Assignments[0].Status)

	row, err := f.store.Single(context.Background(), records.From(records.CollectionAssignments).Where(records.Eq("id", "a-1")))
	require.NoError(t, err)
	stored, err := assignments.Decode(row)
	require.NoError(t, err)
	require.Equal(t, assignments.StatusCompleted, stored.Status)
	require.Equal(t, now, *stored.CompletedAt)

	require.NoError(t, f.loader.UpdateStatus(context.Background(), "a-1", "in_progress"))
	require.Nil(t, f.loader.State().Assignments[0].CompletedAt)
}

func TestSetSubject(t *testing.T) {
	f := setupTestFixture(t, "", nil)
	f.insert("a-1", testClientID, "assigned", time.Now())
	f.store.FailNext(records.CollectionAssignments, errStoreDown, 1)

	f.loader.SetSubject(testClientID)
	require.Error(t, f.loader.Fetch(context.Background(), false))
	require.Equal(t, 1, f.loader.State().Attempts.Count)

	f.loader.SetSubject("client-2")
	s := f.loader.State()
	require.Equal(t, "client-2", s.SubjectID)
	require.Equal(t, assignments.PhaseIdle, s.Phase)
	require.Zero(t, s.Attempts.Count)
	require.Empty(t, s.Message)

	require.NoError(t, f.loader.Fetch(context.Background(), false))
	require.Empty(t, f.loader.State().Assignments)
}

func TestCloseDiscardsResults(t *testing.T) {
	store := newGateStore()
	f := setupTestFixture(t, testClientID, store)
	f.insert("a-1", testClientID, "assigned", time.Now())

	done := make(chan error, 1)
	go func() { done <- f.loader.Fetch(context.Background(), false) }()
	require.Eventually(t, func() bool { return f.loader.State().IsLoading() }, waitFor, tick)

	f.loader.Close()
	close(store.gate)
	require.ErrorIs(t, <-done, assignments.ErrSuperseded)
	require.True(t, f.loader.State().IsLoading())
	require.ErrorIs(t, f.loader.Fetch(context.Background(), true), assignments.ErrClosed)
}

func TestSubscribe(t *testing.T) {
	f := setupTestFixture(t, testClientID, nil)

	var lock sync.Mutex
	var phases []assignments.Phase
	unsubscribe := f.loader.Subscribe(func(s assignments.State) {
		lock.Lock()
		defer lock.Unlock()
		phases = append(phases, s.Phase)
	})

	require.NoError(t, f.loader.Fetch(context.Background(), false))
	unsubscribe()
	require.NoError(t, f.loader.Fetch(context.Background(), false))

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []assignments.Phase{assignments.PhaseLoading, assignments.PhaseSuccess}, phases)
}
