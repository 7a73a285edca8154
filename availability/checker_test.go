package availability_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-portal-auth/availability"
	"github.com/jrsteele09/go-portal-auth/internal/metrics"
	"github.com/jrsteele09/go-portal-auth/internal/utils"
	"github.com/jrsteele09/go-portal-auth/profiles"
	"github.com/jrsteele09/go-portal-auth/records"
	"github.com/jrsteele09/go-portal-auth/records/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

const clinicianFixtures = `
clinicians:
  - id: adults-ny
    is_active: true
    accepting_new_clients: true
    states: [NY, NJ]
    serves_adults: true
    serves_children: false
    accepts_champva: false
    languages: [en]
  - id: children-ny
    is_active: true
    accepting_new_clients: true
    states: [ny]
    serves_adults: false
    serves_children: true
    accepts_champva: true
    languages: [en, es]
  - id: champva-ca
    is_active: true
    accepting_new_clients: true
    states: "CA, OR"
    serves_adults: true
    serves_children: true
    accepts_champva: true
    languages: [es]
  - id: inactive-tx
    is_active: false
    accepting_new_clients: true
    states: [TX]
    serves_adults: true
    serves_children: true
  - id: full-tx
    is_active: true
    accepting_new_clients: false
    states: [TX]
    serves_adults: true
    serves_children: true
`

type testFixture struct {
	store   *memstore.Store
	metrics *metrics.Metrics
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	store := memstore.New()
	require.NoError(t, store.LoadYAML(strings.NewReader(clinicianFixtures)))
	return &testFixture{store: store, metrics: metrics.NewMetrics(prometheus.NewRegistry())}
}

func (f *testFixture) checker(t *testing.T, opts ...availability.Option) *availability.Checker {
	t.Helper()
	opts = append([]availability.Option{
		availability.WithNowTime(func() time.Time { return testNow }),
		availability.WithMetrics(f.metrics),
	}, opts...)
	c, err := availability.NewChecker(f.store, opts...)
	require.NoError(t, err)
	return c
}

func bornYearsAgo(years int) *time.Time {
	return utils.Ptr(testNow.AddDate(-years, 0, 0))
}

func TestNewCheckerValidation(t *testing.T) {
	_, err := availability.NewChecker(nil)
	require.Error(t, err)

	_, err = availability.NewChecker(memstore.New(), availability.WithAdultAge(0))
	require.Error(t, err)

	_, err = availability.NewChecker(memstore.New(), availability.WithEligibilityExpression("client.age <"))
	require.Error(t, err)

	_, err = availability.NewChecker(memstore.New(), availability.WithEligibilityExpression("client.age + 1"))
	require.Error(t, err)
}

func TestIncompleteInputSkipsStore(t *testing.T) {
	f := setupTestFixture(t)
	c := f.checker(t)

	tests := []struct {
		name  string
		input availability.Input
	}{
		{name: "no jurisdiction", input: availability.Input{BirthDate: bornYearsAgo(30)}},
		{name: "blank jurisdiction", input: availability.Input{Jurisdiction: "  ", BirthDate: bornYearsAgo(30)}},
		{name: "no birth date", input: availability.Input{Jurisdiction: "NY"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, availability.Result{}, c.Check(context.Background(), tt.input))
		})
	}
	require.Equal(t, 0, f.store.Calls(records.CollectionClinicians))
	require.Equal(t, 3.0, testutil.ToFloat64(f.metrics.AvailabilityChecks.WithLabelValues("skipped")))
}

func TestCheckFilters(t *testing.T) {
	tests := []struct {
		name  string
		input availability.Input
		want  bool
	}{
		{
			name:  "adult in served state",
			input: availability.Input{Jurisdiction: "nj", BirthDate: bornYearsAgo(40)},
			want:  true,
		},
		{
			name:  "minor matches child clinician case insensitively",
			input: availability.Input{Jurisdiction: "NY", BirthDate: bornYearsAgo(12)},
			want:  true,
		},
		{
			name:  "minor in state with adult-only clinician",
			input: availability.Input{Jurisdiction: "NJ", BirthDate: bornYearsAgo(12)},
			want:  false,
		},
		{
			name:  "turns eighteen today counts as adult",
			input: availability.Input{Jurisdiction: "NJ", BirthDate: bornYearsAgo(18)},
			want:  true,
		},
		{
			name:  "day before eighteenth birthday is a minor",
			input: availability.Input{Jurisdiction: "NJ", BirthDate: utils.Ptr(testNow.AddDate(-18, 0, 1))},
			want:  false,
		},
		{
			name:  "program eligible needs an accepting clinician",
			input: availability.Input{Jurisdiction: "NJ", BirthDate: bornYearsAgo(40), ProgramEligible: utils.Ptr(true)},
			want:  false,
		},
		{
			name:  "program eligible with accepting clinician",
			input: availability.Input{Jurisdiction: "or", BirthDate: bornYearsAgo(40), ProgramEligible: utils.Ptr(true)},
			want:  true,
		},
		{
			name:  "program flag false skips the program filter",
			input: availability.Input{Jurisdiction: "NJ", BirthDate: bornYearsAgo(40), ProgramEligible: utils.Ptr(false)},
			want:  true,
		},
		{
			name:  "inactive and full clinicians are excluded",
			input: availability.Input{Jurisdiction: "TX", BirthDate: bornYearsAgo(40)},
			want:  false,
		},
		{
			name:  "unserved state",
			input: availability.Input{Jurisdiction: "FL", BirthDate: bornYearsAgo(40)},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			res := f.checker(t).Check(context.Background(), tt.input)
			require.NoError(t, res.Err)
			require.False(t, res.Loading)
			require.Equal(t, tt.want, res.HasAvailableProviders)
			require.Equal(t, 1, f.store.Calls(records.CollectionClinicians))
		})
	}
}

func TestEligibilityExpression(t *testing.T) {
	f := setupTestFixture(t)
	spanish := f.checker(t, availability.WithEligibilityExpression(`"es" in clinician.languages && client.age >= 10`))

	res := spanish.Check(context.Background(), availability.Input{Jurisdiction: "NY", BirthDate: bornYearsAgo(12)})
	require.True(t, res.HasAvailableProviders)

	res = spanish.Check(context.Background(), availability.Input{Jurisdiction: "NY", BirthDate: bornYearsAgo(8)})
	require.False(t, res.HasAvailableProviders)

	// adults-ny has no Spanish speakers
	res = spanish.Check(context.Background(), availability.Input{Jurisdiction: "NJ", BirthDate: bornYearsAgo(40)})
	require.False(t, res.HasAvailableProviders)

	// A missing column fails evaluation, which excludes the clinician.
	broken := f.checker(t, availability.WithEligibilityExpression(`clinician.rating > 3`))
	res = broken.Check(context.Background(), availability.Input{Jurisdiction: "NJ", BirthDate: bornYearsAgo(40)})
	require.NoError(t, res.Err)
	require.False(t, res.HasAvailableProviders)
}

func TestCheckStoreError(t *testing.T) {
	f := setupTestFixture(t)
	f.store.FailNext(records.CollectionClinicians, errors.New("connection refused"), 1)

	res := f.checker(t).Check(context.Background(), availability.Input{Jurisdiction: "NJ", BirthDate: bornYearsAgo(40)})
	require.Error(t, res.Err)
	require.False(t, res.HasAvailableProviders)
	require.False(t, res.Loading)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AvailabilityChecks.WithLabelValues("error")))
}

func TestUpdateRecomputesOnlyOnChange(t *testing.T) {
	f := setupTestFixture(t)
	c := f.checker(t)
	in := availability.Input{Jurisdiction: "NJ", BirthDate: bornYearsAgo(40)}

	require.Equal(t, availability.Result{}, c.Result())
	require.True(t, c.Update(context.Background(), in).HasAvailableProviders)
	require.True(t, c.Update(context.Background(), in).HasAvailableProviders)
	require.Equal(t, 1, f.store.Calls(records.CollectionClinicians))

	in.Jurisdiction = " nj "
	c.Update(context.Background(), in)
	require.Equal(t, 1, f.store.Calls(records.CollectionClinicians))

	in.ProgramEligible = utils.Ptr(true)
	require.False(t, c.Update(context.Background(), in).HasAvailableProviders)
	require.False(t, c.Result().HasAvailableProviders)
	require.Equal(t, 2, f.store.Calls(records.CollectionClinicians))

	in.ProgramEligible = nil
	require.True(t, c.Update(context.Background(), in).HasAvailableProviders)
	require.Equal(t, 3, f.store.Calls(records.CollectionClinicians))
}

func TestInputFromProfile(t *testing.T) {
	require.Equal(t, availability.Input{}, availability.InputFromProfile(nil))

	dob := time.Date(1990, 2, 3, 0, 0, 0, 0, time.UTC)
	in := availability.InputFromProfile(&profiles.ClientProfile{
		State:           utils.Ptr("NY"),
		DateOfBirth:     &dob,
		ChampvaEligible: utils.Ptr(true),
	})
	require.Equal(t, "NY", in.Jurisdiction)
	require.Equal(t, &dob, in.BirthDate)
	require.True(t, *in.ProgramEligible)
}
