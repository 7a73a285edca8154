package records_test

import (
	"testing"

	"github.com/jrsteele09/go-portal-auth/records"
	"github.com/stretchr/testify/require"
)

func TestPredicates(t *testing.T) {
	rec := records.Record{
		"id":        "c1",
		"is_active": true,
		"states":    []any{"CA", "NY"},
		"bio":       "Works with veterans",
	}

	tests := []struct {
		name string
		p    records.Predicate
		want bool
	}{
		{name: "eq bool", p: records.Eq("is_active", true), want: true},
		{name: "eq mismatch", p: records.Eq("is_active", false), want: false},
		{name: "eq missing field", p: records.Eq("missing", true), want: false},
		{name: "contains slice", p: records.Contains("states", "NY"), want: true},
		{name: "contains slice miss", p: records.Contains("states", "TX"), want: false},
		{name: "contains substring", p: records.Contains("bio", "veterans"), want: true},
		{name: "contains on scalar", p: records.Contains("is_active", true), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.p.Matches(rec))
		})
	}
}

func TestQueryBuilderDoesNotAlias(t *testing.T) {
	base := records.From(records.CollectionClinicians).Where(records.Eq("is_active", true))
	a := base.Where(records.Eq("accepting_new_clients", true)).WithLimit(5)
	b := base.Where(records.Contains("states", "CA"))

	require.Len(t, base.Predicates, 1)
	require.Len(t, a.Predicates, 2)
	require.Len(t, b.Predicates, 2)
	require.Equal(t, records.OpContains, b.Predicates[1].Op)
	require.Equal(t, 5, a.Limit)
	require.Zero(t, base.Limit)
	require.Equal(t, "c9", records.Record{"id": "c9"}.ID())
}
