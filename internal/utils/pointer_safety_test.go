package utils_test

import (
	"testing"

	"github.com/jrsteele09/go-portal-auth/internal/utils"
	"github.com/stretchr/testify/require"
)

func TestPointerHelpers(t *testing.T) {
	var nilString *string
	require.Equal(t, "", utils.Value(nilString))
	require.Equal(t, "x", utils.Value(utils.Ptr("x")))
	require.Equal(t, "fallback", utils.ValueOr(nilString, "fallback"))
	require.True(t, utils.ValueOr(utils.Ptr(true), false))
}

func TestStringList(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{name: "string slice", in: []string{"NY", " NJ "}, want: []string{"NY", "NJ"}},
		{name: "any slice drops non strings", in: []any{"CA", 3, " OR"}, want: []string{"CA", "OR"}},
		{name: "comma separated", in: "CA, OR", want: []string{"CA", "OR"}},
		{name: "blank string", in: "  ", want: []string{}},
		{name: "nil", in: nil, want: []string{}},
		{name: "unsupported type", in: 42, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, utils.StringList(tt.in))
		})
	}
}
