package storage_test

import (
	"errors"
	"testing"

	"github.com/jrsteele09/go-portal-auth/storage"
	"github.com/stretchr/testify/require"
)

func TestClearStaleRemovesOnlyPrefixedKeys(t *testing.T) {
	kv := storage.NewMemory()
	kv.Set("sb-project-auth-token", "stale")
	kv.Set("supabase.auth.token", "stale")
	kv.Set("theme", "dark")

	removed, err := storage.ClearStale(kv, []string{"sb-", "supabase.auth."})
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	keys, err := kv.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"theme"}, keys)
}

func TestClearStaleNoPrefixes(t *testing.T) {
	kv := storage.NewMemory()
	kv.Set("sb-token", "x")

	removed, err := storage.ClearStale(kv, nil)
	require.NoError(t, err)
	require.Zero(t, removed)

	removed, err = storage.ClearStale(nil, []string{"sb-"})
	require.NoError(t, err)
	require.Zero(t, removed)
}

type failingKV struct {
	keys      []string
	removeErr error
	removed   []string
}

func (f *failingKV) Keys() ([]string, error) { return f.keys, nil }

func (f *failingKV) Remove(key string) error {
	if key == "sb-locked" {
		return f.removeErr
	}
	f.removed = append(f.removed, key)
	return nil
}

func TestClearStaleContinuesPastFailures(t *testing.T) {
	kv := &failingKV{keys: []string{"sb-locked", "sb-other"}, removeErr: errors.New("quota")}

	removed, err := storage.ClearStale(kv, []string{"sb-"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "sb-locked")
	require.Equal(t, 1, removed)
	require.Equal(t, []string{"sb-other"}, kv.removed)
}
