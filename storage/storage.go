// Package storage abstracts the client-side key/value storage the portal
// clears stale identity artifacts from.
package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// KeyValue is the subset of local storage the core relies on.
type KeyValue interface {
	Keys() ([]string, error)
	Remove(key string) error
}

var _ KeyValue = (*Memory)(nil)

// Memory is a map-backed KeyValue.
type Memory struct {
	values map[string]string
	lock   sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Set(key, value string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.values[key] = value
}

func (m *Memory) Get(key string) (string, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() ([]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Remove(key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.values, key)
	return nil
}

// ClearStale removes every key starting with one of prefixes and returns how
// many were removed. Removal keeps going past individual failures; the first
// failure is returned.
func ClearStale(kv KeyValue, prefixes []string) (int, error) {
	if kv == nil || len(prefixes) == 0 {
		return 0, nil
	}

	keys, err := kv.Keys()
	if err != nil {
		return 0, fmt.Errorf("list storage keys: %w", err)
	}

	removed := 0
	var firstErr error
	for _, key := range keys {
		if !hasAnyPrefix(key, prefixes) {
			continue
		}
		if err := kv.Remove(key); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove storage key %q: %w", key, err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
