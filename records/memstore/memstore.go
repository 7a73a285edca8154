// Package memstore is an in-memory records.Store used for development,
// fixtures and tests.
package memstore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-portal-auth/records"
	"gopkg.in/yaml.v3"
)

var _ records.Store = (*Store)(nil)

type Store struct {
	rows   map[records.Collection][]records.Record
	faults map[records.Collection]*fault
	calls  map[records.Collection]int
	lock   sync.RWMutex
}

type fault struct {
	err       error
	remaining int
}

func New() *Store {
	return &Store{
		rows:   make(map[records.Collection][]records.Record),
		faults: make(map[records.Collection]*fault),
		calls:  make(map[records.Collection]int),
	}
}

// Insert adds a row, assigning a uuid when it has no "id". It returns the id.
func (s *Store) Insert(collection records.Collection, rec records.Record) string {
	s.lock.Lock()
	defer s.lock.Unlock()

	row := copyRecord(rec)
	if row.ID() == "" {
		row["id"] = uuid.New().String()
	}
	s.rows[collection] = append(s.rows[collection], row)
	return row.ID()
}

// LoadYAML inserts fixture rows from a document shaped as
// collection name -> list of rows.
func (s *Store) LoadYAML(r io.Reader) error {
	var fixtures map[string][]map[string]any
	if err := yaml.NewDecoder(r).Decode(&fixtures); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}
	for collection, rows := range fixtures {
		for _, row := range rows {
			s.Insert(records.Collection(collection), records.Record(row))
		}
	}
	return nil
}

// FailNext makes the next n operations on collection return err.
func (s *Store) FailNext(collection records.Collection, err error, n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.faults[collection] = &fault{err: err, remaining: n}
}

// Calls returns how many operations have been issued against collection.
func (s *Store) Calls(collection records.Collection) int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.calls[collection]
}

// begin counts the call and reports any injected fault. Caller holds the lock.
func (s *Store) begin(collection records.Collection) error {
	s.calls[collection]++
	f, ok := s.faults[collection]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

func (s *Store) Single(ctx context.Context, q records.Query) (records.Record, error) {
	rows, err := s.List(ctx, q.WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, records.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) List(ctx context.Context, q records.Query) ([]records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.begin(q.Collection); err != nil {
		return nil, err
	}

	out := make([]records.Record, 0)
	for _, row := range s.rows[q.Collection] {
		if !q.Matches(row) {
			continue
		}
		out = append(out, copyRecord(row))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, collection records.Collection, id string, fields records.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.begin(collection); err != nil {
		return err
	}

	for _, row := range s.rows[collection] {
		if row.ID() != id {
			continue
		}
		for k, v := range fields {
			if k == "id" {
				continue
			}
			row[k] = v
		}
		return nil
	}
	return fmt.Errorf("%s %q: %w", collection, id, records.ErrNotFound)
}

func copyRecord(rec records.Record) records.Record {
	out := make(records.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
