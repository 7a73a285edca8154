// Package records defines the generic record store the portal core reads
// client, clinician and assignment rows from.
package records

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
)

// ErrNotFound is returned by Single when no row matches.
var ErrNotFound = perrors.ErrNotFound

type Collection string

const (
	CollectionClients     Collection = "clients"
	CollectionClinicians  Collection = "clinicians"
	CollectionAssignments Collection = "document_assignments"
)

// Record is a single row keyed by column name.
type Record map[string]any

// ID returns the row's "id" column as a string.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

type Op string

const (
	OpEq       Op = "eq"
	OpContains Op = "contains"
)

type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Eq matches rows whose field equals value.
func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: value}
}

// Contains matches rows whose string field contains value, or whose slice
// field has value as an element.
func Contains(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpContains, Value: value}
}

// Matches reports whether rec satisfies the predicate.
func (p Predicate) Matches(rec Record) bool {
	v, ok := rec[p.Field]
	if !ok {
		return false
	}
	switch p.Op {
	case OpEq:
		return reflect.DeepEqual(v, p.Value)
	case OpContains:
		return contains(v, p.Value)
	}
	return false
}

func contains(haystack, needle any) bool {
	if s, ok := haystack.(string); ok {
		n, ok := needle.(string)
		return ok && strings.Contains(s, n)
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if reflect.DeepEqual(rv.Index(i).Interface(), needle) {
			return true
		}
	}
	return false
}

type Query struct {
	Collection Collection
	Predicates []Predicate
	Limit      int // 0 means unlimited
}

// From starts a query over collection.
func From(collection Collection) Query {
	return Query{Collection: collection}
}

// Where returns a copy of q with predicates appended.
func (q Query) Where(predicates ...Predicate) Query {
	q.Predicates = append(append([]Predicate(nil), q.Predicates...), predicates...)
	return q
}

// WithLimit returns a copy of q capped to n rows.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Matches reports whether rec satisfies every predicate.
func (q Query) Matches(rec Record) bool {
	for _, p := range q.Predicates {
		if !p.Matches(rec) {
			return false
		}
	}
	return true
}

func (q Query) String() string {
	parts := make([]string, 0, len(q.Predicates))
	for _, p := range q.Predicates {
		parts = append(parts, fmt.Sprintf("%s %s %v", p.Field, p.Op, p.Value))
	}
	return fmt.Sprintf("%s[%s] limit=%d", q.Collection, strings.Join(parts, ", "), q.Limit)
}

// Store reads and writes rows in named collections.
type Store interface {
	// Single returns the first row matching q, or ErrNotFound.
	Single(ctx context.Context, q Query) (Record, error)

	// List returns all rows matching q, honouring q.Limit. No match is an
	// empty slice, not an error.
	List(ctx context.Context, q Query) ([]Record, error)

	// Update merges fields into the row with the given id.
	Update(ctx context.Context, collection Collection, id string, fields Record) error
}
