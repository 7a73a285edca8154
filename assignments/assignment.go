// Package assignments loads the document assignments of one client and keeps
// the fetch attempt bookkeeping that decides when to stop retrying.
package assignments

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jrsteele09/go-portal-auth/records"
)

type Status string

const (
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Field names in the document_assignments collection.
const (
	FieldClientID    = "client_id"
	FieldStatus      = "status"
	FieldCompletedAt = "completed_at"
)

var ErrInvalidStatus = errors.New("invalid assignment status")

// ParseStatus validates raw against the known statuses.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusAssigned, StatusInProgress, StatusCompleted:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Assignment is a document a client has been asked to complete.
type Assignment struct {
	ID           string     `record:"id"`
	DocumentName string     `record:"document_name"`
	Status       Status     `record:"status"`
	ClientID     string     `record:"client_id"`
	AssignedAt   time.Time  `record:"assigned_at"`
	CompletedAt  *time.Time `record:"completed_at"`
}

// Decode converts a document_assignments row. Columns it does not know are
// ignored.
func Decode(rec records.Record) (Assignment, error) {
	var a Assignment
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &a,
		TagName:    "record",
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339),
	})
	if err != nil {
		return Assignment{}, fmt.Errorf("build assignment decoder: %w", err)
	}
	if err := decoder.Decode(map[string]any(rec)); err != nil {
		return Assignment{}, fmt.Errorf("decode assignment %q: %w", rec.ID(), err)
	}
	if _, err := ParseStatus(string(a.Status)); err != nil {
		return Assignment{}, fmt.Errorf("decode assignment %q: %w", rec.ID(), err)
	}
	return a, nil
}
