// Package profiles holds the closed client profile schema and decodes store
// records into it.
package profiles

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jrsteele09/go-portal-auth/records"
)

// SchemaVersion is the profile layout this package decodes.
const SchemaVersion = 1

// ErrInvalidRecord is returned when a known field has the wrong type or the
// record declares an unsupported schema version.
var ErrInvalidRecord = errors.New("invalid client profile record")

type Status string

const (
	StatusNew                 Status = "New"
	StatusProfileComplete     Status = "Profile Complete"
	StatusActive              Status = "Active"
	StatusInactive            Status = "Inactive"
	StatusErrorFetchingStatus Status = "ErrorFetchingStatus"
)

// Field names in the clients collection.
const (
	FieldID      = "id" // the auth subject id
	FieldStatus  = "status"
	FieldVersion = "schema_version"
)

// ClientProfile is the typed projection of a clients row. Optional columns
// are pointers; columns this schema does not know end up in Quarantined.
type ClientProfile struct {
	SchemaVersion int `record:"schema_version"`

	ID                  string     `record:"id"`
	FirstName           *string    `record:"first_name"`
	LastName            *string    `record:"last_name"`
	Email               *string    `record:"email"`
	Phone               *string    `record:"phone"`
	DateOfBirth         *time.Time `record:"date_of_birth"`
	State               *string    `record:"state"` // jurisdiction of residence
	ChampvaEligible     *bool      `record:"champva_eligible"`
	AssignedClinicianID *string    `record:"assigned_clinician_id"`
	Status              Status     `record:"status"`
	CreatedAt           *time.Time `record:"created_at"`
	UpdatedAt           *time.Time `record:"updated_at"`

	// Quarantined holds unrecognised columns. They are kept for diagnostics
	// only and never read as profile data.
	Quarantined map[string]any `record:"-"`
}

// Decode converts rec into a ClientProfile. A missing status defaults to New.
func Decode(rec records.Record) (*ClientProfile, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: empty record", ErrInvalidRecord)
	}

	profile := &ClientProfile{}
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     profile,
		Metadata:   &md,
		TagName:    "record",
		DecodeHook: timeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("build profile decoder: %w", err)
	}
	if err := decoder.Decode(map[string]any(rec)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	switch profile.SchemaVersion {
	case 0:
		profile.SchemaVersion = SchemaVersion
	case SchemaVersion:
	default:
		return nil, fmt.Errorf("%w: schema version %d", ErrInvalidRecord, profile.SchemaVersion)
	}
	if profile.Status == "" {
		profile.Status = StatusNew
	}

	if len(md.Unused) > 0 {
		sort.Strings(md.Unused)
		profile.Quarantined = make(map[string]any, len(md.Unused))
		for _, key := range md.Unused {
			profile.Quarantined[key] = rec[key]
		}
	}
	return profile, nil
}

// StatusOf returns the status column of rec, defaulting to New.
func StatusOf(rec records.Record) Status {
	if s, ok := rec[FieldStatus].(string); ok && s != "" {
		return Status(s)
	}
	return StatusNew
}

// Age returns the whole years between the profile's date of birth and now,
// or false when the birth date is unknown.
func (p *ClientProfile) Age(now time.Time) (int, bool) {
	if p == nil || p.DateOfBirth == nil {
		return 0, false
	}
	return AgeAt(*p.DateOfBirth, now), true
}

// AgeAt returns the completed years between birth and now.
func AgeAt(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}

// Clone returns a deep copy of p.
func (p *ClientProfile) Clone() *ClientProfile {
	if p == nil {
		return nil
	}
	c := *p
	if p.Quarantined != nil {
		c.Quarantined = make(map[string]any, len(p.Quarantined))
		for k, v := range p.Quarantined {
			c.Quarantined[k] = v
		}
	}
	return &c
}

var timeType = reflect.TypeOf(time.Time{})

// dateLayouts are tried in order when a timestamp column arrives as text.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

func timeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType || from.Kind() != reflect.String {
		return data, nil
	}
	s := reflect.ValueOf(data).String()
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("cannot parse %q as a date", s)
}
