// Package availability decides whether any clinician can take a client with
// a given jurisdiction, age and program eligibility.
package availability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jrsteele09/go-portal-auth/internal/metrics"
	"github.com/jrsteele09/go-portal-auth/internal/utils"
	"github.com/jrsteele09/go-portal-auth/profiles"
	"github.com/jrsteele09/go-portal-auth/records"
	"github.com/rs/zerolog"
)

const DefaultAdultAge = 18

// Clinician row columns.
const (
	FieldIsActive            = "is_active"
	FieldAcceptingNewClients = "accepting_new_clients"
	FieldStates              = "states"
	FieldServesChildren      = "serves_children"
	FieldServesAdults        = "serves_adults"
	FieldAcceptsChampva      = "accepts_champva"
)

// Input is the client side of the match. Jurisdiction and BirthDate are
// required for a check to run.
type Input struct {
	Jurisdiction    string
	BirthDate       *time.Time
	ProgramEligible *bool // nil and false both skip the program filter
}

// InputFromProfile builds the input from a client profile. A nil profile
// gives an empty input.
func InputFromProfile(p *profiles.ClientProfile) Input {
	if p == nil {
		return Input{}
	}
	in := Input{
		BirthDate:       p.DateOfBirth,
		ProgramEligible: p.ChampvaEligible,
	}
	if p.State != nil {
		in.Jurisdiction = *p.State
	}
	return in
}

func (in Input) complete() bool {
	return strings.TrimSpace(in.Jurisdiction) != "" && in.BirthDate != nil
}

// fingerprint hashes the input tuple.
func (in Input) fingerprint() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(strings.ToUpper(strings.TrimSpace(in.Jurisdiction)))
	_, _ = h.Write([]byte{0})
	if in.BirthDate != nil {
		_, _ = h.WriteString(in.BirthDate.UTC().Format(time.DateOnly))
	}
	_, _ = h.Write([]byte{0})
	switch {
	case in.ProgramEligible == nil:
		_, _ = h.WriteString("-")
	case *in.ProgramEligible:
		_, _ = h.WriteString("1")
	default:
		_, _ = h.WriteString("0")
	}
	return h.Sum64()
}

type Result struct {
	HasAvailableProviders bool
	Loading               bool
	Err                   error
}

type Checker struct {
	store    records.Store
	adultAge int
	rule     *eligibilityRule
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	nowTime  func() time.Time

	expression string

	lock     sync.Mutex
	result   Result
	lastHash uint64
	hasLast  bool
}

type Option func(*Checker)

func WithAdultAge(age int) Option {
	return func(c *Checker) {
		c.adultAge = age
	}
}

// WithEligibilityExpression adds a CEL expression every remaining
// clinician must satisfy. An empty expression adds nothing.
func WithEligibilityExpression(expression string) Option {
	return func(c *Checker) {
		c.expression = expression
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Checker) {
		c.nowTime = nowFunc
	}
}

func NewChecker(store records.Store, options ...Option) (*Checker, error) {
	if store == nil {
		return nil, errors.New("[NewChecker] record store is required")
	}

	c := &Checker{
		store:    store,
		adultAge: DefaultAdultAge,
		logger:   zerolog.Nop(),
		nowTime:  time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.adultAge < 1 {
		return nil, fmt.Errorf("[NewChecker] adult age must be positive, got %d", c.adultAge)
	}
	if strings.TrimSpace(c.expression) != "" {
		rule, err := compileEligibilityRule(c.expression)
		if err != nil {
			return nil, fmt.Errorf("[NewChecker] %w", err)
		}
		c.rule = rule
	}
	return c, nil
}

// Check reports whether at least one active clinician accepting new clients
// matches in. Incomplete input is unavailable without a store call.
func (c *Checker) Check(ctx context.Context, in Input) Result {
	if !in.complete() {
		c.metrics.RecordAvailabilityCheck("skipped")
		return Result{}
	}

	query := records.From(records.CollectionClinicians).Where(
		records.Eq(FieldIsActive, true),
		records.Eq(FieldAcceptingNewClients, true),
	)
	rows, err := c.store.List(ctx, query)
	if err != nil {
		c.logger.Error().Err(err).Str("jurisdiction", in.Jurisdiction).Msg("failed to check clinician availability")
		c.metrics.RecordAvailabilityCheck("error")
		return Result{Err: fmt.Errorf("list clinicians: %w", err)}
	}

	age := profiles.AgeAt(*in.BirthDate, c.nowTime())
	client := map[string]any{
		"age":              int64(age),
		"jurisdiction":     strings.TrimSpace(in.Jurisdiction),
		"program_eligible": in.ProgramEligible != nil && *in.ProgramEligible,
	}

	for _, row := range rows {
		if c.matches(ctx, row, in, age, client) {
			c.metrics.RecordAvailabilityCheck("available")
			return Result{HasAvailableProviders: true}
		}
	}
	c.metrics.RecordAvailabilityCheck("unavailable")
	return Result{}
}

// matches applies the filters in order: jurisdiction, age band, program,
// then the eligibility expression.
func (c *Checker) matches(ctx context.Context, row records.Record, in Input, age int, client map[string]any) bool {
	if !servesJurisdiction(row[FieldStates], in.Jurisdiction) {
		return false
	}

	if age < c.adultAge {
		if !flag(row[FieldServesChildren]) {
			return false
		}
	} else if !flag(row[FieldServesAdults]) {
		return false
	}

	if in.ProgramEligible != nil && *in.ProgramEligible && !flag(row[FieldAcceptsChampva]) {
		return false
	}

	if c.rule == nil {
		return true
	}
	ok, err := c.rule.eval(ctx, row, client)
	if err != nil {
		c.logger.Warn().Err(err).Str("clinician", row.ID()).Msg("eligibility expression failed")
		return false
	}
	return ok
}

// Update recomputes the result when in differs from the previous input and
// returns the result for the latest input. A result computed for an input
// that has since been replaced is dropped.
func (c *Checker) Update(ctx context.Context, in Input) Result {
	hash := in.fingerprint()

	c.lock.Lock()
	if c.hasLast && c.lastHash == hash && !c.result.Loading {
		res := c.result
		c.lock.Unlock()
		return res
	}
	c.lastHash = hash
	c.hasLast = true
	c.result = Result{Loading: in.complete()}
	c.lock.Unlock()

	res := c.Check(ctx, in)

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.lastHash != hash {
		return c.result
	}
	c.result = res
	return res
}

// Result returns the result for the latest input passed to Update.
func (c *Checker) Result() Result {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.result
}

func servesJurisdiction(states any, jurisdiction string) bool {
	want := strings.TrimSpace(jurisdiction)
	for _, s := range utils.StringList(states) {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

// flag reads a boolean column, accepting bools and boolean strings.
func flag(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		return err == nil && parsed
	}
	return false
}
