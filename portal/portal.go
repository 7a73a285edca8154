// Package portal wires the auth service, views, assignment loaders and
// availability checkers from one configuration.
package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/jrsteele09/go-portal-auth/assignments"
	"github.com/jrsteele09/go-portal-auth/auth"
	"github.com/jrsteele09/go-portal-auth/authview"
	"github.com/jrsteele09/go-portal-auth/availability"
	"github.com/jrsteele09/go-portal-auth/fetch"
	"github.com/jrsteele09/go-portal-auth/identity/oidcidp"
	"github.com/jrsteele09/go-portal-auth/internal/config"
	"github.com/jrsteele09/go-portal-auth/internal/logging"
	"github.com/jrsteele09/go-portal-auth/internal/metrics"
	"github.com/jrsteele09/go-portal-auth/records"
	"github.com/jrsteele09/go-portal-auth/retry"
	"github.com/jrsteele09/go-portal-auth/storage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Portal owns the single auth.Service of a process and builds the
// per-consumer components around it.
type Portal struct {
	Auth *auth.Service

	cfg            config.Config
	store          records.Store
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	tracerProvider trace.TracerProvider
	debouncer      *retry.Debouncer

	lock   sync.Mutex
	closed bool
}

type options struct {
	logger         *zerolog.Logger
	metrics        *metrics.Metrics
	provider       auth.IdentityProvider
	localStorage   storage.KeyValue
	httpClient     *http.Client
	tracerProvider trace.TracerProvider
}

type Option func(*options)

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithIdentityProvider uses provider instead of the configured OIDC issuer.
func WithIdentityProvider(provider auth.IdentityProvider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithLocalStorage enables clearing stale identity keys on Start.
func WithLocalStorage(kv storage.KeyValue) Option {
	return func(o *options) {
		o.localStorage = kv
	}
}

// WithHTTPClient sets the client used to reach the OIDC issuer.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// New builds the portal. Without WithIdentityProvider the OIDC issuer from
// cfg is discovered, which needs ctx to reach it.
func New(ctx context.Context, cfg config.Config, store records.Store, opts ...Option) (*Portal, error) {
	if cfg == nil {
		return nil, errors.New("[portal.New] config is required")
	}
	if store == nil {
		return nil, errors.New("[portal.New] record store is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.New(cfg, nil)
	if o.logger != nil {
		logger = *o.logger
	}

	provider := o.provider
	if provider == nil {
		if cfg.GetIssuer() == "" {
			return nil, errors.New("[portal.New] identity provider is required: set identity.issuer or use WithIdentityProvider")
		}
		idpOpts := []oidcidp.Option{oidcidp.WithLogger(logging.Component(logger, "oidc"))}
		if o.httpClient != nil {
			idpOpts = append(idpOpts, oidcidp.WithHTTPClient(o.httpClient))
		}
		idp, err := oidcidp.New(ctx, cfg, idpOpts...)
		if err != nil {
			return nil, fmt.Errorf("[portal.New] %w", err)
		}
		provider = idp
	}

	serviceOpts := []auth.ServiceOption{
		auth.WithLogger(logging.Component(logger, "auth")),
		auth.WithMetrics(o.metrics),
	}
	if o.localStorage != nil {
		serviceOpts = append(serviceOpts, auth.WithLocalStorage(o.localStorage, cfg.GetStaleStoragePrefixes()...))
	}
	service, err := auth.NewService(provider, serviceOpts...)
	if err != nil {
		return nil, fmt.Errorf("[portal.New] %w", err)
	}

	return &Portal{
		Auth:           service,
		cfg:            cfg,
		store:          store,
		logger:         logger,
		metrics:        o.metrics,
		tracerProvider: o.tracerProvider,
		debouncer:      retry.NewDebouncer(),
	}, nil
}

// Start resolves the initial auth state. See auth.Service.Start.
func (p *Portal) Start(ctx context.Context) error {
	return p.Auth.Start(ctx)
}

func (p *Portal) fetchOptions() []fetch.Option {
	if p.tracerProvider == nil {
		return nil
	}
	return []fetch.Option{fetch.WithTracerProvider(p.tracerProvider)}
}

// MountView mounts an auth view configured from auth.* settings. The caller
// closes it.
func (p *Portal) MountView(ctx context.Context) (*authview.View, error) {
	return authview.Mount(ctx, p.Auth, p.store,
		authview.WithInitTimeout(p.cfg.GetInitTimeout()),
		authview.WithPollInterval(p.cfg.GetPollInterval()),
		authview.WithProfileRetry(PolicyFrom(p.cfg.GetProfileRetry())),
		authview.WithLogger(logging.Component(p.logger, "authview")),
		authview.WithMetrics(p.metrics),
		authview.WithFetchOptions(p.fetchOptions()...),
	)
}

// NewAssignmentLoader builds a loader for subjectID configured from
// assignments.* settings. Loaders share one debouncer, so rapid triggers
// for the same client from several consumers collapse into one fetch.
func (p *Portal) NewAssignmentLoader(subjectID string) (*assignments.Loader, error) {
	return assignments.NewLoader(p.store, subjectID,
		assignments.WithAttemptCap(p.cfg.GetAttemptCap()),
		assignments.WithRetryPolicy(PolicyFrom(p.cfg.GetAssignmentsRetry())),
		assignments.WithDebounceDelay(p.cfg.GetDebounceDelay()),
		assignments.WithAutoRetryDelay(p.cfg.GetAutoRetryDelay()),
		assignments.WithDebouncer(p.debouncer),
		assignments.WithLogger(logging.Component(p.logger, "assignments")),
		assignments.WithMetrics(p.metrics),
		assignments.WithFetchOptions(p.fetchOptions()...),
	)
}

// NewAvailabilityChecker builds a checker configured from availability.*
// settings.
func (p *Portal) NewAvailabilityChecker() (*availability.Checker, error) {
	return availability.NewChecker(p.store,
		availability.WithAdultAge(p.cfg.GetAdultAge()),
		availability.WithEligibilityExpression(p.cfg.GetEligibilityExpression()),
		availability.WithLogger(logging.Component(p.logger, "availability")),
		availability.WithMetrics(p.metrics),
	)
}

// Close stops pending debounced fetches and detaches the auth service from
// its provider. Views and loaders are closed by their owners.
func (p *Portal) Close() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	p.lock.Unlock()

	p.debouncer.Stop()
	p.Auth.Close()
}

// PolicyFrom converts configured retry settings into a retry.Policy.
func PolicyFrom(s config.RetrySettings) retry.Policy {
	return retry.Policy{
		MaxAttempts:    s.MaxAttempts,
		InitialBackoff: s.InitialBackoff,
		MaxBackoff:     s.MaxBackoff,
		Multiplier:     s.Multiplier,
		Jitter:         s.Jitter,
	}
}
