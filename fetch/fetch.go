// Package fetch wraps single logical reads with retry, tracing and metrics
// and reports the outcome as a value instead of an error return.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
	"github.com/jrsteele09/go-portal-auth/internal/metrics"
	"github.com/jrsteele09/go-portal-auth/retry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jrsteele09/go-portal-auth/fetch"

// Result is the discriminated outcome of a fetch: exactly one of Data
// (meaningful) or Err (non-nil) describes it.
type Result[T any] struct {
	Data     T
	Err      error
	Attempts int
}

// OK reports whether the fetch succeeded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// NotFound reports whether the fetch failed only because nothing matched.
func (r Result[T]) NotFound() bool {
	return errors.Is(r.Err, perrors.ErrNotFound)
}

type options struct {
	metrics        *metrics.Metrics
	tracerProvider trace.TracerProvider
	logger         zerolog.Logger
}

type Option func(*options)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerProvider overrides the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRetry performs op under policy. It never panics and never returns an
// error directly: failures, including a panic inside op, land in Result.Err.
func WithRetry[T any](ctx context.Context, name string, policy retry.Policy, op func(ctx context.Context) (T, error), opts ...Option) Result[T] {
	o := options{
		tracerProvider: otel.GetTracerProvider(),
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := o.tracerProvider.Tracer(instrumentationName).Start(ctx, "fetch."+name)
	defer span.End()
	started := time.Now()

	var res Result[T]
	res.Data, res.Err = retry.Do(ctx, policy, guard(name, op),
		retry.WithAttemptHook(func(attempt int, err error) {
			res.Attempts = attempt
			o.metrics.RecordFetchAttempt(name, err)
		}),
		retry.WithRetryNotify(func(err error, next time.Duration) {
			o.logger.Debug().Err(err).Str("operation", name).Dur("backoff", next).Msg("retrying fetch")
		}),
	)

	o.metrics.ObserveFetch(name, time.Since(started).Seconds())
	span.SetAttributes(
		attribute.String("fetch.operation", name),
		attribute.Int("fetch.attempts", res.Attempts),
	)
	switch {
	case res.Err == nil:
		span.SetStatus(codes.Ok, "")
	case res.NotFound():
		span.SetAttributes(attribute.Bool("fetch.not_found", true))
	default:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		o.logger.Warn().Err(res.Err).Str("operation", name).Int("attempts", res.Attempts).Msg("fetch failed")
	}
	return res
}

// guard converts a panic in op into a permanent error.
func guard[T any](name string, op func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (v T, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = retry.Permanent(fmt.Errorf("fetch %s: panic: %v", name, r))
			}
		}()
		return op(ctx)
	}
}
