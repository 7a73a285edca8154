// Package config holds the portal core settings and the per-concern views
// components consume.
package config

import "time"

type Config interface {
	AuthConfig
	AssignmentsConfig
	AvailabilityConfig
	LoggingConfig
	IdentityConfig
}

// Settings is the concrete configuration loaded from file and environment.
type Settings struct {
	Auth         AuthSettings         `mapstructure:"auth"`
	Assignments  AssignmentsSettings  `mapstructure:"assignments"`
	Availability AvailabilitySettings `mapstructure:"availability"`
	Logging      LoggingSettings      `mapstructure:"logging"`
	Identity     IdentitySettings     `mapstructure:"identity"`
}

var _ Config = Settings{}

// RetrySettings describes a bounded retry policy.
type RetrySettings struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1,max=20"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	Multiplier     float64       `mapstructure:"multiplier" validate:"gte=1"`
	Jitter         float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// New returns the default configuration.
func New() Config {
	return Defaults()
}

// Defaults returns the built-in settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Auth: AuthSettings{
			InitTimeout:          8 * time.Second,
			PollInterval:         1 * time.Second,
			StaleStoragePrefixes: []string{"sb-", "supabase.auth."},
			ProfileRetry: RetrySettings{
				MaxAttempts:    2,
				InitialBackoff: 250 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
				Multiplier:     2,
			},
		},
		Assignments: AssignmentsSettings{
			AttemptCap:    3,
			DebounceDelay: 500 * time.Millisecond,
			Retry: RetrySettings{
				MaxAttempts:    2,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     4 * time.Second,
				Multiplier:     2,
				Jitter:         0.2,
			},
		},
		Availability: AvailabilitySettings{
			AdultAge: 18,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
		},
		Identity: IdentitySettings{
			RoleClaim: "role",
			Scopes:    []string{"openid", "profile", "email", "offline_access"},
		},
	}
}
