package config

import "time"

type AssignmentsConfig interface {
	GetAttemptCap() int
	GetDebounceDelay() time.Duration
	GetAutoRetryDelay() time.Duration
	GetAssignmentsRetry() RetrySettings
}

type AssignmentsSettings struct {
	AttemptCap     int           `mapstructure:"attempt_cap" validate:"min=1"`
	DebounceDelay  time.Duration `mapstructure:"debounce_delay" validate:"gte=0"`
	AutoRetryDelay time.Duration `mapstructure:"auto_retry_delay" validate:"gte=0"` // 0 disables automatic retries
	Retry          RetrySettings `mapstructure:"retry"`
}

func (s Settings) GetAttemptCap() int {
	return s.Assignments.AttemptCap
}

func (s Settings) GetDebounceDelay() time.Duration {
	return s.Assignments.DebounceDelay
}

func (s Settings) GetAutoRetryDelay() time.Duration {
	return s.Assignments.AutoRetryDelay
}

func (s Settings) GetAssignmentsRetry() RetrySettings {
	return s.Assignments.Retry
}
