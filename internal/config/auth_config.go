package config

import "time"

type AuthConfig interface {
	GetInitTimeout() time.Duration
	GetPollInterval() time.Duration
	GetStaleStoragePrefixes() []string
	GetProfileRetry() RetrySettings
}

type AuthSettings struct {
	InitTimeout          time.Duration `mapstructure:"init_timeout" validate:"gt=0"`
	PollInterval         time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	StaleStoragePrefixes []string      `mapstructure:"stale_storage_prefixes" validate:"dive,required"`
	ProfileRetry         RetrySettings `mapstructure:"profile_retry"`
}

func (s Settings) GetInitTimeout() time.Duration {
	return s.Auth.InitTimeout
}

func (s Settings) GetPollInterval() time.Duration {
	return s.Auth.PollInterval
}

func (s Settings) GetStaleStoragePrefixes() []string {
	return s.Auth.StaleStoragePrefixes
}

func (s Settings) GetProfileRetry() RetrySettings {
	return s.Auth.ProfileRetry
}
