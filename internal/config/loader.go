package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "PORTAL"

// Load reads configFile (optional, any format viper understands), applies
// PORTAL_* environment overrides on top of the defaults and validates the
// result. Example: PORTAL_ASSIGNMENTS_ATTEMPT_CAP overrides assignments.attempt_cap.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return settings, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Settings) {
	v.SetDefault("auth.init_timeout", d.Auth.InitTimeout)
	v.SetDefault("auth.poll_interval", d.Auth.PollInterval)
	v.SetDefault("auth.stale_storage_prefixes", d.Auth.StaleStoragePrefixes)
	setRetryDefaults(v, "auth.profile_retry", d.Auth.ProfileRetry)

	v.SetDefault("assignments.attempt_cap", d.Assignments.AttemptCap)
	v.SetDefault("assignments.debounce_delay", d.Assignments.DebounceDelay)
	v.SetDefault("assignments.auto_retry_delay", d.Assignments.AutoRetryDelay)
	setRetryDefaults(v, "assignments.retry", d.Assignments.Retry)

	v.SetDefault("availability.adult_age", d.Availability.AdultAge)
	v.SetDefault("availability.eligibility_expression", d.Availability.EligibilityExpression)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("identity.issuer", d.Identity.Issuer)
	v.SetDefault("identity.client_id", d.Identity.ClientID)
	v.SetDefault("identity.client_secret", d.Identity.ClientSecret)
	v.SetDefault("identity.role_claim", d.Identity.RoleClaim)
	v.SetDefault("identity.reset_url", d.Identity.ResetURL)
	v.SetDefault("identity.scopes", d.Identity.Scopes)
}

func setRetryDefaults(v *viper.Viper, prefix string, r RetrySettings) {
	v.SetDefault(prefix+".max_attempts", r.MaxAttempts)
	v.SetDefault(prefix+".initial_backoff", r.InitialBackoff)
	v.SetDefault(prefix+".max_backoff", r.MaxBackoff)
	v.SetDefault(prefix+".multiplier", r.Multiplier)
	v.SetDefault(prefix+".jitter", r.Jitter)
}
