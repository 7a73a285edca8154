package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/jrsteele09/go-portal-auth/internal/config"
	"github.com/jrsteele09/go-portal-auth/internal/logging"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAtConfiguredLevel(t *testing.T) {
	settings := config.Defaults()
	settings.Logging.Level = "warn"

	var buf bytes.Buffer
	logger := logging.Component(logging.New(settings, &buf), "auth")

	logger.Info().Msg("dropped")
	require.Zero(t, buf.Len())

	logger.Warn().Str("state", "ERROR").Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "auth", entry["component"])
	require.Equal(t, "ERROR", entry["state"])
	require.Equal(t, "kept", entry["message"])
}

func TestNewConsoleFormat(t *testing.T) {
	settings := config.Defaults()
	settings.Logging.Format = "console"

	var buf bytes.Buffer
	logger := logging.New(settings, &buf)
	logger.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
}
