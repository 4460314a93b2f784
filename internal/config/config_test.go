package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"complb/internal/config"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "extras-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestDefault_DisablesRateLimit(t *testing.T) {
	e := config.Default()
	assert.Equal(t, "info", e.LogLevel)
	assert.False(t, e.RateLimit.Enabled)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeTempYAML(t, `
log_level: "debug"
rate_limit:
  enabled: true
  rps: 25
  burst: 50
`)
	e, v, err := config.Load(path)
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, "debug", e.LogLevel)
	assert.True(t, e.RateLimit.Enabled)
	assert.Equal(t, 25.0, e.RateLimit.RPS)
	assert.Equal(t, 50, e.RateLimit.Burst)
}

func TestLoad_MissingFile_ReturnsError(t *testing.T) {
	_, _, err := config.Load("/nonexistent/extras.yaml")
	assert.Error(t, err)
}

func TestLoad_EnabledWithoutRPS_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, `
rate_limit:
  enabled: true
  rps: 0
`)
	_, _, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoad_DefaultsApplyWhenFieldsOmitted(t *testing.T) {
	path := writeTempYAML(t, `log_level: "warn"`)
	e, _, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", e.LogLevel)
	assert.False(t, e.RateLimit.Enabled)
	assert.Equal(t, 50.0, e.RateLimit.RPS)
}
