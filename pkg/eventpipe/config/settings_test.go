package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlSettings = `
debug: true
platform: ios
appVersion: 4.2.0
batchSize: 50
privacyMode: true
providers:
  - name: collector
    type: http
    config:
      endpoint: https://collect.example.com
      timeoutMs: 2500
  - name: firebase
    type: passthrough
    enabled: false
`

const jsonSettings = `{
  "platform": "android",
  "flushIntervalMs": 1000,
  "providers": [
    {"name": "collector", "type": "http", "config": {"endpoint": "https://c", "timeoutMs": 2500}}
  ]
}`

const tomlSettings = `
platform = "web"
maxRetries = 5

[[providers]]
name = "collector"
type = "http"

[providers.config]
endpoint = "https://c"
timeoutMs = 2500
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSettings_YAML(t *testing.T) {
	s, err := LoadSettings(writeFile(t, "settings.yaml", yamlSettings))
	require.NoError(t, err)

	assert.True(t, s.Enabled, "omitted enabled keeps default")
	assert.True(t, s.Debug)
	assert.True(t, s.PrivacyMode)
	assert.Equal(t, PlatformIOS, s.Platform)
	assert.Equal(t, 50, s.BatchSize)
	assert.Equal(t, DefaultSettings.MaxQueueSize, s.MaxQueueSize)
	assert.Equal(t, 30*time.Second, s.FlushInterval())

	require.Len(t, s.Providers, 2)
	assert.True(t, s.Providers[0].IsEnabled())
	assert.Equal(t, "http", s.Providers[0].Kind())
	assert.Equal(t, 2500*time.Millisecond, s.Providers[0].Options().Duration("timeoutMs", 0))
	assert.False(t, s.Providers[1].IsEnabled())
}

func TestLoadSettings_JSON(t *testing.T) {
	s, err := LoadSettings(writeFile(t, "settings.json", jsonSettings))
	require.NoError(t, err)

	assert.Equal(t, PlatformAndroid, s.Platform)
	assert.Equal(t, time.Second, s.FlushInterval())
	require.Len(t, s.Providers, 1)
	assert.Equal(t, int64(2500), s.Providers[0].Config["timeoutMs"])
	assert.Equal(t, 2500*time.Millisecond, s.Providers[0].Options().Duration("timeoutMs", 0))
}

func TestLoadSettings_TOML(t *testing.T) {
	s, err := LoadSettings(writeFile(t, "settings.toml", tomlSettings))
	require.NoError(t, err)

	assert.Equal(t, PlatformWeb, s.Platform)
	assert.Equal(t, 5, s.MaxRetries)
	require.Len(t, s.Providers, 1)
	assert.Equal(t, "https://c", s.Providers[0].Options().String("endpoint", ""))
	assert.Equal(t, 2500*time.Millisecond, s.Providers[0].Options().Duration("timeoutMs", 0))
}

func TestLoadSettings_Errors(t *testing.T) {
	t.Run("unknown extension", func(t *testing.T) {
		_, err := LoadSettings(writeFile(t, "settings.ini", "x=1"))
		assert.ErrorContains(t, err, "unsupported settings file extension")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad platform", func(t *testing.T) {
		_, err := ParseSettings([]byte(`platform: desktop`), FormatYAML)
		assert.ErrorIs(t, err, ErrInvalidSettings)
	})

	t.Run("duplicate provider", func(t *testing.T) {
		_, err := ParseSettings([]byte(`{"providers":[{"name":"a"},{"name":"a"}]}`), FormatJSON)
		assert.ErrorIs(t, err, ErrInvalidSettings)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := ParseSettings([]byte("providers: [\n"), FormatYAML)
		assert.ErrorContains(t, err, "parse yaml")
	})
}

func TestSettings_WithDefaults(t *testing.T) {
	s := Settings{BatchSize: 5}.WithDefaults()

	assert.Equal(t, 5, s.BatchSize)
	assert.Equal(t, DefaultSettings.FlushIntervalMs, s.FlushIntervalMs)
	assert.Equal(t, DefaultSettings.MaxRetries, s.MaxRetries)
	assert.Equal(t, DefaultSettings.ConsentVersion, s.ConsentVersion)
	assert.Equal(t, 5*time.Second, s.RetryDelay())
	assert.Equal(t, time.Minute, s.ProcessInterval())
	assert.False(t, s.Enabled, "booleans are not defaulted")
}
