package chatcampus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves the test into dir, so the config search and .env lookup only
// see files the test wrote.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	c, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "http://localhost:8000/", c.API.URL)
	assert.Equal(t, "ws://localhost:8000/", c.WS.URL)
	assert.Equal(t, 2*time.Minute, c.Snapshot.StaleTime)
	assert.Equal(t, 5, c.Live.Reconnect.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, c.Live.Reconnect.BaseDelay)
	assert.Equal(t, "info", c.Log.Level)
	assert.Len(t, c.Dev.Secret, 32)
}

func TestLoadConfigSources(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yaml := "api:\n  url: https://chat.example.com/api/\nsnapshot:\n  stale_time: 30s\nlog:\n  level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHATCAMPUS_WS_URL=wss://chat.example.com/\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CHATCAMPUS_WS_URL") })
	t.Setenv("CHATCAMPUS_LOG_LEVEL", "warn")
	t.Setenv("CHATCAMPUS_DEV_ALLOWED_ORIGINS", "http://a.test,http://b.test")

	c, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "https://chat.example.com/api/", c.API.URL)
	assert.Equal(t, "wss://chat.example.com/", c.WS.URL)
	assert.Equal(t, 30*time.Second, c.Snapshot.StaleTime)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, c.Dev.AllowedOrigins)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateReportsConfigKeys(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CHATCAMPUS_SNAPSHOT_STALE_TIME", "0s")
	t.Setenv("CHATCAMPUS_DEV_TLS_CERT", "cert.pem")

	c, err := LoadConfig("")
	require.NoError(t, err)
	err = c.Validate()
	require.Error(t, err)

	assert.Equal(t,
		"dev.tls_key is required when TLSCert is set\nsnapshot.stale_time must be greater than 0",
		FormatValidationErrors(err))
}
