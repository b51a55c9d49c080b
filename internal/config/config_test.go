package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 1, cfg.Signaling.MaxJoiners)
	assert.Equal(t, 10*time.Second, cfg.Signaling.ReconnectGrace)
	assert.Equal(t, 30*time.Second, cfg.Session.NegotiationTimeout)
	assert.Equal(t, 3, cfg.Session.ReconnectAttempts)
	assert.Equal(t, BackendSQLite, cfg.Backend.Mode)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.ICEServers[0].URLs)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte(`
port: 9090
session:
  negotiation_timeout: 5s
signaling:
  max_joiners: 2
  reconnect_grace: 0s
media:
  audio_file: lesson.ogg
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("LESSON_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Session.NegotiationTimeout)
	assert.Equal(t, 2, cfg.Signaling.MaxJoiners)
	assert.Zero(t, cfg.Signaling.ReconnectGrace)
	assert.Equal(t, "lesson.ogg", cfg.Media.AudioFile)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	cfg := Config{
		Port:      8080,
		Signaling: SignalingConfig{MaxJoiners: 1},
		Session:   SessionConfig{NegotiationTimeout: time.Second},
		Backend:   BackendConfig{Mode: BackendRemote},
	}
	require.Error(t, cfg.Validate())

	cfg.Backend.URL = "http://backend"
	require.NoError(t, cfg.Validate())

	cfg.Signaling.ReconnectGrace = -time.Second
	require.Error(t, cfg.Validate())
	cfg.Signaling.ReconnectGrace = 0

	cfg.Signaling.MaxJoiners = 0
	require.Error(t, cfg.Validate())
}
