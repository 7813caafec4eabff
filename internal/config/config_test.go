package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quittances/quittances/internal/remote"
)

// isolate runs Load away from any real qt.* file.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(Dir(), "quittances.db"), cfg.DataPath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, remote.BackendNone, cfg.Remote.Backend)
	assert.Equal(t, "quittances:", cfg.Remote.RedisPrefix)
	assert.Equal(t, filepath.Join(Dir(), "token"), cfg.Identity.TokenFile)
	assert.Equal(t, 30*time.Second, cfg.Sync.PushTimeout)
	assert.Equal(t, 15*time.Second, cfg.Sync.RebindInterval)
	assert.Equal(t, ":8787", cfg.Mirror.Addr)
}

func TestLoad_File(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "qt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_path: /tmp/q.db
log:
  level: debug
remote:
  backend: dir
  dir: /shared/quittances
sync:
  push_timeout: 5s
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/q.db", cfg.DataPath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, remote.BackendDir, cfg.Remote.Backend)
	assert.Equal(t, "/shared/quittances", cfg.Remote.Dir)
	assert.Equal(t, 5*time.Second, cfg.Sync.PushTimeout)
}

func TestLoad_ImplicitFileInWorkingDir(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("qt.toml", []byte("[identity]\nid = \"user-7\"\n"), 0644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "user-7", cfg.Identity.ID)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "qt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote:\n  backend: memory\n"), 0644))
	t.Setenv("QT_REMOTE_BACKEND", "redis")
	t.Setenv("QT_REMOTE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("QT_SYNC_REBIND_INTERVAL", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, remote.BackendRedis, cfg.Remote.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Remote.RedisURL)
	assert.Equal(t, time.Minute, cfg.Sync.RebindInterval)
}

func TestLoad_Invalid(t *testing.T) {
	isolate(t)

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("QT_REMOTE_BACKEND", "ftp")
		_, err := Load("")
		assert.ErrorContains(t, err, "invalid config")
	})

	t.Run("backend without its setting", func(t *testing.T) {
		t.Setenv("QT_REMOTE_BACKEND", "postgres")
		_, err := Load("")
		assert.ErrorContains(t, err, "PostgresURL")
	})

	t.Run("bad log level", func(t *testing.T) {
		t.Setenv("QT_LOG_LEVEL", "loud")
		_, err := Load("")
		assert.ErrorContains(t, err, "Level")
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "failed to read config")
	})
}

func TestRemoteOptions(t *testing.T) {
	cfg := &Config{Remote: RemoteConfig{Backend: remote.BackendHTTP, URL: "http://mirror"}}
	opts := cfg.RemoteOptions(nil)
	assert.Equal(t, remote.BackendHTTP, opts.Backend)
	assert.Equal(t, "http://mirror", opts.URL)
	assert.Nil(t, opts.Token)
}
