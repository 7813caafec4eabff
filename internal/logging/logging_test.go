package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quittances/quittances/internal/config"
)

func TestNew_ConsoleAndFile(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "qt.log")

	logger, closer, err := newLogger(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1}, &stderr)
	require.NoError(t, err)

	logger.Debug().Str("component", "test").Msg("hello")
	logger.Trace().Msg("hidden")
	require.NoError(t, closer.Close())

	assert.Contains(t, stderr.String(), "hello")
	assert.NotContains(t, stderr.String(), "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNew_JSONStderr(t *testing.T) {
	var stderr bytes.Buffer
	logger, closer, err := newLogger(config.LogConfig{Level: "warn", JSON: true}, &stderr)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Msg("quiet")
	logger.Warn().Msg("loud")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stderr.Bytes()), &entry))
	assert.Equal(t, "loud", entry["message"])
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := newLogger(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
