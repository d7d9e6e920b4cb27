package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitLogger_WritesJSONFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := InitLogger(Options{Env: "test", Level: "warn", Dir: dir})
	require.NoError(t, err)

	logger.Debug("Call issued", zap.String("call_id", "c1"))
	_ = logger.Sync()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "test_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	// the file records debug even when stdout is at warn
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line))
	assert.Equal(t, "Call issued", line["msg"])
	assert.Equal(t, "c1", line["call_id"])
	assert.Equal(t, "test", line["env"])
	assert.Contains(t, line, "timestamp")
}

func TestInitLogger_NoFile(t *testing.T) {
	logger, err := InitLogger(Options{Env: "production", Dir: "-"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestInitLogger_InvalidLevel(t *testing.T) {
	_, err := InitLogger(Options{Level: "verbose", Dir: "-"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
