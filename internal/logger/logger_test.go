package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PhilippMayorov/insiderTracker/internal/config"
)

func TestNewWritesServiceFieldToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, err := New(config.LogConfig{
		Level:    "debug",
		Encoding: "json",
		Service:  "insider-tracker",
		Outputs:  []string{path},
	}, zap.String("env", "test"))
	require.NoError(t, err)

	log.Debug("pipeline run started", zap.String("run_id", "r1"))
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "insider-tracker", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Equal(t, "r1", entry["run_id"])
	require.Equal(t, "debug", entry["level"])
	require.Contains(t, entry["ts"], "T", "ISO8601 timestamps")
}

func TestNewRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, err := New(config.LogConfig{Level: "warn", Encoding: "json", Outputs: []string{path}})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "dropped")
	require.Contains(t, string(raw), "kept")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud", Encoding: "json"})
	require.ErrorContains(t, err, "log.level")
}
