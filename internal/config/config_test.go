package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEnvOnlyDefaults(t *testing.T) {
	cfg, err := Load("", true)
	require.NoError(t, err)
	require.Equal(t, time.Hour, cfg.Pipeline.Window)
	require.Equal(t, "max", cfg.Policy.Combine)
	require.Equal(t, 60.0, cfg.Alerting.Threshold)
	require.Equal(t, "memory", cfg.Lock.Backend)
	require.Len(t, cfg.Detectors.Enabled, 6)
	require.Contains(t, cfg.Policy.Kinds, "whale_concentration")
	require.Equal(t, "insider-tracker", cfg.Log.Service)
	require.Equal(t, []string{"stdout"}, cfg.Log.Outputs)
	require.Equal(t, "silent", cfg.DB.LogLevel)
	require.Equal(t, 200*time.Millisecond, cfg.DB.SlowQuery)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "pipeline:\n  window: 30m\n  workers: 2\nalerting:\n  threshold: 55\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("IT_PIPELINE_WORKERS", "4")

	cfg, err := Load(path, false)
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.Pipeline.Window)
	require.Equal(t, 4, cfg.Pipeline.Workers)
	require.Equal(t, 55.0, cfg.Alerting.Threshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("", true)
	require.NoError(t, err)

	bad := cfg
	bad.Pipeline.Window = 0
	bad.Alerting.SeverityBands.High = 95
	bad.Lock.Backend = "etcd"
	bad.Kafka.Enabled = true
	bad.Log.Encoding = "xml"
	bad.DB.Timezone = "Mars/Olympus"
	err = bad.Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, "pipeline.window")
	require.ErrorContains(t, err, "severity_bands")
	require.ErrorContains(t, err, "lock.backend")
	require.ErrorContains(t, err, "kafka.brokers")
	require.ErrorContains(t, err, "log.encoding")
	require.ErrorContains(t, err, "db.timezone")
}
