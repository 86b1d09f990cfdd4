package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LOG_LEVEL", "LOG_FILE", "DB_HOST", "DB_USER", "DB_NAME", "REDIS_HOST",
		"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "DISCORD_TOKEN",
		"STORAGE_PUBLIC_BASE_URL", "STREAM_GATEWAY_URL", "TUNING_FILE", "STREAM_TOKEN_TTL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, "ffmpeg", cfg.FFmpegBinary)
	assert.False(t, cfg.IsDatabaseEnabled())
	assert.False(t, cfg.IsRedisEnabled())
	assert.Equal(t, 3, cfg.Tuning.FailureCeiling)
	assert.Equal(t, 15*time.Minute, cfg.StreamTokenTTL)
}

func TestLoadTrimsBaseURLs(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_PUBLIC_BASE_URL", "https://cdn.example.com/")
	t.Setenv("STREAM_GATEWAY_URL", "https://api.example.com//")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com", cfg.StoragePublicBaseURL)
	assert.Equal(t, "https://api.example.com", cfg.StreamGatewayURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "LOG_LEVEL",
		},
		{
			name:    "db host without user",
			mutate:  func(c *Config) { c.DBHost = "localhost" },
			wantErr: "DB_USER",
		},
		{
			name:    "minio without keys",
			mutate:  func(c *Config) { c.MinioEndpoint = "minio:9000" },
			wantErr: "MINIO_ACCESS_KEY",
		},
		{
			name:    "discord without channel",
			mutate:  func(c *Config) { c.DiscordToken = "token" },
			wantErr: "DISCORD_GUILD_ID",
		},
		{
			name:    "zero failure ceiling",
			mutate:  func(c *Config) { c.Tuning.FailureCeiling = 0 },
			wantErr: "failure_ceiling",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: "info", StreamTokenTTL: time.Minute, Tuning: DefaultTuning()}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadTuningOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	doc := `
failure_ceiling: 5
lock_lease: 3s
load_timeout: 1s
probe_timeout: 500ms
skip_delay_network: 1500ms
routes:
  - keywords: [rain]
    buckets: [nature]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	tuning, err := LoadTuning(path, DefaultTuning())
	require.NoError(t, err)

	assert.Equal(t, 5, tuning.FailureCeiling)
	assert.Equal(t, 3*time.Second, tuning.LockLease)
	assert.Equal(t, time.Second, tuning.LoadTimeout)
	assert.Equal(t, 1500*time.Millisecond, tuning.SkipDelayNetwork)
	require.Len(t, tuning.Routes, 1)
	assert.Equal(t, []string{"nature"}, tuning.Routes[0].Buckets)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultTuning().LowWaterMark, tuning.LowWaterMark)
}

func TestLockLeaseMustOutlastTrackStart(t *testing.T) {
	tuning := DefaultTuning()
	require.NoError(t, tuning.Validate())
	assert.Greater(t, tuning.LockLease, tuning.StartBudget())

	tuning.LoadTimeout = 5 * time.Second
	tuning.ProbeTimeout = 4 * time.Second
	tuning.LockLease = 8 * time.Second
	err := tuning.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_lease")

	tuning.LockLease = 14 * time.Second
	require.Error(t, tuning.Validate(), "equal to the budget is still too short")

	tuning.LockLease = 15 * time.Second
	assert.NoError(t, tuning.Validate())
}

func TestLoadTuningRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("validation_batch_size: 0\n"), 0o600))

	_, err := LoadTuning(path, DefaultTuning())
	require.Error(t, err)
}

func TestLoadFailsOnMissingTuningFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TUNING_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
}
