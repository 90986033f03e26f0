package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertFromFileParsesDurations(t *testing.T) {
	cfg, err := convertFromFile(&ConfigFile{
		ServiceURL:   "http://svc:8090",
		PollInterval: "250ms",
		ThumbBucket:  "10m",
	})
	require.NoError(t, err)

	assert.Equal(t, "http://svc:8090", cfg.ServiceURL)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.ThumbBucket)
}

func TestConvertFromFileRejectsBadDuration(t *testing.T) {
	_, err := convertFromFile(&ConfigFile{PollInterval: "soon"})
	require.Error(t, err)
}

func TestValidateFillsReferenceDefaults(t *testing.T) {
	cfg := &Config{}
	validateAndSetDefaults(cfg)

	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 3, cfg.CalibrationSamples)
	assert.Equal(t, 2000, cfg.SafetyMarginMs)
	assert.Equal(t, 2000, cfg.DefaultSampleMs)
	assert.Equal(t, 3000, cfg.ExpectedIntervalMs)
	assert.Equal(t, 1500, cfg.MaxDriftMs)
	assert.Equal(t, 70, cfg.DisplayMsPerChar)
	assert.Equal(t, 2500, cfg.DisplayMinMs)
	assert.Equal(t, 8000, cfg.DisplayMaxMs)
	assert.Equal(t, 60*time.Second, cfg.ThumbCooldown)
	assert.Equal(t, 5*time.Minute, cfg.ThumbBucket)
	assert.Equal(t, 3, cfg.BatchConcurrency)
	assert.Equal(t, 10*time.Second, cfg.StatusPollInterval)
}

func TestValidateKeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		PollInterval:       time.Second,
		CalibrationSamples: 5,
		DisplayMaxMs:       10000,
	}
	validateAndSetDefaults(cfg)

	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.CalibrationSamples)
	assert.Equal(t, 10000, cfg.DisplayMaxMs)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IPTV_SYNC_SERVICE_URL", "http://override:9000")
	t.Setenv("IPTV_SYNC_LISTEN_PORT", "9999")
	t.Setenv("IPTV_SYNC_DEBUG", "true")

	cfg := &Config{ServiceURL: "http://file:8090", ListenPort: 8089}
	applyEnvOverrides(cfg)

	assert.Equal(t, "http://override:9000", cfg.ServiceURL)
	assert.Equal(t, 9999, cfg.ListenPort)
	assert.True(t, cfg.Debug)
}
