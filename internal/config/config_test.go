package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	assert.InDelta(t, 0.80, cfg.SimilarityThreshold, 0)
	assert.InDelta(t, 0.92, cfg.MergeThreshold, 0)
	assert.Equal(t, 14, cfg.LookbackDays)
	assert.Equal(t, 200, cfg.BatchSize)
	assert.Equal(t, 1000, cfg.PageSize)
	assert.Equal(t, 200, cfg.MaxPairs)
	assert.Equal(t, 0, cfg.GroupLimit)
	assert.Equal(t, 15*time.Minute, cfg.GroupInterval)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadThresholds(t *testing.T) {
	cfg := Default()
	cfg.SimilarityThreshold = 1.2
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MergeThreshold = -0.1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SimilarityThreshold = 0.95
	cfg.MergeThreshold = 0.90
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveSizes(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.BatchSize = 0 },
		func(c *Config) { c.PageSize = -1 },
		func(c *Config) { c.MaxScanBatches = 0 },
		func(c *Config) { c.LookbackDays = 0 },
		func(c *Config) { c.MaxPairs = 0 },
		func(c *Config) { c.GroupLimit = -5 },
		func(c *Config) { c.DatabaseDSN = "" },
	} {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STORYGROUP_SIMILARITY_THRESHOLD", "0.85")
	t.Setenv("STORYGROUP_LOOKBACK_DAYS", "30")
	t.Setenv("STORYGROUP_DATABASE_DSN", "postgres://localhost/storygroup")

	cfg := Default()
	applyEnv(cfg)
	assert.InDelta(t, 0.85, cfg.SimilarityThreshold, 0)
	assert.Equal(t, 30, cfg.LookbackDays)
	assert.Equal(t, "postgres://localhost/storygroup", cfg.DatabaseDSN)
}
