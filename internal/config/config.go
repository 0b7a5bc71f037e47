// Package config provides configuration management for storygroup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 38111

	// DefaultSimilarityThreshold is the minimum cosine similarity for
	// assigning a story to an existing group.
	DefaultSimilarityThreshold = 0.80

	// DefaultMergeThreshold is the minimum pairwise centroid similarity for
	// merging two groups. Stricter than the assignment threshold.
	DefaultMergeThreshold = 0.92

	// DefaultLookbackDays bounds the working set to recent stories.
	DefaultLookbackDays = 14

	// DefaultBatchSize is the number of embeddings yielded per batch.
	DefaultBatchSize = 200

	// DefaultPageSize is the number of rows pulled per store page.
	DefaultPageSize = 1000

	// DefaultMaxScanBatches caps the fallback scan-and-filter path.
	DefaultMaxScanBatches = 50

	// DefaultMaxPairs caps the number of merge-candidate pairs considered.
	DefaultMaxPairs = 200
)

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerPort int `json:"worker_port"`

	// Database settings
	DatabaseDSN string `json:"database_dsn"`
	MaxConns    int    `json:"max_conns"`

	// Clustering settings
	SimilarityThreshold float64 `json:"similarity_threshold"`
	LookbackDays        int     `json:"lookback_days"`
	BatchSize           int     `json:"batch_size"`
	PageSize            int     `json:"page_size"`
	MaxScanBatches      int     `json:"max_scan_batches"`

	// Consolidation settings
	MergeThreshold float64 `json:"merge_threshold"`
	GroupLimit     int     `json:"group_limit"` // 0 = consider all active groups
	MaxPairs       int     `json:"max_pairs"`

	// Scheduler settings
	GroupInterval time.Duration `json:"group_interval"`
	MergeInterval time.Duration `json:"merge_interval"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// DataDir returns the data directory path (~/.storygroup).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".storygroup")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerPort:          DefaultWorkerPort,
		DatabaseDSN:         filepath.Join(DataDir(), "storygroup.db"),
		MaxConns:            4,
		SimilarityThreshold: DefaultSimilarityThreshold,
		LookbackDays:        DefaultLookbackDays,
		BatchSize:           DefaultBatchSize,
		PageSize:            DefaultPageSize,
		MaxScanBatches:      DefaultMaxScanBatches,
		MergeThreshold:      DefaultMergeThreshold,
		GroupLimit:          0,
		MaxPairs:            DefaultMaxPairs,
		GroupInterval:       15 * time.Minute,
		MergeInterval:       6 * time.Hour,
	}
}

// Load loads configuration from the settings file and environment,
// merging with defaults. Environment variables win over the file.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		var settings map[string]interface{}
		if err := json.Unmarshal(data, &settings); err == nil {
			applySettings(cfg, settings)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applySettings maps settings-file keys onto the config.
func applySettings(cfg *Config, settings map[string]interface{}) {
	if v, ok := settings["STORYGROUP_WORKER_PORT"].(float64); ok && v > 0 {
		cfg.WorkerPort = int(v)
	}
	if v, ok := settings["STORYGROUP_DATABASE_DSN"].(string); ok && v != "" {
		cfg.DatabaseDSN = v
	}
	if v, ok := settings["STORYGROUP_MAX_CONNS"].(float64); ok && v > 0 {
		cfg.MaxConns = int(v)
	}
	if v, ok := settings["STORYGROUP_SIMILARITY_THRESHOLD"].(float64); ok {
		cfg.SimilarityThreshold = v
	}
	if v, ok := settings["STORYGROUP_MERGE_THRESHOLD"].(float64); ok {
		cfg.MergeThreshold = v
	}
	if v, ok := settings["STORYGROUP_LOOKBACK_DAYS"].(float64); ok && v > 0 {
		cfg.LookbackDays = int(v)
	}
	if v, ok := settings["STORYGROUP_BATCH_SIZE"].(float64); ok && v > 0 {
		cfg.BatchSize = int(v)
	}
	if v, ok := settings["STORYGROUP_PAGE_SIZE"].(float64); ok && v > 0 {
		cfg.PageSize = int(v)
	}
	if v, ok := settings["STORYGROUP_MAX_SCAN_BATCHES"].(float64); ok && v > 0 {
		cfg.MaxScanBatches = int(v)
	}
	if v, ok := settings["STORYGROUP_GROUP_LIMIT"].(float64); ok && v >= 0 {
		cfg.GroupLimit = int(v)
	}
	if v, ok := settings["STORYGROUP_MAX_PAIRS"].(float64); ok && v > 0 {
		cfg.MaxPairs = int(v)
	}
	if v, ok := settings["STORYGROUP_GROUP_INTERVAL_MINUTES"].(float64); ok && v > 0 {
		cfg.GroupInterval = time.Duration(v) * time.Minute
	}
	if v, ok := settings["STORYGROUP_MERGE_INTERVAL_MINUTES"].(float64); ok && v > 0 {
		cfg.MergeInterval = time.Duration(v) * time.Minute
	}
}

// applyEnv overlays STORYGROUP_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("STORYGROUP_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v, ok := envInt("STORYGROUP_WORKER_PORT"); ok && v > 0 {
		cfg.WorkerPort = v
	}
	if v, ok := envInt("STORYGROUP_MAX_CONNS"); ok && v > 0 {
		cfg.MaxConns = v
	}
	if v, ok := envFloat("STORYGROUP_SIMILARITY_THRESHOLD"); ok {
		cfg.SimilarityThreshold = v
	}
	if v, ok := envFloat("STORYGROUP_MERGE_THRESHOLD"); ok {
		cfg.MergeThreshold = v
	}
	if v, ok := envInt("STORYGROUP_LOOKBACK_DAYS"); ok && v > 0 {
		cfg.LookbackDays = v
	}
	if v, ok := envInt("STORYGROUP_BATCH_SIZE"); ok && v > 0 {
		cfg.BatchSize = v
	}
	if v, ok := envInt("STORYGROUP_GROUP_LIMIT"); ok && v >= 0 {
		cfg.GroupLimit = v
	}
	if v, ok := envInt("STORYGROUP_MAX_PAIRS"); ok && v > 0 {
		cfg.MaxPairs = v
	}
}

func envInt(key string) (int, bool) {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v, true
		}
	}
	return 0, false
}

func envFloat(key string) (float64, bool) {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// Validate fails fast on configuration errors before any I/O is attempted.
func (c *Config) Validate() error {
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0,1], got %v", c.SimilarityThreshold)
	}
	if c.MergeThreshold < 0 || c.MergeThreshold > 1 {
		return fmt.Errorf("merge_threshold must be in [0,1], got %v", c.MergeThreshold)
	}
	if c.MergeThreshold < c.SimilarityThreshold {
		return fmt.Errorf("merge_threshold (%v) must not be looser than similarity_threshold (%v)",
			c.MergeThreshold, c.SimilarityThreshold)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.MaxScanBatches <= 0 {
		return fmt.Errorf("max_scan_batches must be positive, got %d", c.MaxScanBatches)
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("lookback_days must be positive, got %d", c.LookbackDays)
	}
	if c.MaxPairs <= 0 {
		return fmt.Errorf("max_pairs must be positive, got %d", c.MaxPairs)
	}
	if c.GroupLimit < 0 {
		return fmt.Errorf("group_limit must not be negative, got %d", c.GroupLimit)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database_dsn must not be empty")
	}
	return nil
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})
	return globalConfig
}
