package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config is the full engram configuration: a JSON file overlaid with
// ENGRAM_* environment variables.
type Config struct {
	DataDir  string         `json:"data_dir" env:"ENGRAM_DATA_DIR"`
	LogLevel string         `json:"log_level" env:"ENGRAM_LOG_LEVEL"`
	Memory   MemoryConfig   `json:"memory"`
	Schedule ScheduleConfig `json:"schedule"`
}

// MemoryConfig controls the memory engine itself.
type MemoryConfig struct {
	// VectorBackend selects the nearest-neighbor index: "chromem"
	// (persistent) or "memory" (brute force, rebuilt on open).
	VectorBackend string `json:"vector_backend" env:"ENGRAM_MEMORY_VECTOR_BACKEND"`

	MaxMemories  int     `json:"max_memories" env:"ENGRAM_MEMORY_MAX_MEMORIES"`
	PinThreshold float64 `json:"pin_threshold" env:"ENGRAM_MEMORY_PIN_THRESHOLD"`

	QueryTimeoutMS    int `json:"query_timeout_ms" env:"ENGRAM_MEMORY_QUERY_TIMEOUT_MS"`
	QueryCacheSeconds int `json:"query_cache_seconds" env:"ENGRAM_MEMORY_QUERY_CACHE_SECONDS"`

	// Half-lives in days, per source type. Zero means "use default".
	DefaultHalfLifeDays      float64 `json:"default_half_life_days" env:"ENGRAM_MEMORY_DEFAULT_HALF_LIFE_DAYS"`
	ConversationHalfLifeDays float64 `json:"conversation_half_life_days" env:"ENGRAM_MEMORY_CONVERSATION_HALF_LIFE_DAYS"`
	FactHalfLifeDays         float64 `json:"fact_half_life_days" env:"ENGRAM_MEMORY_FACT_HALF_LIFE_DAYS"`
	PreferenceHalfLifeDays   float64 `json:"preference_half_life_days" env:"ENGRAM_MEMORY_PREFERENCE_HALF_LIFE_DAYS"`
	FeedbackHalfLifeDays     float64 `json:"feedback_half_life_days" env:"ENGRAM_MEMORY_FEEDBACK_HALF_LIFE_DAYS"`
	SummaryHalfLifeDays      float64 `json:"summary_half_life_days" env:"ENGRAM_MEMORY_SUMMARY_HALF_LIFE_DAYS"`

	// Spaced-repetition settings, intervals in days.
	InitialIntervalHighDays   float64 `json:"initial_interval_high_days" env:"ENGRAM_MEMORY_INITIAL_INTERVAL_HIGH_DAYS"`
	InitialIntervalMediumDays float64 `json:"initial_interval_medium_days" env:"ENGRAM_MEMORY_INITIAL_INTERVAL_MEDIUM_DAYS"`
	InitialIntervalLowDays    float64 `json:"initial_interval_low_days" env:"ENGRAM_MEMORY_INITIAL_INTERVAL_LOW_DAYS"`
	MinIntervalDays           float64 `json:"min_interval_days" env:"ENGRAM_MEMORY_MIN_INTERVAL_DAYS"`
	MaxIntervalDays           float64 `json:"max_interval_days" env:"ENGRAM_MEMORY_MAX_INTERVAL_DAYS"`
	IntervalMultiplier        float64 `json:"interval_multiplier" env:"ENGRAM_MEMORY_INTERVAL_MULTIPLIER"`
	ReinforcementBoost        float64 `json:"reinforcement_boost" env:"ENGRAM_MEMORY_REINFORCEMENT_BOOST"`
	ArchiveAfterReinforcement int     `json:"archive_after_reinforcements" env:"ENGRAM_MEMORY_ARCHIVE_AFTER_REINFORCEMENTS"`
	AuditIntervalDays         float64 `json:"audit_interval_days" env:"ENGRAM_MEMORY_AUDIT_INTERVAL_DAYS"`

	// Self-test settings.
	SelfTestBatchSize int     `json:"self_test_batch_size" env:"ENGRAM_MEMORY_SELF_TEST_BATCH_SIZE"`
	DriftThreshold    float64 `json:"drift_threshold" env:"ENGRAM_MEMORY_DRIFT_THRESHOLD"`
	RepairMaxAgeDays  float64 `json:"repair_max_age_days" env:"ENGRAM_MEMORY_REPAIR_MAX_AGE_DAYS"`

	// Snapshot settings.
	SnapshotEveryWrites int `json:"snapshot_every_writes" env:"ENGRAM_MEMORY_SNAPSHOT_EVERY_WRITES"`
}

// ScheduleConfig holds cron expressions for background maintenance.
type ScheduleConfig struct {
	SelfTestCron    string `json:"self_test_cron" env:"ENGRAM_SCHEDULE_SELF_TEST_CRON"`
	ReviewSweepCron string `json:"review_sweep_cron" env:"ENGRAM_SCHEDULE_REVIEW_SWEEP_CRON"`
	TickSeconds     int    `json:"tick_seconds" env:"ENGRAM_SCHEDULE_TICK_SECONDS"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir:  "data/engram",
		LogLevel: "info",
		Memory: MemoryConfig{
			VectorBackend:     "chromem",
			MaxMemories:       1000,
			PinThreshold:      0.85,
			QueryTimeoutMS:    100,
			QueryCacheSeconds: 20,

			DefaultHalfLifeDays:      30,
			ConversationHalfLifeDays: 15,
			FactHalfLifeDays:         60,
			PreferenceHalfLifeDays:   90,
			FeedbackHalfLifeDays:     45,
			SummaryHalfLifeDays:      30,

			InitialIntervalHighDays:   1,
			InitialIntervalMediumDays: 3,
			InitialIntervalLowDays:    7,
			MinIntervalDays:           1,
			MaxIntervalDays:           60,
			IntervalMultiplier:        2.0,
			ReinforcementBoost:        0.2,
			ArchiveAfterReinforcement: 12,
			AuditIntervalDays:         90,

			SelfTestBatchSize: 10,
			DriftThreshold:    0.9,
			RepairMaxAgeDays:  30,

			SnapshotEveryWrites: 50,
		},
		Schedule: ScheduleConfig{
			SelfTestCron:    "0 3 * * *",
			ReviewSweepCron: "*/30 * * * *",
			TickSeconds:     30,
		},
	}
}

// Load reads the config file at path (missing file means defaults) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
