// Package config loads the YAML configuration that wires the Master
// Matrix build — analyzer directories, per-stream filters, storage, and
// logging — following the same load/override/default pipeline as any
// other YAML-plus-dotenv Go service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/timeutil"
)

// Config is the full configuration surface for a matrixcore run.
type Config struct {
	Matrix  MatrixConfig                  `yaml:"matrix"`
	Streams map[string]StreamFilterConfig `yaml:"streams"`
	Storage StorageConfig                 `yaml:"storage"`
	Log     LogConfig                     `yaml:"log"`
}

// MatrixConfig controls where the build reads from and writes to, and how
// aggressively it retries and parallelizes.
type MatrixConfig struct {
	AnalyzerRunsDir          string        `yaml:"analyzer_runs_dir"`
	OutputDir                string        `yaml:"output_dir"`
	CheckpointDir            string        `yaml:"checkpoint_dir"`
	TimetableDir             string        `yaml:"timetable_dir"`
	RollingWindow            int           `yaml:"rolling_window"` // MATRIX_REPROCESS_TRADING_DAYS
	MaxRetries               int           `yaml:"max_retries"`
	RetryDelaySeconds        float64       `yaml:"retry_delay_seconds"`
	AllowInvalidDatesSalvage bool          `yaml:"allow_invalid_dates_salvage"`
	CriticalStreams          []string      `yaml:"critical_streams"`
	DataLoaderWorkers        int           `yaml:"data_loader_workers"` // 0 = min(numStreams, 2*NumCPU)
	Instruments              []string      `yaml:"instruments"`         // universe for the timetable's 12 mandatory entries
}

// RetryDelay converts RetryDelaySeconds to a time.Duration.
func (m MatrixConfig) RetryDelay() time.Duration {
	return time.Duration(m.RetryDelaySeconds * float64(time.Second))
}

// StreamFilterConfig is the YAML shape of one stream's exclusion rules
// (§6.6), converted to domain.StreamConfig at load time.
type StreamFilterConfig struct {
	ExcludeDaysOfWeek  []string `yaml:"exclude_days_of_week"`
	ExcludeDaysOfMonth []int    `yaml:"exclude_days_of_month"`
	ExcludeTimes       []string `yaml:"exclude_times"`
	Critical           bool     `yaml:"critical"`
}

// ToDomain converts the YAML filter shape to the domain.StreamConfig the
// sequencer and filter engine consume.
func (c StreamFilterConfig) ToDomain() domain.StreamConfig {
	out := domain.StreamConfig{Critical: c.Critical}

	if len(c.ExcludeDaysOfWeek) > 0 {
		out.ExcludeDaysOfWeek = make(map[string]struct{}, len(c.ExcludeDaysOfWeek))
		for _, d := range c.ExcludeDaysOfWeek {
			out.ExcludeDaysOfWeek[strings.ToLower(d)] = struct{}{}
		}
	}
	if len(c.ExcludeDaysOfMonth) > 0 {
		out.ExcludeDaysOfMonth = make(map[int]struct{}, len(c.ExcludeDaysOfMonth))
		for _, d := range c.ExcludeDaysOfMonth {
			out.ExcludeDaysOfMonth[d] = struct{}{}
		}
	}
	if len(c.ExcludeTimes) > 0 {
		out.ExcludeTimes = make(map[string]struct{}, len(c.ExcludeTimes))
		for _, t := range c.ExcludeTimes {
			out.ExcludeTimes[timeutil.Normalize(t)] = struct{}{}
		}
	}
	return out
}

// StreamConfigs converts every entry of Streams to a
// map[string]domain.StreamConfig, ready to hand to the orchestrator.
func (c *Config) StreamConfigs() map[string]domain.StreamConfig {
	out := make(map[string]domain.StreamConfig, len(c.Streams))
	for stream, filter := range c.Streams {
		out[stream] = filter.ToDomain()
	}
	return out
}

// CriticalStreamSet returns every stream marked critical, whether by name
// in Matrix.CriticalStreams or via a per-stream `critical: true` filter
// entry — the shape the orchestrator's critical-stream gate expects.
func (c *Config) CriticalStreamSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Matrix.CriticalStreams))
	for _, s := range c.Matrix.CriticalStreams {
		out[s] = struct{}{}
	}
	for stream, filter := range c.Streams {
		if filter.Critical {
			out[stream] = struct{}{}
		}
	}
	return out
}

// StorageConfig names the SQLite mirror used by the run-history lookup
// path (§1.6) — not the authoritative JSONL log, which is fixed at
// state/run_history.jsonl relative to the working directory.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// LogConfig controls logging level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, applies a .env file if present
// (silently ignoring a missing one), then environment overrides, then
// defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("MATRIX_ANALYZER_RUNS_DIR"); v != "" {
		cfg.Matrix.AnalyzerRunsDir = v
	}
	if v := os.Getenv("MATRIX_OUTPUT_DIR"); v != "" {
		cfg.Matrix.OutputDir = v
	}
	if v := os.Getenv("MATRIX_REPROCESS_TRADING_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Matrix.RollingWindow = n
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.Matrix.OutputDir == "" {
		cfg.Matrix.OutputDir = "output/master_matrix"
	}
	if cfg.Matrix.CheckpointDir == "" {
		cfg.Matrix.CheckpointDir = "state/checkpoints"
	}
	if cfg.Matrix.TimetableDir == "" {
		cfg.Matrix.TimetableDir = "output/timetable"
	}
	if cfg.Matrix.RollingWindow <= 0 {
		cfg.Matrix.RollingWindow = 35 // MATRIX_REPROCESS_TRADING_DAYS default
	}
	if cfg.Matrix.MaxRetries <= 0 {
		cfg.Matrix.MaxRetries = 3
	}
	if cfg.Matrix.RetryDelaySeconds <= 0 {
		cfg.Matrix.RetryDelaySeconds = 2
	}
	if len(cfg.Matrix.Instruments) == 0 {
		cfg.Matrix.Instruments = []string{"ES", "NQ", "RTY", "GC", "CL", "YM"}
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "matrixcore.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
