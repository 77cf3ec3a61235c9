// ABOUTME: Configuration loading and parsing for casys-engine
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete casys-engine configuration
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	PlanGraph  PlanGraphConfig  `yaml:"plangraph"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// EngineConfig holds scheduling and control-flow configuration
type EngineConfig struct {
	// MaxParallelism bounds concurrent tasks within a layer; 0 means unbounded
	MaxParallelism int `yaml:"max_parallelism"`
	// CheckpointEveryNLayers is the checkpoint cadence; 0 means every layer,
	// negative disables checkpointing
	CheckpointEveryNLayers int `yaml:"checkpoint_every_n_layers"`
	// FailFast ends a run on the first layer with a non-safe-to-fail
	// failure instead of completing with a partial-failure flag
	FailFast bool `yaml:"fail_fast"`
	// OnDecisionTimeout is what an unanswered decision gate does: "proceed" or "abort"
	OnDecisionTimeout string `yaml:"on_decision_timeout"`

	PerTaskTimeout   time.Duration `yaml:"-"`
	DecisionTimeout  time.Duration `yaml:"-"`
	AbortGracePeriod time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PerTaskTimeoutRaw   string `yaml:"per_task_timeout"`
	DecisionTimeoutRaw  string `yaml:"decision_timeout"`
	AbortGracePeriodRaw string `yaml:"abort_grace_period"`

	Speculation SpeculationConfig `yaml:"speculation"`
}

// SpeculationConfig holds predictive pre-execution configuration
type SpeculationConfig struct {
	Enabled bool `yaml:"enabled"`
	// ConfidenceThreshold is the starting confidence bar; 0 uses the
	// adaptive default
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// CostCap is the highest declared tool cost eligible for speculation
	CostCap float64 `yaml:"cost_cap"`
	// CacheSize bounds how many speculative results are held
	CacheSize int `yaml:"cache_size"`

	DurationCap time.Duration `yaml:"-"`
	CacheTTL    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DurationCapRaw string `yaml:"duration_cap"`
	CacheTTLRaw    string `yaml:"cache_ttl"`
}

// CatalogConfig holds tool catalog configuration
type CatalogConfig struct {
	// ManifestDir is scanned for pack manifests (*.toml)
	ManifestDir string `yaml:"manifest_dir"`
	// SchemaCacheSize bounds the descriptor cache fronting manifest parses
	SchemaCacheSize int `yaml:"schema_cache_size"`

	SchemaCacheTTL time.Duration `yaml:"-"`

	SchemaCacheTTLRaw string `yaml:"schema_cache_ttl"`
}

// CheckpointConfig holds checkpoint persistence configuration
type CheckpointConfig struct {
	Path string `yaml:"path"`
}

// PlanGraphConfig holds the durable plan-graph location
type PlanGraphConfig struct {
	Dir string `yaml:"dir"`
}

// ApprovalConfig holds approval token configuration
type ApprovalConfig struct {
	// JWTSecret signs and verifies approval tokens; empty disables
	// token verification and approvals are taken on the caller's word
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when a field is absent from the
// YAML file. Zero engine timeouts defer to the controller's defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			CheckpointEveryNLayers: 1,
			OnDecisionTimeout:      "proceed",
			Speculation: SpeculationConfig{
				CostCap:   0.10,
				CacheSize: 256,
				CacheTTL:  10 * time.Minute,
			},
		},
		Catalog: CatalogConfig{
			SchemaCacheSize: 128,
			SchemaCacheTTL:  5 * time.Minute,
		},
		Checkpoint: CheckpointConfig{
			Path: "casys-engine.db",
		},
		PlanGraph: PlanGraphConfig{
			Dir: "plangraph",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Absent fields keep the defaults from Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint.path is required")
	}

	if c.Engine.MaxParallelism < 0 {
		return fmt.Errorf("engine.max_parallelism must not be negative")
	}

	switch c.Engine.OnDecisionTimeout {
	case "", "proceed", "abort":
	default:
		return fmt.Errorf("engine.on_decision_timeout must be \"proceed\" or \"abort\", got %q", c.Engine.OnDecisionTimeout)
	}

	if t := c.Engine.Speculation.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("engine.speculation.confidence_threshold must be within [0, 1], got %v", t)
	}
	if c.Engine.Speculation.CostCap < 0 {
		return fmt.Errorf("engine.speculation.cost_cap must not be negative")
	}
	if c.Engine.Speculation.CacheSize < 0 {
		return fmt.Errorf("engine.speculation.cache_size must not be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Engine.PerTaskTimeoutRaw, &cfg.Engine.PerTaskTimeout, "engine.per_task_timeout"},
		{cfg.Engine.DecisionTimeoutRaw, &cfg.Engine.DecisionTimeout, "engine.decision_timeout"},
		{cfg.Engine.AbortGracePeriodRaw, &cfg.Engine.AbortGracePeriod, "engine.abort_grace_period"},
		{cfg.Engine.Speculation.DurationCapRaw, &cfg.Engine.Speculation.DurationCap, "engine.speculation.duration_cap"},
		{cfg.Engine.Speculation.CacheTTLRaw, &cfg.Engine.Speculation.CacheTTL, "engine.speculation.cache_ttl"},
		{cfg.Catalog.SchemaCacheTTLRaw, &cfg.Catalog.SchemaCacheTTL, "catalog.schema_cache_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
