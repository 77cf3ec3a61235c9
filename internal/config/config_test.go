// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configContent := `
engine:
  max_parallelism: 8
  per_task_timeout: "45s"
  decision_timeout: "2m"
  on_decision_timeout: "abort"
  abort_grace_period: "10s"
  checkpoint_every_n_layers: 2
  fail_fast: true
  speculation:
    enabled: true
    confidence_threshold: 0.9
    cost_cap: 0.25
    duration_cap: "3s"
    cache_size: 64
    cache_ttl: "90s"

catalog:
  manifest_dir: "./packs"
  schema_cache_size: 32
  schema_cache_ttl: "1m"

checkpoint:
  path: "./engine.db"

plangraph:
  dir: "./graph"

approval:
  jwt_secret: "0123456789abcdef"

logging:
  level: "debug"
  format: "json"
`
	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify engine config with duration parsing
	if cfg.Engine.MaxParallelism != 8 {
		t.Errorf("Engine.MaxParallelism = %d, want 8", cfg.Engine.MaxParallelism)
	}
	if cfg.Engine.PerTaskTimeout != 45*time.Second {
		t.Errorf("Engine.PerTaskTimeout = %v, want %v", cfg.Engine.PerTaskTimeout, 45*time.Second)
	}
	if cfg.Engine.DecisionTimeout != 2*time.Minute {
		t.Errorf("Engine.DecisionTimeout = %v, want %v", cfg.Engine.DecisionTimeout, 2*time.Minute)
	}
	if cfg.Engine.OnDecisionTimeout != "abort" {
		t.Errorf("Engine.OnDecisionTimeout = %q, want %q", cfg.Engine.OnDecisionTimeout, "abort")
	}
	if cfg.Engine.AbortGracePeriod != 10*time.Second {
		t.Errorf("Engine.AbortGracePeriod = %v, want %v", cfg.Engine.AbortGracePeriod, 10*time.Second)
	}
	if cfg.Engine.CheckpointEveryNLayers != 2 {
		t.Errorf("Engine.CheckpointEveryNLayers = %d, want 2", cfg.Engine.CheckpointEveryNLayers)
	}
	if !cfg.Engine.FailFast {
		t.Error("Engine.FailFast = false, want true")
	}

	// Verify speculation config
	if !cfg.Engine.Speculation.Enabled {
		t.Error("Speculation.Enabled = false, want true")
	}
	if cfg.Engine.Speculation.ConfidenceThreshold != 0.9 {
		t.Errorf("Speculation.ConfidenceThreshold = %v, want 0.9", cfg.Engine.Speculation.ConfidenceThreshold)
	}
	if cfg.Engine.Speculation.CostCap != 0.25 {
		t.Errorf("Speculation.CostCap = %v, want 0.25", cfg.Engine.Speculation.CostCap)
	}
	if cfg.Engine.Speculation.DurationCap != 3*time.Second {
		t.Errorf("Speculation.DurationCap = %v, want %v", cfg.Engine.Speculation.DurationCap, 3*time.Second)
	}
	if cfg.Engine.Speculation.CacheSize != 64 {
		t.Errorf("Speculation.CacheSize = %d, want 64", cfg.Engine.Speculation.CacheSize)
	}
	if cfg.Engine.Speculation.CacheTTL != 90*time.Second {
		t.Errorf("Speculation.CacheTTL = %v, want %v", cfg.Engine.Speculation.CacheTTL, 90*time.Second)
	}

	// Verify catalog config
	if cfg.Catalog.ManifestDir != "./packs" {
		t.Errorf("Catalog.ManifestDir = %q, want %q", cfg.Catalog.ManifestDir, "./packs")
	}
	if cfg.Catalog.SchemaCacheSize != 32 {
		t.Errorf("Catalog.SchemaCacheSize = %d, want 32", cfg.Catalog.SchemaCacheSize)
	}
	if cfg.Catalog.SchemaCacheTTL != time.Minute {
		t.Errorf("Catalog.SchemaCacheTTL = %v, want %v", cfg.Catalog.SchemaCacheTTL, time.Minute)
	}

	// Verify persistence config
	if cfg.Checkpoint.Path != "./engine.db" {
		t.Errorf("Checkpoint.Path = %q, want %q", cfg.Checkpoint.Path, "./engine.db")
	}
	if cfg.PlanGraph.Dir != "./graph" {
		t.Errorf("PlanGraph.Dir = %q, want %q", cfg.PlanGraph.Dir, "./graph")
	}

	// Verify approval config
	if cfg.Approval.JWTSecret != "0123456789abcdef" {
		t.Errorf("Approval.JWTSecret = %q, want %q", cfg.Approval.JWTSecret, "0123456789abcdef")
	}

	// Verify logging config
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	// A minimal file keeps every other default.
	cfg, err := Load(writeConfig(t, "checkpoint:\n  path: \"./engine.db\"\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine.CheckpointEveryNLayers != 1 {
		t.Errorf("Engine.CheckpointEveryNLayers = %d, want 1", cfg.Engine.CheckpointEveryNLayers)
	}
	if cfg.Engine.OnDecisionTimeout != "proceed" {
		t.Errorf("Engine.OnDecisionTimeout = %q, want %q", cfg.Engine.OnDecisionTimeout, "proceed")
	}
	if cfg.Engine.Speculation.Enabled {
		t.Error("Speculation.Enabled = true, want false")
	}
	if cfg.Engine.Speculation.CostCap != 0.10 {
		t.Errorf("Speculation.CostCap = %v, want 0.10", cfg.Engine.Speculation.CostCap)
	}
	if cfg.Engine.Speculation.CacheSize != 256 {
		t.Errorf("Speculation.CacheSize = %d, want 256", cfg.Engine.Speculation.CacheSize)
	}
	if cfg.Engine.Speculation.CacheTTL != 10*time.Minute {
		t.Errorf("Speculation.CacheTTL = %v, want %v", cfg.Engine.Speculation.CacheTTL, 10*time.Minute)
	}
	if cfg.Catalog.SchemaCacheSize != 128 {
		t.Errorf("Catalog.SchemaCacheSize = %d, want 128", cfg.Catalog.SchemaCacheSize)
	}
	if cfg.Catalog.SchemaCacheTTL != 5*time.Minute {
		t.Errorf("Catalog.SchemaCacheTTL = %v, want %v", cfg.Catalog.SchemaCacheTTL, 5*time.Minute)
	}
	if cfg.PlanGraph.Dir != "plangraph" {
		t.Errorf("PlanGraph.Dir = %q, want %q", cfg.PlanGraph.Dir, "plangraph")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "text")
	}
	if cfg.Approval.JWTSecret != "" {
		t.Errorf("Approval.JWTSecret = %q, want empty", cfg.Approval.JWTSecret)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_ENGINE_JWT_SECRET", "secret-from-env")
	t.Setenv("TEST_ENGINE_DB_PATH", "/tmp/engine-test.db")

	configContent := `
checkpoint:
  path: "${TEST_ENGINE_DB_PATH}"

approval:
  jwt_secret: "${TEST_ENGINE_JWT_SECRET}"
`
	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Checkpoint.Path != "/tmp/engine-test.db" {
		t.Errorf("Checkpoint.Path = %q, want %q", cfg.Checkpoint.Path, "/tmp/engine-test.db")
	}
	if cfg.Approval.JWTSecret != "secret-from-env" {
		t.Errorf("Approval.JWTSecret = %q, want %q", cfg.Approval.JWTSecret, "secret-from-env")
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	configContent := `
checkpoint:
  path: "./engine.db"

approval:
  jwt_secret: "${DEFINITELY_NOT_SET_ENGINE_VAR}"
`
	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Approval.JWTSecret != "" {
		t.Errorf("Approval.JWTSecret = %q, want empty", cfg.Approval.JWTSecret)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configContent := `
engine:
  decision_timeout: "not-a-duration"

checkpoint:
  path: "./engine.db"
`
	_, err := Load(writeConfig(t, configContent))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "engine.decision_timeout") {
		t.Errorf("error %q should name the offending field", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "engine: [unclosed"))
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "missing checkpoint path",
			mutate:  func(c *Config) { c.Checkpoint.Path = "" },
			wantSub: "checkpoint.path",
		},
		{
			name:    "negative parallelism",
			mutate:  func(c *Config) { c.Engine.MaxParallelism = -1 },
			wantSub: "max_parallelism",
		},
		{
			name:    "unknown timeout action",
			mutate:  func(c *Config) { c.Engine.OnDecisionTimeout = "retry" },
			wantSub: "on_decision_timeout",
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Engine.Speculation.ConfidenceThreshold = 1.5 },
			wantSub: "confidence_threshold",
		},
		{
			name:    "negative cost cap",
			mutate:  func(c *Config) { c.Engine.Speculation.CostCap = -0.5 },
			wantSub: "cost_cap",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantSub: "logging.level",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantSub: "logging.format",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("Validate() error %q should mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate() on defaults = %v", err)
	}
}
