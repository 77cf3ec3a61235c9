// Package config handles configuration loading for casys-engine.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; a missing section
// keeps the defaults from Default().
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CASYS_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/casys/engine.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	approval:
//	  jwt_secret: "${CASYS_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	engine:
//	  per_task_timeout: "45s"
//	  decision_timeout: "2m"
//	  abort_grace_period: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Engine scheduling and control flow:
//
//	engine:
//	  max_parallelism: 8              # 0 = unbounded
//	  per_task_timeout: "45s"
//	  decision_timeout: "2m"
//	  on_decision_timeout: "proceed"  # proceed, abort
//	  abort_grace_period: "10s"
//	  checkpoint_every_n_layers: 1    # negative disables
//	  fail_fast: false
//	  speculation:
//	    enabled: false
//	    confidence_threshold: 0.0     # 0 = adaptive default
//	    cost_cap: 0.10
//	    duration_cap: "5s"
//	    cache_size: 256
//	    cache_ttl: "10m"
//
// Tool catalog:
//
//	catalog:
//	  manifest_dir: "./packs"
//	  schema_cache_size: 128
//	  schema_cache_ttl: "5m"
//
// Persistence:
//
//	checkpoint:
//	  path: "/var/lib/casys/engine.db"
//	plangraph:
//	  dir: "/var/lib/casys/plangraph"
//
// Approvals:
//
//	approval:
//	  jwt_secret: "${CASYS_JWT_SECRET}"  # empty disables token checks
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Checkpoint path presence
//   - Timeout action and logging enum values
//   - Speculation threshold range and non-negative caps
//   - Duration format validity
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/casys/engine.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
