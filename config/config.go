// Package config loads the runtime configuration for novadb's buffer
// manager and scheduler, following the two-layer approach pkg/logger and
// pkg/telemetry already use: a struct of YAML-tagged defaults,
// optionally overridden by environment variables, so a deployment never
// has to carry a config file just to flip one knob.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/novadb/novadb/core/buffer"
	"github.com/novadb/novadb/core/scheduler"
	"github.com/novadb/novadb/pkg/logger"
	"github.com/novadb/novadb/pkg/telemetry"
)

// Config is the root configuration document: the buffer manager and
// scheduler knobs plus the ambient logging/telemetry stack.
type Config struct {
	Buffer    buffer.Config      `yaml:"buffer"`
	Scheduler scheduler.Topology `yaml:"scheduler"`
	Logger    logger.Config      `yaml:"logger"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
}

// Default returns a single-node, DRAM-only configuration suitable for
// local development and the test suite.
func Default() Config {
	return Config{
		Buffer: buffer.Config{
			DRAMBufferPoolSize:        256 * 1024 * 1024,
			EnableNUMA:                false,
			MigrationPolicy:           buffer.MigrationDramOnly,
			SSDPath:                   "./novadb-data",
			EnableEvictionPurgeWorker: true,
		},
		Scheduler: scheduler.DefaultTopology(),
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "novadb",
			PrometheusPort:   9090,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads a YAML document from path over the defaults, then applies
// environment variable overrides. An empty path returns the defaults
// with only environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment tooling flip the handful of knobs
// that change most often (pool sizes, NUMA, log level) without having to
// template a YAML file, the same override style logger.Config's
// New(config) effectively gets for free from its defaulting logic.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NOVADB_DRAM_BUFFER_POOL_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Buffer.DRAMBufferPoolSize = n
		}
	}
	if v := os.Getenv("NOVADB_NUMA_BUFFER_POOL_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Buffer.NUMABufferPoolSize = n
		}
	}
	if v := os.Getenv("NOVADB_ENABLE_NUMA"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Buffer.EnableNUMA = b
		}
	}
	if v := os.Getenv("NOVADB_MIGRATION_POLICY"); v != "" {
		cfg.Buffer.MigrationPolicy = buffer.MigrationPolicyKind(v)
	}
	if v := os.Getenv("NOVADB_SSD_PATH"); v != "" {
		cfg.Buffer.SSDPath = v
	}
	if v := os.Getenv("NOVADB_SCHEDULER_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.NumNodes = n
		}
	}
	if v := os.Getenv("NOVADB_SCHEDULER_WORKERS_PER_NODE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.WorkersPerNode = n
		}
	}
	if v := os.Getenv("NOVADB_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
}
