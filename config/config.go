// Package config loads the pagekv CLI configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/sushant-115/pagekv/pkg/logger"
	"github.com/sushant-115/pagekv/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the YAML layout of the configuration file.
type Config struct {
	// DBPath is the store file; the -db flag overrides it.
	DBPath string `yaml:"db_path"`
	// PoolSize is the number of buffer pool slots.
	PoolSize int `yaml:"pool_size"`
	// BackupBytesPerSec throttles the backup command; 0 is unlimited.
	BackupBytesPerSec int64            `yaml:"backup_bytes_per_sec"`
	Logger            logger.Config    `yaml:"logger"`
	Telemetry         telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DBPath:   "pagekv.db",
		PoolSize: 256,
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{ServiceName: "pagekv"},
	}
}

// Load reads path on top of Default. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.PoolSize <= 0 {
		return cfg, fmt.Errorf("invalid pool_size %d in %s", cfg.PoolSize, path)
	}
	if cfg.BackupBytesPerSec < 0 {
		return cfg, fmt.Errorf("invalid backup_bytes_per_sec %d in %s", cfg.BackupBytesPerSec, path)
	}
	return cfg, nil
}
