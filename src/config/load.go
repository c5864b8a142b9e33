package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Load reads and validates a YAML configuration file. Everything past this
// point works on the typed tree only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("global.backup.enabled", true)
	v.SetDefault("global.backup.retention_keep", 3)
	v.SetDefault("global.backup.min_size_bytes", 1024)
	v.SetDefault("global.backup.plugin_timeout", "30m")
	v.SetDefault("global.backup.parallelism", 1)
	v.SetDefault("global.notification.enabled", true)
	v.SetDefault("global.notification.default_cooldown", "1h")
	v.SetDefault("global.hypervisor.port", 8006)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
