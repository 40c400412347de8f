// Supervisord is a local process supervisor and monitoring service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads Coordinator settings from (in ascending priority)
// built-in defaults, an optional config file, and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config controls every tunable the Coordinator wires into its components.
type Config struct {
	DataDir        string        `mapstructure:"data_dir"`
	DBPath         string        `mapstructure:"db_path"`
	LogLevel       string        `mapstructure:"log_level"`
	EncryptionKey  string        `mapstructure:"encryption_key"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	PluginDir      string        `mapstructure:"plugin_dir"`

	CheckInterval    time.Duration `mapstructure:"check_interval"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	MetricBufferCap  int           `mapstructure:"metric_buffer_capacity"`
	MetricFlushEvery time.Duration `mapstructure:"metric_flush_interval"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`

	MetricRetentionDays int `mapstructure:"metric_retention_days"`
	EventRetentionDays  int `mapstructure:"event_retention_days"`
	RetentionInterval   time.Duration `mapstructure:"retention_interval"`
}

// Load reads configuration from an optional file at path (skipped if
// path is empty; a named file that cannot be read is an error) and from
// SUPERVISORD_-prefixed environment variables, layered over sensible
// defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SUPERVISORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("db_path", "./data/supervisord.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("plugin_dir", "./data/plugins")
	v.SetDefault("check_interval", 2*time.Second)
	v.SetDefault("cache_ttl", 300*time.Second)
	v.SetDefault("metric_buffer_capacity", 1000)
	v.SetDefault("metric_flush_interval", 10*time.Second)
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("metric_retention_days", 30)
	v.SetDefault("event_retention_days", 90)
	v.SetDefault("retention_interval", 24*time.Hour)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = v.GetString("encryption_key")
	}
	return cfg, nil
}
