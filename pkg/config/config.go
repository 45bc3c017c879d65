// Package config loads the uowctl configuration and opens the data sources it declares.
package config

import (
	"time"
)

// Config is the complete uowctl configuration.
type Config struct {
	// Diagnostics enables creation stack capture for units of work.
	Diagnostics bool `koanf:"diagnostics"`

	Log LogConfig `koanf:"log"`

	// DataSources maps data source names to their connection settings.
	DataSources map[string]DataSourceConfig `koanf:"data_sources" validate:"dive,keys,data_source_name,endkeys"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// DataSourceConfig describes one database and the pool used to reach it.
type DataSourceConfig struct {
	Dialect string `koanf:"dialect" validate:"required,dialect"`
	DSN     string `koanf:"dsn"     validate:"required"`

	MaxOpenConns    int           `koanf:"max_open_conns"     validate:"min=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns"     validate:"min=0"` // 0 keeps the database/sql default
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"  validate:"min=0"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" validate:"min=0"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		DataSources: map[string]DataSourceConfig{},
	}
}
