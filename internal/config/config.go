package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/stackd/stackd/internal/logger"
	"github.com/stackd/stackd/internal/service"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Root         string        `toml:"root" mapstructure:"root"`
	FeedURL      string        `toml:"feed_url" mapstructure:"feed_url"`
	Listen       string        `toml:"listen" mapstructure:"listen"`
	SettingsPath string        `toml:"settings_path" mapstructure:"settings_path"`
	StopTimeout  time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`

	WatchDebounce time.Duration `toml:"watch_debounce" mapstructure:"watch_debounce"`
	WatchCooldown time.Duration `toml:"watch_cooldown" mapstructure:"watch_cooldown"`

	Log      *LogConfig        `toml:"log" mapstructure:"log"`
	History  *HistoryConfig    `toml:"history" mapstructure:"history"`
	Services []ServiceOverride `toml:"services" mapstructure:"services"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Level      string `toml:"level" mapstructure:"level"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig selects optional history sinks. SQLDSN accepts postgres://
// and sqlite:// DSNs; ClickHouseAddr enables the ClickHouse sink.
type HistoryConfig struct {
	SQLDSN          string `toml:"sql_dsn" mapstructure:"sql_dsn"`
	ClickHouseAddr  string `toml:"clickhouse_addr" mapstructure:"clickhouse_addr"`
	ClickHouseTable string `toml:"clickhouse_table" mapstructure:"clickhouse_table"`
}

// ServiceOverride adjusts one catalog entry. Only download sources and the
// spawn environment are overridable; identity and preserve rules are not.
type ServiceOverride struct {
	ID          string   `toml:"id" mapstructure:"id"`
	DownloadURL string   `toml:"download_url" mapstructure:"download_url"`
	ArchiveURL  string   `toml:"archive_url" mapstructure:"archive_url"`
	Args        []string `toml:"args" mapstructure:"args"`
	Env         []string `toml:"env" mapstructure:"env"`
}

// Load parses a TOML config file and applies defaults. Root is the only
// required setting.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if err := fc.applyDefaults(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Default returns the configuration used when no config file is given.
func Default(root string) (*FileConfig, error) {
	fc := &FileConfig{Root: root}
	if err := fc.applyDefaults(); err != nil {
		return nil, err
	}
	return fc, nil
}

func (fc *FileConfig) applyDefaults() error {
	if fc.Root == "" {
		return fmt.Errorf("config: root (installation directory) is required")
	}
	abs, err := filepath.Abs(fc.Root)
	if err != nil {
		return fmt.Errorf("config: resolve root: %w", err)
	}
	fc.Root = abs
	if fc.SettingsPath == "" {
		fc.SettingsPath = filepath.Join(fc.Root, "stackd.db")
	}
	if fc.Listen == "" {
		fc.Listen = "127.0.0.1:8585"
	}
	for i, so := range fc.Services {
		if so.ID == "" {
			return fmt.Errorf("config: services[%d] requires id", i)
		}
	}
	return nil
}

// Definitions returns the service catalog with file overrides applied.
// Overrides referencing unknown ids are an error rather than silently
// ignored.
func (fc *FileConfig) Definitions() ([]service.Definition, error) {
	defs := service.Catalog()
	byID := make(map[string]int, len(defs))
	for i, d := range defs {
		byID[d.ID] = i
	}
	for _, so := range fc.Services {
		i, ok := byID[so.ID]
		if !ok {
			return nil, fmt.Errorf("config: override for unknown service %q", so.ID)
		}
		if so.DownloadURL != "" {
			defs[i].DownloadURL = so.DownloadURL
		}
		if so.ArchiveURL != "" {
			defs[i].ArchiveURL = so.ArchiveURL
		}
		if len(so.Args) > 0 {
			defs[i].Args = so.Args
		}
		if len(so.Env) > 0 {
			defs[i].Env = append(defs[i].Env, so.Env...)
		}
	}
	return defs, nil
}

// LoggerConfig converts the log section to the logger package's config.
// Captured service output defaults to <root>/logs.
func (fc *FileConfig) LoggerConfig() logger.Config {
	out := logger.Config{Dir: filepath.Join(fc.Root, "logs")}
	if fc.Log == nil {
		return out
	}
	if fc.Log.Dir != "" {
		out.Dir = fc.Log.Dir
	}
	out.MaxSizeMB = fc.Log.MaxSizeMB
	out.MaxBackups = fc.Log.MaxBackups
	out.MaxAgeDays = fc.Log.MaxAgeDays
	out.Compress = fc.Log.Compress
	return out
}

// Level returns the configured host log level.
func (fc *FileConfig) Level() string {
	if fc.Log == nil || fc.Log.Level == "" {
		return "info"
	}
	return fc.Log.Level
}
