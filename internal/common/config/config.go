// Package config provides configuration management for the toren daemon.
// Configuration is loaded from toren.toml in the working directory, falling
// back to ~/.config/toren/config.toml, with TOREN_-prefixed environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/anowell/toren/internal/common/logger"
)

// Config holds all configuration sections for the toren daemon.
type Config struct {
	Server              ServerConfig        `mapstructure:"server"`
	Segments            SegmentsConfig      `mapstructure:"segments"`
	ApprovedDirectories []string            `mapstructure:"approved_directories"`
	Ancillary           AncillaryConfig     `mapstructure:"ancillary"`
	Logging             logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SegmentsConfig configures segment discovery. Any immediate child
// directory of a root is a valid segment.
type SegmentsConfig struct {
	Roots []string `mapstructure:"roots"`
}

// AncillaryConfig configures the ancillary pool and work execution.
type AncillaryConfig struct {
	WorkspaceRoot      string `mapstructure:"workspace_root"`
	PoolSize           int    `mapstructure:"pool_size"`
	TaskPromptTemplate string `mapstructure:"task_prompt_template"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
	DefaultModel       string `mapstructure:"default_model"`
}

// Load reads configuration from the default search path.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads configuration from an explicit file path, or from the
// default search path when path is empty. A missing file yields defaults.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TOREN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("toren")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "toren"))
		}
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional; fall back to defaults
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("ancillary.pool_size", 10)
	v.SetDefault("ancillary.max_concurrent", 5)
	v.SetDefault("ancillary.task_prompt_template", "implement bead {{task_id}}")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// expandPaths applies tilde expansion to every path field.
func (c *Config) expandPaths() {
	for i, root := range c.Segments.Roots {
		c.Segments.Roots[i] = ExpandPath(root)
	}
	for i, dir := range c.ApprovedDirectories {
		c.ApprovedDirectories[i] = ExpandPath(dir)
	}
	if c.Ancillary.WorkspaceRoot != "" {
		c.Ancillary.WorkspaceRoot = ExpandPath(c.Ancillary.WorkspaceRoot)
	}
}

// ExpandPath expands a leading ~ or ~/ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
