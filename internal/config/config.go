// Package config handles configuration management using Viper
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the bridge configuration
type Config struct {
	// Input dispatch settings
	Input InputConfig `mapstructure:"input"`

	// Drag-and-drop settings
	Dnd DndConfig `mapstructure:"dnd"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// InputConfig contains seat and pointer dispatch settings
type InputConfig struct {
	// UseBuiltinResize forces the compositor-grabbed move/resize fallback
	// even when the window manager advertises _NET_WM_MOVERESIZE.
	// Also forced by the USE_BUILTIN_RESIZE environment variable.
	UseBuiltinResize bool `mapstructure:"use_builtin_resize"`

	// ScrollDistance is the pixel delta applied per scroll unit when a
	// device reports no usable scroll increment.
	ScrollDistance float64 `mapstructure:"scroll_distance"`
}

// DndConfig contains drag-and-drop settings
type DndConfig struct {
	// FinishTimeout bounds how long a stalled peer can hold a drag
	// session open, in both directions: waiting for a Wayland client's
	// finish, and waiting for an X target's XdndFinished.
	FinishTimeout time.Duration `mapstructure:"finish_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel    string `mapstructure:"log_level"`    // Overrides LOG_LEVEL env var
	FileLogging bool   `mapstructure:"file_logging"` // Enable/disable file logging
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Input: InputConfig{
			UseBuiltinResize: false,
			ScrollDistance:   15,
		},
		Dnd: DndConfig{
			FinishTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			LogLevel:    "",
			FileLogging: false,
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("waybridge")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			viper.AddConfigPath(filepath.Join(xdg, "waybridge"))
		} else if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "waybridge"))
		}
		viper.AddConfigPath("/etc/waybridge")
	}

	// Set defaults per field so a partial config file merges correctly
	viper.SetDefault("input.use_builtin_resize", DefaultConfig.Input.UseBuiltinResize)
	viper.SetDefault("input.scroll_distance", DefaultConfig.Input.ScrollDistance)
	viper.SetDefault("dnd.finish_timeout", DefaultConfig.Dnd.FinishTimeout)
	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)
	viper.SetDefault("logging.file_logging", DefaultConfig.Logging.FileLogging)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}

	// USE_BUILTIN_RESIZE wins over the config file; some window managers
	// claim _NET_WM_MOVERESIZE support they do not honor.
	if os.Getenv("USE_BUILTIN_RESIZE") != "" {
		cfg.Input.UseBuiltinResize = true
	}

	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}
	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "waybridge", "waybridge.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/waybridge/waybridge.toml"
	}
	return filepath.Join(home, ".config", "waybridge", "waybridge.toml")
}
