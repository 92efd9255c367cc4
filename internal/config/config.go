package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BackendSettings configures one download backend.
type BackendSettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	UseSSL      bool   `mapstructure:"use_ssl"`
	APIKey      string `mapstructure:"api_key"`
	Label       string `mapstructure:"label"`
	URLBase     string `mapstructure:"url_base"`
	DownloadDir string `mapstructure:"download_dir"`
}

// DownloaderConfig holds download monitoring configuration.
type DownloaderConfig struct {
	PollInterval time.Duration              `mapstructure:"poll_interval"`
	Timeout      time.Duration              `mapstructure:"timeout"`
	PoliciesPath string                     `mapstructure:"policies_path"`
	Backends     map[string]BackendSettings `mapstructure:"backends"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "./data/slipcase.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Downloader: DownloaderConfig{
			PollInterval: 5 * time.Minute,
			Timeout:      30 * time.Second,
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.slipcase")
	}

	// Environment variable settings
	v.SetEnvPrefix("SLIPCASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults + env vars
	}

	// Unmarshal into struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validateBackends(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.path", "./data/slipcase.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	// Downloader defaults
	v.SetDefault("downloader.poll_interval", "5m")
	v.SetDefault("downloader.timeout", "30s")
	v.SetDefault("downloader.policies_path", "")
}

func (c *Config) validateBackends() error {
	for name := range c.Downloader.Backends {
		if !types.Backend(name).Valid() {
			return fmt.Errorf("unknown download backend %q in configuration", name)
		}
	}
	return nil
}

// BackendConfigs converts the enabled backend settings into the
// per-client configuration the downloader registry consumes.
func (c *Config) BackendConfigs() map[types.Backend]*types.BackendConfig {
	configs := make(map[types.Backend]*types.BackendConfig)
	for name, settings := range c.Downloader.Backends {
		if !settings.Enabled {
			continue
		}
		configs[types.Backend(name)] = &types.BackendConfig{
			Host:        settings.Host,
			Port:        settings.Port,
			Username:    settings.Username,
			Password:    settings.Password,
			UseSSL:      settings.UseSSL,
			APIKey:      settings.APIKey,
			Label:       settings.Label,
			URLBase:     settings.URLBase,
			DownloadDir: settings.DownloadDir,
			Timeout:     c.Downloader.Timeout,
		}
	}
	return configs
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
