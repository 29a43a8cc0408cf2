package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	LogLevel       string `mapstructure:"logLevel"`
	LogPath        string `mapstructure:"logPath"`
	DatabasePath   string `mapstructure:"databasePath"`
	MetricsEnabled bool   `mapstructure:"metricsEnabled"`

	// SyncSecret guards the inbound /add_key endpoint when this instance is
	// deployed as the remote verification service. Empty disables the
	// endpoint.
	SyncSecret string `mapstructure:"syncSecret"`

	// RemoteSyncURL enables best-effort pushes of newly created licenses to
	// a remote verification service. Empty disables pushing.
	RemoteSyncURL        string `mapstructure:"remoteSyncUrl"`
	RemoteSyncSecret     string `mapstructure:"remoteSyncSecret"`
	RemoteSyncTimeoutSec int    `mapstructure:"remoteSyncTimeout"`
}

type AppConfig struct {
	Config *Config
	viper  *viper.Viper

	dataDir string
}

// New loads configuration from the given directory (or direct .toml path),
// creating a default config file on first run. Environment variables with
// the KEYGATE__ prefix override file values.
func New(configDir string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &Config{},
	}

	c.defaults()

	configPath, err := resolveConfigPath(configDir)
	if err != nil {
		return nil, err
	}
	c.dataDir = filepath.Dir(configPath)

	c.viper.SetConfigFile(configPath)
	c.viper.SetConfigType("toml")

	c.viper.SetEnvPrefix("KEYGATE_")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	c.viper.AutomaticEnv()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return nil, errors.Wrap(err, "failed to write default config")
		}
		log.Info().Str("path", configPath).Msg("Created default configuration file")
	}

	if err := c.viper.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	c.watch()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 8080)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("databasePath", "")
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("syncSecret", "")
	c.viper.SetDefault("remoteSyncUrl", "")
	c.viper.SetDefault("remoteSyncSecret", "")
	c.viper.SetDefault("remoteSyncTimeout", 10)
}

// watch reloads the config file on change so log level adjustments do not
// need a restart.
func (c *AppConfig) watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		fresh := &Config{}
		if err := c.viper.Unmarshal(fresh); err != nil {
			log.Error().Err(err).Msg("Failed to reload config file, keeping previous settings")
			return
		}
		c.Config = fresh
		c.ApplyLogConfig()
		log.Info().Str("path", e.Name).Msg("Configuration reloaded")
	})
	c.viper.WatchConfig()
}

// SetDataDir overrides the directory used for the database and other
// runtime files.
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetDatabasePath returns the configured database path, defaulting to
// keygate.db next to the config file.
func (c *AppConfig) GetDatabasePath() string {
	if c.Config.DatabasePath != "" {
		return c.Config.DatabasePath
	}
	return filepath.Join(c.dataDir, "keygate.db")
}

// RemoteSyncTimeout returns the push timeout as a duration.
func (c *AppConfig) RemoteSyncTimeout() time.Duration {
	return time.Duration(c.Config.RemoteSyncTimeoutSec) * time.Second
}

// ApplyLogConfig configures the global zerolog logger from the current
// settings.
func (c *AppConfig) ApplyLogConfig() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Config.LogPath != "" {
		file, err := os.OpenFile(c.Config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to open log file, keeping stderr output")
			return
		}
		log.Logger = log.Output(file)
		return
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// GetDefaultConfigDir returns the OS-specific default config location.
func GetDefaultConfigDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "keygate")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "keygate")
}

func resolveConfigPath(configDir string) (string, error) {
	if configDir == "" {
		dir := GetDefaultConfigDir()
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", errors.Wrap(err, "failed to create config directory")
		}
		return filepath.Join(dir, "config.toml"), nil
	}

	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		if err := os.MkdirAll(filepath.Dir(configDir), 0755); err != nil {
			return "", errors.Wrap(err, "failed to create config directory")
		}
		return configDir, nil
	}

	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir, nil
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create config directory")
	}
	return filepath.Join(configDir, "config.toml"), nil
}
