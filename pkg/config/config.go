package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Client   ClientConfig   `mapstructure:"client"`
	Update   UpdateConfig   `mapstructure:"update"`
	Web      WebConfig      `mapstructure:"web"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Networks NetworksConfig `mapstructure:"networks"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds the UDP relay listener settings
type ServerConfig struct {
	Name            string `mapstructure:"name"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	AdvertiseHost   string `mapstructure:"advertise_host"`   // hostname sent to clients in update offers
	SummaryInterval int    `mapstructure:"summary_interval"` // seconds between presence summary logs
}

// ClientConfig holds the headless client's connection settings
type ClientConfig struct {
	ServerHost        string    `mapstructure:"server_host"`
	ServerPort        int       `mapstructure:"server_port"`
	Nick              string    `mapstructure:"nick"`
	ClientID          string    `mapstructure:"client_id"`
	Loopback          bool      `mapstructure:"loopback"`
	HeartbeatInterval int       `mapstructure:"heartbeat_interval"` // seconds
	PresenceInterval  int       `mapstructure:"presence_interval"`  // seconds
	Freqs             []float64 `mapstructure:"freqs"`              // per-channel MHz
}

// UpdateConfig holds the client-update distribution host settings
type UpdateConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Dir     string `mapstructure:"dir"`
}

// WebConfig holds web dashboard configuration
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// StorageConfig holds the transmission log database settings
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NetworksConfig seeds the routing engine's alias table
type NetworksConfig struct {
	AutoMergeByFreq bool              `mapstructure:"auto_merge_by_freq"`
	Aliases         map[string]string `mapstructure:"aliases"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/colony-radio")
	}

	viper.SetEnvPrefix("RADIO")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is OK, use defaults
		} else if os.IsNotExist(err) {
			// File explicitly specified but doesn't exist - that's also OK
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.name", "Colony Radio")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8765)
	viper.SetDefault("server.advertise_host", "127.0.0.1")
	viper.SetDefault("server.summary_interval", 30)

	// Client defaults
	viper.SetDefault("client.server_host", "127.0.0.1")
	viper.SetDefault("client.server_port", 8765)
	viper.SetDefault("client.heartbeat_interval", 1)
	viper.SetDefault("client.presence_interval", 5)

	// Update host defaults
	viper.SetDefault("update.enabled", true)
	viper.SetDefault("update.port", 9876)
	viper.SetDefault("update.dir", "updates")

	// Web defaults
	viper.SetDefault("web.enabled", true)
	viper.SetDefault("web.host", "0.0.0.0")
	viper.SetDefault("web.port", 8080)

	// Storage defaults
	viper.SetDefault("storage.enabled", true)
	viper.SetDefault("storage.path", "colony-radio.db")

	// Network grouping defaults
	viper.SetDefault("networks.auto_merge_by_freq", false)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.prometheus.enabled", true)
	viper.SetDefault("metrics.prometheus.port", 9090)
	viper.SetDefault("metrics.prometheus.path", "/metrics")
}
