// Package config provides configuration management for the panelwatch service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/ferrostat/go-panelwatch/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`
	TimeZone string `mapstructure:"timezone"`

	// Panel settings
	Panel struct {
		DeviceCount     int    `mapstructure:"device_count"`
		ProtocolVersion string `mapstructure:"protocol_version"`
		ZoneMapFile     string `mapstructure:"zone_map_file"`
	} `mapstructure:"panel"`

	// Telegram feed settings
	Feed struct {
		Mode string `mapstructure:"mode"` // "socket" or "push"
	} `mapstructure:"feed"`

	// Socket listener settings
	Server struct {
		Host        string        `mapstructure:"host"`
		Port        int           `mapstructure:"port"`
		ReadTimeout time.Duration `mapstructure:"read_timeout"`
		SendAcks    bool          `mapstructure:"send_acks"`
	} `mapstructure:"server"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled                  bool   `mapstructure:"enabled"`
		Host                     string `mapstructure:"host"`
		Port                     int    `mapstructure:"port"`
		Username                 string `mapstructure:"username"`
		Password                 string `mapstructure:"password"`
		BaseTopic                string `mapstructure:"base_topic"`
		FeedTopic                string `mapstructure:"feed_topic"`
		Retain                   bool   `mapstructure:"retain"`
		PublishEvents            bool   `mapstructure:"publish_events"`
		ConnectionRetryAttempts  int    `mapstructure:"connection_retry_attempts"`
		ConnectionRetryBaseDelay int    `mapstructure:"connection_retry_base_delay"`
		ConnectionTimeout        int    `mapstructure:"connection_timeout"`

		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceName         string `mapstructure:"device_name"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			DeviceModel        string `mapstructure:"device_model"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// Engine timing and sizing settings
	Engine struct {
		CacheSize     int           `mapstructure:"cache_size"`
		TroubleHold   time.Duration `mapstructure:"trouble_hold"`
		BellWindow    time.Duration `mapstructure:"bell_window"`
		BellHistory   int           `mapstructure:"bell_history"`
		LoadingGrace  time.Duration `mapstructure:"loading_grace"`
		NoDataTimeout time.Duration `mapstructure:"no_data_timeout"`
		ResetFallback time.Duration `mapstructure:"reset_fallback"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		MaxZoneAge    time.Duration `mapstructure:"max_zone_age"`
		QueryTTL      time.Duration `mapstructure:"query_ttl"`
		QueryBurst    int           `mapstructure:"query_burst"`
		QueryWindow   time.Duration `mapstructure:"query_window"`
	} `mapstructure:"engine"`

	// Batch validation settings
	Validation struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"validation"`

	// Status webhook settings
	Monitor struct {
		Enabled     bool          `mapstructure:"enabled"`
		URL         string        `mapstructure:"url"`
		AuthToken   string        `mapstructure:"auth_token"`
		UpdateLimit time.Duration `mapstructure:"update_limit"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"monitor"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
		TimeZone: "UTC",
	}

	// Default panel settings
	cfg.Panel.DeviceCount = domain.MaxDevices
	cfg.Panel.ProtocolVersion = "v1"

	// Default feed settings
	cfg.Feed.Mode = "socket"

	// Default socket listener settings. Serial-over-TCP bridges commonly
	// expose the panel's maintenance port on 10001.
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 10001
	cfg.Server.ReadTimeout = 90 * time.Second
	cfg.Server.SendAcks = true

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.BaseTopic = "panelwatch"
	cfg.MQTT.FeedTopic = "panelwatch/feed"
	cfg.MQTT.Retain = true
	cfg.MQTT.PublishEvents = true
	cfg.MQTT.ConnectionRetryAttempts = 5
	cfg.MQTT.ConnectionRetryBaseDelay = 2
	cfg.MQTT.ConnectionTimeout = 10
	cfg.MQTT.HeartbeatInterval = 30 * time.Second

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Fire Alarm Panel"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Ferrostat"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceModel = "PanelWatch"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	// Default engine settings
	cfg.Engine.CacheSize = 1000
	cfg.Engine.TroubleHold = 7 * time.Second
	cfg.Engine.BellWindow = 2 * time.Second
	cfg.Engine.BellHistory = 100
	cfg.Engine.LoadingGrace = 5 * time.Second
	cfg.Engine.NoDataTimeout = 10 * time.Second
	cfg.Engine.ResetFallback = 30 * time.Second
	cfg.Engine.SweepInterval = 30 * time.Minute
	cfg.Engine.MaxZoneAge = time.Hour
	cfg.Engine.QueryTTL = 500 * time.Millisecond
	cfg.Engine.QueryBurst = 10
	cfg.Engine.QueryWindow = time.Second

	// Default validation settings
	cfg.Validation.Level = "standard"

	// Default monitor settings
	cfg.Monitor.Enabled = false
	cfg.Monitor.UpdateLimit = 5 * time.Minute
	cfg.Monitor.Timeout = 10 * time.Second

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("PANELWATCH")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Panel.DeviceCount < 1 || c.Panel.DeviceCount > domain.MaxDevices {
		return fmt.Errorf("panel.device_count %d outside 1..%d", c.Panel.DeviceCount, domain.MaxDevices)
	}
	if c.Panel.ProtocolVersion == "" && c.Panel.ZoneMapFile == "" {
		return fmt.Errorf("panel.protocol_version or panel.zone_map_file must be set")
	}
	switch c.Feed.Mode {
	case "socket", "push":
	default:
		return fmt.Errorf("feed.mode %q must be \"socket\" or \"push\"", c.Feed.Mode)
	}
	if c.Feed.Mode == "push" && !c.MQTT.Enabled {
		return fmt.Errorf("feed.mode \"push\" requires mqtt.enabled")
	}
	if c.Monitor.Enabled && c.Monitor.URL == "" {
		return fmt.Errorf("monitor.url must be set when the monitor is enabled")
	}
	return nil
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("panelwatch Server Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Str("timezone", c.TimeZone).Msg("Timezone")

	logger.Info().
		Int("device_count", c.Panel.DeviceCount).
		Str("protocol_version", c.Panel.ProtocolVersion).
		Str("zone_map_file", c.Panel.ZoneMapFile).
		Msg("Panel")

	logger.Info().Str("mode", c.Feed.Mode).Msg("Feed")

	logger.Info().
		Str("host", c.Server.Host).
		Int("port", c.Server.Port).
		Dur("read_timeout", c.Server.ReadTimeout).
		Bool("send_acks", c.Server.SendAcks).
		Msg("Socket listener")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("base_topic", c.MQTT.BaseTopic).
			Str("feed_topic", c.MQTT.FeedTopic).
			Bool("publish_events", c.MQTT.PublishEvents).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Str("level", c.Validation.Level).Msg("Validation")

	logger.Info().Bool("enabled", c.Monitor.Enabled).Msg("Monitor Enabled")
	if c.Monitor.Enabled {
		logger.Info().
			Str("url", c.Monitor.URL).
			Dur("update_limit", c.Monitor.UpdateLimit).
			Msg("Monitor Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
