// Package config provides configuration management for the go-solarman application.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/resident-x/go-solarman/internal/protocol"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel    string `mapstructure:"log_level"`
	CatalogsDir string `mapstructure:"catalogs_dir"`

	// Polling settings shared by every device
	Poll PollConfig `mapstructure:"poll"`

	Devices []DeviceConfig `mapstructure:"devices"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		ClientID string `mapstructure:"client_id"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled         bool   `mapstructure:"enabled"`
			DiscoveryPrefix string `mapstructure:"discovery_prefix"`
			RetainDiscovery bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool   `mapstructure:"enabled"`
		APIKey             string `mapstructure:"api_key"`
		SystemID           string `mapstructure:"system_id"`
		UpdateLimitMinutes int    `mapstructure:"update_limit_minutes"`
	} `mapstructure:"pvoutput"`

	// Prometheus settings
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`
}

// PollConfig holds the polling schedule.
type PollConfig struct {
	IntervalSeconds     int     `mapstructure:"interval_seconds"`
	InitialDelaySeconds int     `mapstructure:"initial_delay_seconds"`
	NightBackoffMinutes int     `mapstructure:"night_backoff_minutes"`
	PowerThreshold      float64 `mapstructure:"power_threshold"`
	WindowMarginMinutes int     `mapstructure:"window_margin_minutes"`
	FallbackStart       string  `mapstructure:"fallback_start"`
	FallbackEnd         string  `mapstructure:"fallback_end"`
}

// DeviceConfig describes one data logger and the inverter behind it.
type DeviceConfig struct {
	Name           string  `mapstructure:"name"`
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	LoggerSerial   uint32  `mapstructure:"logger_serial"`
	UnitID         int     `mapstructure:"unit_id"`
	Variant        string  `mapstructure:"variant"`
	Transport      string  `mapstructure:"transport"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	Latitude       float64 `mapstructure:"latitude"`
	Longitude      float64 `mapstructure:"longitude"`
	Timezone       string  `mapstructure:"timezone"`
}

// DefaultDevicePort is the TCP port data loggers listen on.
const DefaultDevicePort = 8899

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
		Poll: PollConfig{
			IntervalSeconds:     60,
			InitialDelaySeconds: 5,
			NightBackoffMinutes: 30,
			PowerThreshold:      5,
			WindowMarginMinutes: 30,
			FallbackStart:       "06:00",
			FallbackEnd:         "19:00",
		},
	}

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.ClientID = "go-solarman"
	cfg.MQTT.Topic = "solarman"
	cfg.MQTT.Retain = false

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.UpdateLimitMinutes = 5

	// Default metrics settings
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	return cfg
}

// newViper prepares a viper instance with file lookup, environment binding
// and every scalar default registered so environment overrides apply.
func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Bind environment variables, SOLARMAN_MQTT_HOST for mqtt.host
	v.SetEnvPrefix("SOLARMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultConfig()
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("catalogs_dir", defaults.CatalogsDir)
	v.SetDefault("poll.interval_seconds", defaults.Poll.IntervalSeconds)
	v.SetDefault("poll.initial_delay_seconds", defaults.Poll.InitialDelaySeconds)
	v.SetDefault("poll.night_backoff_minutes", defaults.Poll.NightBackoffMinutes)
	v.SetDefault("poll.power_threshold", defaults.Poll.PowerThreshold)
	v.SetDefault("poll.window_margin_minutes", defaults.Poll.WindowMarginMinutes)
	v.SetDefault("poll.fallback_start", defaults.Poll.FallbackStart)
	v.SetDefault("poll.fallback_end", defaults.Poll.FallbackEnd)
	v.SetDefault("api.enabled", defaults.API.Enabled)
	v.SetDefault("api.host", defaults.API.Host)
	v.SetDefault("api.port", defaults.API.Port)
	v.SetDefault("mqtt.enabled", defaults.MQTT.Enabled)
	v.SetDefault("mqtt.host", defaults.MQTT.Host)
	v.SetDefault("mqtt.port", defaults.MQTT.Port)
	v.SetDefault("mqtt.username", defaults.MQTT.Username)
	v.SetDefault("mqtt.password", defaults.MQTT.Password)
	v.SetDefault("mqtt.client_id", defaults.MQTT.ClientID)
	v.SetDefault("mqtt.topic", defaults.MQTT.Topic)
	v.SetDefault("mqtt.retain", defaults.MQTT.Retain)
	v.SetDefault("mqtt.homeassistant_autodiscovery.enabled", defaults.MQTT.HomeAssistantAutoDiscovery.Enabled)
	v.SetDefault("mqtt.homeassistant_autodiscovery.discovery_prefix", defaults.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)
	v.SetDefault("mqtt.homeassistant_autodiscovery.retain_discovery", defaults.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery)
	v.SetDefault("pvoutput.enabled", defaults.PVOutput.Enabled)
	v.SetDefault("pvoutput.api_key", defaults.PVOutput.APIKey)
	v.SetDefault("pvoutput.system_id", defaults.PVOutput.SystemID)
	v.SetDefault("pvoutput.update_limit_minutes", defaults.PVOutput.UpdateLimitMinutes)
	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.path", defaults.Metrics.Path)

	return v
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			log.Warn().Str("component", "config").Msg("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	for i := range cfg.Devices {
		cfg.Devices[i].applyDefaults()
	}

	return cfg, nil
}

// Watch re-reads the configuration file whenever it changes and hands every
// valid result to onChange. Invalid revisions are logged and skipped.
func Watch(configPath string, onChange func(*Config)) error {
	if configPath == "" {
		return fmt.Errorf("watching requires an explicit config file")
	}

	logger := log.With().Str("component", "config").Logger()

	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}

		logger.Info().Str("file", e.Name).Msg("Configuration changed")
		onChange(cfg)
	})
	v.WatchConfig()

	return nil
}

func (d *DeviceConfig) applyDefaults() {
	if d.Port == 0 {
		d.Port = DefaultDevicePort
	}
	if d.UnitID == 0 {
		d.UnitID = 1
	}
	if d.Transport == "" {
		d.Transport = protocol.ModeRTU.String()
	}
	if d.TimeoutSeconds == 0 {
		d.TimeoutSeconds = int(protocol.DefaultTimeout / time.Second)
	}
}

// Address returns the host:port of the data logger.
func (d DeviceConfig) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Mode returns the initial transport mode assumption.
func (d DeviceConfig) Mode() (protocol.Mode, error) {
	return protocol.ParseMode(d.Transport)
}

// Timeout returns the response wait of the device.
func (d DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Location returns the device's time zone, defaulting to the local zone.
func (d DeviceConfig) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", d.Timezone, err)
	}
	return loc, nil
}

// Validate checks one device block.
func (d DeviceConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("device name is required")
	}
	if d.Host == "" {
		return fmt.Errorf("device %s: host is required", d.Name)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("device %s: port %d out of range", d.Name, d.Port)
	}
	if d.LoggerSerial == 0 {
		return fmt.Errorf("device %s: logger_serial is required", d.Name)
	}
	if d.UnitID < 1 || d.UnitID > 247 {
		return fmt.Errorf("device %s: unit_id %d out of range", d.Name, d.UnitID)
	}
	if d.Variant == "" {
		return fmt.Errorf("device %s: variant is required", d.Name)
	}
	if _, err := d.Mode(); err != nil {
		return fmt.Errorf("device %s: %w", d.Name, err)
	}
	if d.TimeoutSeconds < 1 {
		return fmt.Errorf("device %s: timeout_seconds must be positive", d.Name)
	}
	if d.Latitude < -90 || d.Latitude > 90 {
		return fmt.Errorf("device %s: latitude %.4f out of range", d.Name, d.Latitude)
	}
	if d.Longitude < -180 || d.Longitude > 180 {
		return fmt.Errorf("device %s: longitude %.4f out of range", d.Name, d.Longitude)
	}
	if _, err := d.Location(); err != nil {
		return fmt.Errorf("device %s: %w", d.Name, err)
	}
	return nil
}

// Interval returns the tick interval.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// InitialDelay returns the delay before the first tick.
func (p PollConfig) InitialDelay() time.Duration {
	return time.Duration(p.InitialDelaySeconds) * time.Second
}

// NightBackoff returns the pause after a failure outside the solar window.
func (p PollConfig) NightBackoff() time.Duration {
	return time.Duration(p.NightBackoffMinutes) * time.Minute
}

// WindowMargin returns the margin added around sunrise and sunset.
func (p PollConfig) WindowMargin() time.Duration {
	return time.Duration(p.WindowMarginMinutes) * time.Minute
}

// Fallback returns the fixed window used without coordinates, as offsets
// from local midnight.
func (p PollConfig) Fallback() (start, end time.Duration, err error) {
	if start, err = ParseClock(p.FallbackStart); err != nil {
		return 0, 0, err
	}
	if end, err = ParseClock(p.FallbackEnd); err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("fallback window %s-%s is empty", p.FallbackStart, p.FallbackEnd)
	}
	return start, end, nil
}

// ParseClock parses an HH:MM time of day into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.Poll.IntervalSeconds < 1 {
		return fmt.Errorf("poll.interval_seconds must be positive")
	}
	if c.Poll.InitialDelaySeconds < 0 {
		return fmt.Errorf("poll.initial_delay_seconds must not be negative")
	}
	if c.Poll.NightBackoffMinutes < 1 {
		return fmt.Errorf("poll.night_backoff_minutes must be positive")
	}
	if c.Poll.WindowMarginMinutes < 0 {
		return fmt.Errorf("poll.window_margin_minutes must not be negative")
	}
	if _, _, err := c.Poll.Fallback(); err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	names := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if err := d.Validate(); err != nil {
			return err
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		names[d.Name] = true
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required when mqtt is enabled")
	}
	if c.PVOutput.Enabled && (c.PVOutput.APIKey == "" || c.PVOutput.SystemID == "") {
		return fmt.Errorf("pvoutput.api_key and pvoutput.system_id are required when pvoutput is enabled")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// Device returns the device block with the given name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-solarman Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Int("interval_seconds", c.Poll.IntervalSeconds).
		Int("night_backoff_minutes", c.Poll.NightBackoffMinutes).
		Float64("power_threshold", c.Poll.PowerThreshold).
		Msg("Polling")

	for _, d := range c.Devices {
		logger.Info().
			Str("name", d.Name).
			Str("address", d.Address()).
			Uint32("logger_serial", d.LoggerSerial).
			Str("variant", d.Variant).
			Str("transport", d.Transport).
			Msg("Device")
	}

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
			Str("topic", c.MQTT.Topic).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput Configuration")
	}

	logger.Info().Bool("enabled", c.Metrics.Enabled).Str("path", c.Metrics.Path).Msg("Metrics")
	logger.Info().Msg("-----------------------------")
}
