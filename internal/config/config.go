package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration options for the chargeamps-hass bridge.
type Config struct {
	// Charge Amps account
	Username string `mapstructure:"username" validate:"required,email"`
	Password string `mapstructure:"password" validate:"required"`
	APIKey   string `mapstructure:"api_key" validate:"required"`
	APIURL   string `mapstructure:"api_url" validate:"omitempty,url"`

	// Optional allow-list of charge point ids; empty means all discovered.
	ChargePoints []string `mapstructure:"chargepoints"`

	// MQTT
	MQTTUrl         string `mapstructure:"mqtt_url" validate:"omitempty,uri"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix" validate:"required"`
	TopicPrefix     string `mapstructure:"topic_prefix" validate:"required"`

	// Local REST API; empty disables the server.
	HTTPListenAddr string `mapstructure:"http_listen_addr"`

	// Intervals
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MQTTInterval        time.Duration `mapstructure:"mqtt_interval"`
	ForceUpdateInterval time.Duration `mapstructure:"force_update_interval"`

	Verbose bool `mapstructure:"verbose"`
}

// Load reads configuration from an optional YAML file plus CHARGEAMPS_*
// environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.chargeamps-hass")
		v.AddConfigPath("/etc/chargeamps-hass")
	}

	v.SetEnvPrefix("CHARGEAMPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		// No config file is fine; env vars and defaults still apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration using struct tags plus a few rules that
// don't fit tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}

	// Command topic routing assumes the base topic is a single segment.
	if strings.ContainsAny(c.TopicPrefix, "/+# ") {
		return fmt.Errorf("topic_prefix must be a single MQTT topic segment (no '/', '+', '#' or spaces)")
	}
	if strings.ContainsAny(c.DiscoveryPrefix, "+# ") {
		return fmt.Errorf("discovery_prefix must not contain spaces or MQTT wildcards")
	}

	if c.MQTTUrl == "" && c.HTTPListenAddr == "" {
		return fmt.Errorf("at least one of mqtt_url or http_listen_addr must be configured")
	}

	if c.PollInterval < 5*time.Second {
		return fmt.Errorf("poll_interval must be at least 5s")
	}
	if c.MQTTInterval < time.Second {
		return fmt.Errorf("mqtt_interval must be at least 1s")
	}
	if c.ForceUpdateInterval < 0 {
		return fmt.Errorf("force_update_interval must not be negative")
	}

	return nil
}

// HasMQTT returns true if MQTT is configured.
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasHTTPAPI returns true if the local REST API is enabled.
func (c *Config) HasHTTPAPI() bool {
	return c.HTTPListenAddr != ""
}

// AllowsChargePoint reports whether a discovered charge point id passes the
// configured allow-list.
func (c *Config) AllowsChargePoint(id string) bool {
	if len(c.ChargePoints) == 0 {
		return true
	}
	for _, allowed := range c.ChargePoints {
		if strings.EqualFold(allowed, id) {
			return true
		}
	}
	return false
}
