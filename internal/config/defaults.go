package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default intervals. The vendor throttles status requests, so the poll
// interval should not go below 30 seconds in normal operation.
const (
	DefaultPollInterval        = 30 * time.Second
	DefaultMQTTInterval        = 5 * time.Second
	DefaultForceUpdateInterval = 10 * time.Minute
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_url", "")
	v.SetDefault("discovery_prefix", "homeassistant")
	v.SetDefault("topic_prefix", "chargeamps")
	v.SetDefault("http_listen_addr", "")
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("mqtt_interval", DefaultMQTTInterval)
	v.SetDefault("force_update_interval", DefaultForceUpdateInterval)
	v.SetDefault("verbose", false)
}
