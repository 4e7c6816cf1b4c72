// internal/agent/config.go
// Environment-driven configuration for the tunnel agent, loaded via
// spf13/viper to match the broker's loader (internal/broker/config.go).
package agent

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// LoadConfig reads PROXY_* environment variables into a Config, per spec.md
// §6's agent environment.
func LoadConfig() (cfg Config, useWS bool, err error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PROXY_POLL_BACKOFF_MAX", "2s")
	v.SetDefault("PROXY_TRANSPORT", "poll")

	server := v.GetString("PROXY_SERVER")
	if server == "" {
		return Config{}, false, fmt.Errorf("PROXY_SERVER is required")
	}
	host := v.GetString("PROXY_HOST")
	if host == "" {
		return Config{}, false, fmt.Errorf("PROXY_HOST is required")
	}
	secret := v.GetString("PROXY_SECRET")
	if secret == "" {
		return Config{}, false, fmt.Errorf("PROXY_SECRET is required")
	}

	backoffMax, parseErr := time.ParseDuration(v.GetString("PROXY_POLL_BACKOFF_MAX"))
	if parseErr != nil {
		backoffMax = 2 * time.Second
	}

	cfg = Config{
		BrokerURL:      server,
		Secret:         secret,
		PollBackoffMax: backoffMax,
		Forwarder: ForwarderConfig{
			OriginHost: host,
			BaseURL:    v.GetString("PROXY_ORIGIN_URL"),
		},
	}
	if cfg.Forwarder.BaseURL == "" {
		cfg.Forwarder.BaseURL = "http://" + host
	}

	return cfg, v.GetString("PROXY_TRANSPORT") == "ws", nil
}
