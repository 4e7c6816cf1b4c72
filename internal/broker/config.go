// internal/broker/config.go
// Centralised loader for broker configuration. Populates the Config struct
// declared in server.go from environment variables via spf13/viper, in the
// precedence order: env > built-in defaults (DefaultConfig in server.go).
package broker

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/flarebridge/tunnel/internal/broker/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// LoadConfig reads environment variables (no prefix, matching the exact
// names spec.md fixes for PORT/LISTEN_IP/PROXY_SECRET) into a Config seeded
// with DefaultConfig. Returns the generated secret when PROXY_SECRET was
// absent, so the caller can print it once at startup as spec.md requires.
func LoadConfig() (cfg Config, generatedSecret string, err error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", 3000)
	v.SetDefault("LISTEN_IP", "127.0.0.1")
	v.SetDefault("TUNNEL_RATE_LIMIT", 0)
	v.SetDefault("TUNNEL_METRICS_ADDR", "")
	v.SetDefault("TUNNEL_OTEL_EXPORTER", "none")
	v.SetDefault("TUNNEL_AUTH_MODE", "secret")

	cfg = DefaultConfig()
	cfg.EnableWSBridge = true
	cfg.ListenAddr = fmt.Sprintf("%s:%d", v.GetString("LISTEN_IP"), v.GetInt("PORT"))

	secret := v.GetString("PROXY_SECRET")
	if secret == "" {
		secret, err = generateSecret()
		if err != nil {
			return Config{}, "", fmt.Errorf("generate proxy secret: %w", err)
		}
		generatedSecret = secret
	}

	cfg.Secret = secret
	if v.GetString("TUNNEL_AUTH_MODE") == "jwt" {
		cfg.JWT = NewJWTAuth([]byte(secret), "tunnel-broker")
	}

	if rate := v.GetFloat64("TUNNEL_RATE_LIMIT"); rate > 0 {
		if addr := v.GetString("TUNNEL_RATE_LIMIT_REDIS"); addr != "" {
			cli := redis.NewClient(&redis.Options{Addr: addr})
			cfg.RateLimit = ratelimit.NewRedis(cli, int(rate), time.Second)
		} else {
			cfg.RateLimit = ratelimit.NewInMem(rate, int(rate))
		}
	}

	if addr := v.GetString("TUNNEL_METRICS_ADDR"); addr != "" {
		cfg.EnableMetrics = true
		cfg.MetricsAddr = addr
	}

	return cfg, generatedSecret, nil
}

// generateSecret produces a fresh 30-byte base64-encoded secret, used when
// PROXY_SECRET is unset at startup, per spec.
func generateSecret() (string, error) {
	buf := make([]byte, 30)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
