package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            18800,
			MaxMessageBytes: 1 << 20, // 1 MiB
		},
		Auth: AuthConfig{
			TokenTTLMinutes: 60,
		},
		Database: DatabaseConfig{
			SQLitePath: "collabd.db",
		},
		Collab: CollabConfig{
			MaxLag:             100,
			OpRingSize:         256,
			MaxBundleBytes:     64 << 10, // 64 KiB
			MaxParticipants:    50,
			OpRatePerSec:       50,
			OpBurst:            200,
			CursorCoalesceMS:   100,
			PresenceRatePerSec: 1,
			OutboundQueue:      256,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "collabd",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; the defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("COLLABD_HOST", &c.Server.Host)
	envInt("COLLABD_PORT", &c.Server.Port)
	if v := os.Getenv("COLLABD_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}

	// Secrets: env only, never persisted in the config file.
	envStr("COLLABD_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("COLLABD_AUTH_SECRET", &c.Auth.Secret)

	envStr("COLLABD_AUTH_URL", &c.Auth.URL)
	envStr("COLLABD_AUTH_ISSUER", &c.Auth.Issuer)
	envStr("COLLABD_SQLITE_PATH", &c.Database.SQLitePath)

	envInt("COLLABD_MAX_LAG", &c.Collab.MaxLag)
	envInt("COLLABD_OP_RING_SIZE", &c.Collab.OpRingSize)

	envStr("COLLABD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("COLLABD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("COLLABD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("COLLABD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("COLLABD_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Auth.URL == "" && c.Auth.Secret == "" {
		return fmt.Errorf("no auth configured: set COLLABD_AUTH_SECRET or auth.url")
	}
	if c.Collab.MaxLag <= 0 {
		return fmt.Errorf("max_lag must be positive")
	}
	if c.Collab.OpRingSize <= 0 {
		return fmt.Errorf("op_ring_size must be positive")
	}
	return nil
}
