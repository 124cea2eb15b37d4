// Package config holds the collabd runtime configuration: a JSON5 file
// overlaid with COLLABD_* environment variables. Secrets (Postgres DSN,
// auth signing secret) come from the environment only.
package config

import "time"

// Config is the root configuration for the collabd server.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Collab    CollabConfig    `json:"collab"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig covers the listener shared by the WebSocket and REST
// surfaces.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// MaxMessageBytes limits a single inbound WebSocket frame.
	MaxMessageBytes int64 `json:"max_message_bytes,omitempty"`
}

// AuthConfig configures token verification. Secret arrives via
// COLLABD_AUTH_SECRET; URL points at an external verifier when set (the
// built-in JWT provider is used otherwise).
type AuthConfig struct {
	URL    string `json:"url,omitempty"`
	Issuer string `json:"issuer,omitempty"`
	Secret string `json:"-"`
	// TokenTTL bounds tokens minted by /auth/refresh.
	TokenTTLMinutes int `json:"token_ttl_minutes,omitempty"`
}

// DatabaseConfig selects the store backend. A Postgres DSN switches to
// managed mode; otherwise SQLitePath (default collabd.db) is used.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// CollabConfig tunes the collaboration core. Zero values take the
// defaults below.
type CollabConfig struct {
	// MaxLag is the largest tolerated currentVersion - baseVersion on
	// submit before the client is forced to resync.
	MaxLag int `json:"max_lag,omitempty"`
	// OpRingSize is how many recent server operations each document
	// coordinator caches for gap transformation.
	OpRingSize int `json:"op_ring_size,omitempty"`
	// MaxBundleBytes limits one encoded operation bundle.
	MaxBundleBytes int `json:"max_bundle_bytes,omitempty"`
	// MaxParticipants caps room membership.
	MaxParticipants int `json:"max_participants,omitempty"`

	// OpRatePerSec / OpBurst shape the per-participant-per-document
	// operation limiter.
	OpRatePerSec float64 `json:"op_rate_per_sec,omitempty"`
	OpBurst      int     `json:"op_burst,omitempty"`
	// CursorCoalesceMS coalesces cursor updates to one per interval.
	CursorCoalesceMS int `json:"cursor_coalesce_ms,omitempty"`
	// PresenceRatePerSec shapes the presence limiter.
	PresenceRatePerSec float64 `json:"presence_rate_per_sec,omitempty"`

	RoomIdleTTLSeconds    int `json:"room_idle_ttl_seconds,omitempty"`
	SessionIdleTTLSeconds int `json:"session_idle_ttl_seconds,omitempty"`
	PresenceTTLSeconds    int `json:"presence_ttl_seconds,omitempty"`
	JoinDeadlineSeconds   int `json:"join_deadline_seconds,omitempty"`
	StoreDeadlineSeconds  int `json:"store_deadline_seconds,omitempty"`
	// OfflineGraceSeconds delays the offline broadcast after the last
	// connection of a participant drops.
	OfflineGraceSeconds int `json:"offline_grace_seconds,omitempty"`
	// SweepIntervalSeconds drives room expiry and presence sweeps.
	SweepIntervalSeconds int `json:"sweep_interval_seconds,omitempty"`
	// OutboundQueue is the per-session bounded send queue.
	OutboundQueue int `json:"outbound_queue,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Duration helpers; all fall back to defaults when unset.

func (c CollabConfig) RoomIdleTTL() time.Duration {
	return secondsOr(c.RoomIdleTTLSeconds, 60*time.Second)
}

func (c CollabConfig) SessionIdleTTL() time.Duration {
	return secondsOr(c.SessionIdleTTLSeconds, 60*time.Second)
}

func (c CollabConfig) PresenceTTL() time.Duration {
	return secondsOr(c.PresenceTTLSeconds, 300*time.Second)
}

func (c CollabConfig) JoinDeadline() time.Duration {
	return secondsOr(c.JoinDeadlineSeconds, 5*time.Second)
}

func (c CollabConfig) StoreDeadline() time.Duration {
	return secondsOr(c.StoreDeadlineSeconds, 10*time.Second)
}

func (c CollabConfig) OfflineGrace() time.Duration {
	return secondsOr(c.OfflineGraceSeconds, 30*time.Second)
}

func (c CollabConfig) SweepInterval() time.Duration {
	return secondsOr(c.SweepIntervalSeconds, 300*time.Second)
}

func (c CollabConfig) CursorCoalesce() time.Duration {
	if c.CursorCoalesceMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.CursorCoalesceMS) * time.Millisecond
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
