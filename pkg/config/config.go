// Package config loads and validates the server configuration from
// relay.yaml plus environment overrides.
package config

import (
	"fmt"
	"time"
)

// Config is the resolved server configuration. YAML keys merge over
// DefaultConfig; the operational knobs can additionally be overridden
// through environment variables (HTTP_PORT, DATABASE_URL, JWT_SECRET,
// INSTANCE_ID).
type Config struct {
	// HTTPPort is the listen port for the HTTP/WebSocket server.
	HTTPPort int `yaml:"http_port"`

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `yaml:"database_url"`

	// JWTSecret is the HMAC key handshake tokens are signed with.
	JWTSecret string `yaml:"jwt_secret"`

	// FrontendOrigin is the allowed socket origin and CORS origin.
	FrontendOrigin string `yaml:"frontend_origin"`

	// InstanceID identifies this replica on the shared bus. Resolution
	// order: INSTANCE_ID env, HOSTNAME env, "local".
	InstanceID string `yaml:"instance_id"`

	// UseSharedSessions mirrors the session registry to the shared
	// substrate so replicas see each other's sessions.
	UseSharedSessions bool `yaml:"use_shared_sessions"`

	// UseSharedSockets fans events out across replicas via pub/sub.
	UseSharedSockets bool `yaml:"use_shared_sockets"`

	// UseSharedOrdering appends committed batches to the shared
	// operation stream.
	UseSharedOrdering bool `yaml:"use_shared_ordering"`

	// SessionTTL is the shared session record lifetime in seconds.
	SessionTTL int `yaml:"session_ttl"`

	// PresenceInactiveMS is how long a layer-presence entry may go
	// without a heartbeat before the sweep drops it.
	PresenceInactiveMS int `yaml:"presence_inactive_ms"`

	// SessionIdleMS is how long a session may sit idle before cleanup.
	SessionIdleMS int `yaml:"session_idle_ms"`

	// SerializerMaxRetries caps retries of retryable storage failures
	// per batch.
	SerializerMaxRetries int `yaml:"serializer_max_retries"`

	// SerializerInitialBackoffMS is the first retry delay; it doubles
	// per attempt.
	SerializerInitialBackoffMS int `yaml:"serializer_initial_backoff_ms"`

	// SerializerMaxQueueDepth bounds each project's commit queue.
	// 0 means unbounded; above the bound batches are rejected busy.
	SerializerMaxQueueDepth int `yaml:"serializer_max_queue_depth"`

	// OperationRetentionDays prunes operation log rows older than this
	// many days. 0 keeps the log forever.
	OperationRetentionDays int `yaml:"operation_retention_days"`

	// CleanupInterval is the period of the retention sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:                   8080,
		FrontendOrigin:             "http://localhost:3000",
		InstanceID:                 "local",
		SessionTTL:                 45,
		PresenceInactiveMS:         30000,
		SessionIdleMS:              300000,
		SerializerMaxRetries:       5,
		SerializerInitialBackoffMS: 50,
		CleanupInterval:            10 * time.Minute,
	}
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// SessionExpiry returns the shared session TTL as a duration.
func (c *Config) SessionExpiry() time.Duration {
	return time.Duration(c.SessionTTL) * time.Second
}

// PresenceTimeout returns the layer-presence inactivity threshold.
func (c *Config) PresenceTimeout() time.Duration {
	return time.Duration(c.PresenceInactiveMS) * time.Millisecond
}

// SessionIdleTimeout returns the idle session cleanup threshold.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleMS) * time.Millisecond
}

// InitialBackoff returns the first commit retry delay.
func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.SerializerInitialBackoffMS) * time.Millisecond
}
