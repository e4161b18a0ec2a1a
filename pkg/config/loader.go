package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFile is the YAML file read from the config directory.
const configFile = "relay.yaml"

// Initialize loads, merges, and validates the configuration. This is
// the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read relay.yaml from configDir (a missing file means all defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML
//  4. Merge file values over built-in defaults
//  5. Apply environment overrides for the operational knobs
//  6. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"http_port", cfg.HTTPPort,
		"instance_id", cfg.InstanceID,
		"shared_sessions", cfg.UseSharedSessions,
		"shared_sockets", cfg.UseSharedSockets,
		"shared_ordering", cfg.UseSharedOrdering)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(configDir, configFile)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Debug("No configuration file found, using defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(configFile, err)
	default:
		// Expand environment variables using {{.VAR}} template syntax
		data = ExpandEnv(data)

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, NewLoadError(configFile, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}

		// File values override defaults; unset keys keep them.
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, NewLoadError(configFile, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets the deployment environment override the
// operational knobs without editing the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = port
		} else {
			slog.Warn("Ignoring invalid HTTP_PORT override", "value", v, "error", err)
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	} else if cfg.InstanceID == "" || cfg.InstanceID == "local" {
		if host := os.Getenv("HOSTNAME"); host != "" {
			cfg.InstanceID = host
		}
	}
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return NewValidationError("http_port", fmt.Errorf("%w: %d", ErrInvalidValue, c.HTTPPort))
	}
	if c.DatabaseURL == "" {
		return NewValidationError("database_url", ErrMissingRequiredField)
	}
	if c.JWTSecret == "" {
		return NewValidationError("jwt_secret", ErrMissingRequiredField)
	}
	if c.FrontendOrigin == "" {
		return NewValidationError("frontend_origin", ErrMissingRequiredField)
	}
	if c.InstanceID == "" {
		return NewValidationError("instance_id", ErrMissingRequiredField)
	}
	if c.SessionTTL <= 0 {
		return NewValidationError("session_ttl", fmt.Errorf("%w: %d", ErrInvalidValue, c.SessionTTL))
	}
	if c.PresenceInactiveMS <= 0 {
		return NewValidationError("presence_inactive_ms", fmt.Errorf("%w: %d", ErrInvalidValue, c.PresenceInactiveMS))
	}
	if c.SessionIdleMS <= 0 {
		return NewValidationError("session_idle_ms", fmt.Errorf("%w: %d", ErrInvalidValue, c.SessionIdleMS))
	}
	if c.SerializerMaxRetries < 0 {
		return NewValidationError("serializer_max_retries", fmt.Errorf("%w: %d", ErrInvalidValue, c.SerializerMaxRetries))
	}
	if c.SerializerInitialBackoffMS <= 0 {
		return NewValidationError("serializer_initial_backoff_ms", fmt.Errorf("%w: %d", ErrInvalidValue, c.SerializerInitialBackoffMS))
	}
	if c.SerializerMaxQueueDepth < 0 {
		return NewValidationError("serializer_max_queue_depth", fmt.Errorf("%w: %d", ErrInvalidValue, c.SerializerMaxQueueDepth))
	}
	if c.OperationRetentionDays < 0 {
		return NewValidationError("operation_retention_days", fmt.Errorf("%w: %d", ErrInvalidValue, c.OperationRetentionDays))
	}
	if c.CleanupInterval <= 0 {
		return NewValidationError("cleanup_interval", fmt.Errorf("%w: %s", ErrInvalidValue, c.CleanupInterval))
	}
	return nil
}
