// Package config provides configuration loading for mcpd.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the root configuration for the mcpd daemon.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Auth          AuthConfig          `koanf:"auth"`
	Store         StoreConfig         `koanf:"store"`
	Broker        BrokerConfig        `koanf:"broker"`
	Tasks         TasksConfig         `koanf:"tasks"`
	Elicitation   ElicitationConfig   `koanf:"elicitation"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP transport settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// SSEEnabled controls whether GET /mcp opens a Server-Sent-Events
	// stream. When false, GET /mcp returns 405.
	SSEEnabled        bool          `koanf:"sse_enabled"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// SessionIdleTTL is how long a session without attached streams and
	// without pending tasks or elicitations survives before the sweeper
	// removes it.
	SessionIdleTTL time.Duration `koanf:"session_idle_ttl"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
}

// AuthConfig holds bearer-token authorization settings.
//
// When Enabled is true at least one of JWKSURL or IntrospectionURL must be
// set; token validation fails closed otherwise.
type AuthConfig struct {
	Enabled bool `koanf:"enabled"`

	// JWKSURL is the JSON Web Key Set endpoint used for local JWT
	// signature verification (RS256/ES256).
	JWKSURL string `koanf:"jwks_url"`

	// IntrospectionURL is the RFC 7662 token introspection endpoint used
	// as a fallback when JWT verification fails or is not configured.
	IntrospectionURL          string `koanf:"introspection_url"`
	IntrospectionClientID     string `koanf:"introspection_client_id"`
	IntrospectionClientSecret Secret `koanf:"introspection_client_secret"`

	// ResourceURI is this server's canonical resource identifier, matched
	// against the token's aud claim when ValidateAudience is true.
	ResourceURI      string `koanf:"resource_uri"`
	ValidateAudience bool   `koanf:"validate_audience"`

	Realm          string   `koanf:"realm"`
	RequiredScopes []string `koanf:"required_scopes"`

	// Token refresh for session-bound tokens nearing expiry.
	RefreshEndpoint    string        `koanf:"refresh_endpoint"`
	RefreshWindow      time.Duration `koanf:"refresh_window"`
	RefreshMaxAttempts int           `koanf:"refresh_max_attempts"`

	HTTPTimeout time.Duration `koanf:"http_timeout"`
}

// StoreConfig selects the session store backing.
type StoreConfig struct {
	Backend       string `koanf:"backend"` // memory|redis
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword Secret `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// BrokerConfig selects the message broker backing.
type BrokerConfig struct {
	Backend string `koanf:"backend"` // memory|nats
	NATSURL string `koanf:"nats_url"`
}

// TasksConfig holds asynchronous task settings.
type TasksConfig struct {
	Enabled       bool          `koanf:"enabled"`
	DefaultTTL    time.Duration `koanf:"default_ttl"`
	MaxTTL        time.Duration `koanf:"max_ttl"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// ElicitationConfig holds out-of-band elicitation settings.
type ElicitationConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug|info|warn|error
	Format string `koanf:"format"` // json|console
}

// ObservabilityConfig holds telemetry settings. Prometheus metrics are
// always exposed on /metrics; the OTLP exporters activate only when
// enable_telemetry is set.
type ObservabilityConfig struct {
	ServiceName     string `koanf:"service_name"`
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"` // grpc|http/protobuf
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Auth.Enabled {
		if c.Auth.JWKSURL == "" && c.Auth.IntrospectionURL == "" {
			return fmt.Errorf("auth enabled but neither jwks_url nor introspection_url configured")
		}
		for _, u := range []string{c.Auth.JWKSURL, c.Auth.IntrospectionURL, c.Auth.RefreshEndpoint} {
			if u == "" {
				continue
			}
			if _, err := url.ParseRequestURI(u); err != nil {
				return fmt.Errorf("invalid auth URL %q: %w", u, err)
			}
		}
		if c.Auth.ValidateAudience && c.Auth.ResourceURI == "" {
			return fmt.Errorf("audience validation enabled but resource_uri not configured")
		}
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("redis store backend requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	switch c.Broker.Backend {
	case "memory":
	case "nats":
		if c.Broker.NATSURL == "" {
			return fmt.Errorf("nats broker backend requires nats_url")
		}
	default:
		return fmt.Errorf("unknown broker backend: %q", c.Broker.Backend)
	}

	if c.Tasks.MaxTTL < c.Tasks.DefaultTTL {
		return fmt.Errorf("tasks max_ttl (%s) below default_ttl (%s)", c.Tasks.MaxTTL, c.Tasks.DefaultTTL)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Server.SessionIdleTTL == 0 {
		cfg.Server.SessionIdleTTL = 30 * time.Minute
	}
	if cfg.Server.SweepInterval == 0 {
		cfg.Server.SweepInterval = time.Minute
	}

	if cfg.Auth.Realm == "" {
		cfg.Auth.Realm = "MCP Server"
	}
	if cfg.Auth.HTTPTimeout == 0 {
		cfg.Auth.HTTPTimeout = 5 * time.Second
	}
	if cfg.Auth.RefreshWindow == 0 {
		cfg.Auth.RefreshWindow = 5 * time.Minute
	}
	if cfg.Auth.RefreshMaxAttempts == 0 {
		cfg.Auth.RefreshMaxAttempts = 3
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Broker.Backend == "" {
		cfg.Broker.Backend = "memory"
	}
	if cfg.Broker.NATSURL == "" && cfg.Broker.Backend == "nats" {
		cfg.Broker.NATSURL = "nats://localhost:4222"
	}

	if cfg.Tasks.DefaultTTL == 0 {
		cfg.Tasks.DefaultTTL = 5 * time.Minute
	}
	if cfg.Tasks.MaxTTL == 0 {
		cfg.Tasks.MaxTTL = 24 * time.Hour
	}
	if cfg.Tasks.PollInterval == 0 {
		cfg.Tasks.PollInterval = 2 * time.Second
	}
	if cfg.Tasks.SweepInterval == 0 {
		cfg.Tasks.SweepInterval = time.Minute
	}

	if cfg.Elicitation.TTL == 0 {
		cfg.Elicitation.TTL = time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "mcpd"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
}

// Default returns a configuration with all defaults applied. Useful for
// tests and embedded use.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
