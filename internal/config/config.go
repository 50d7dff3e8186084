package config

import (
	"sync"
	"time"
)

// Operational constants shared by the engine, transport, and broadcast runner.
const (
	// APITimeout bounds api-node HTTP calls and outbound provider sends.
	APITimeout = 15 * time.Second

	// MaxDelay caps delay-node sleeps regardless of the authored seconds.
	MaxDelay = 60 * time.Second

	// SafeMaxSteps is the per-invocation node transition guard.
	SafeMaxSteps = 500

	// BroadcastMaxButtons is the provider limit on interactive reply buttons.
	BroadcastMaxButtons = 3

	// TextLimit is the provider limit on text message bodies.
	TextLimit = 4096
)

// Config is the root configuration for the flowgate gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Provider  ProviderConfig  `json:"provider"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the webhook HTTP listener.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	RateLimitRPM int    `json:"rate_limit_rpm"` // per-sender webhook rate limit
}

// ProviderConfig holds WhatsApp Cloud API settings.
// VerifyToken/AppSecret/AccessToken are secrets and come from env only.
type ProviderConfig struct {
	GraphAPIVersion string `json:"graph_api_version"` // default "v20.0"
	VerifyToken     string `json:"-"`                 // env VERIFY_TOKEN
	AppSecret       string `json:"-"`                 // env APP_SECRET
	AccessToken     string `json:"-"`                 // env ACCESS_TOKEN (tenant-wide fallback)
	PhoneNumberID   string `json:"-"`                 // env PHONE_NUMBER_ID (tenant-wide fallback)
	BusinessAccount string `json:"-"`                 // env BUSINESS_ACCOUNT_ID
	SendRatePerSec  int    `json:"send_rate_per_sec"` // outbound rate limit, default 20
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file — only from env FLOWGATE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                     // from env FLOWGATE_POSTGRES_DSN only
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone mode, default "flowgate.db"
}

// IsManagedMode returns true when the gateway runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.PostgresDSN != ""
}

// BroadcastConfig configures the scheduled-broadcast poller.
type BroadcastConfig struct {
	SchedulePollSeconds int `json:"schedule_poll_seconds"` // default 30
}

// TelemetryConfig configures OpenTelemetry export.
// When enabled, spans are exported to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // OTLP HTTP endpoint, e.g. "localhost:4318"
	ServiceName string `json:"service_name,omitempty"` // default "flowgate"
	Insecure    bool   `json:"insecure,omitempty"`
}

// GraphAPIVersion returns the configured Graph API version or the default.
func (c *Config) GraphAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Provider.GraphAPIVersion == "" {
		return "v20.0"
	}
	return c.Provider.GraphAPIVersion
}
