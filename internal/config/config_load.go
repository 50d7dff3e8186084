package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18890,
			RateLimitRPM: 60,
		},
		Provider: ProviderConfig{
			GraphAPIVersion: "v20.0",
			SendRatePerSec:  20,
		},
		Database: DatabaseConfig{
			SQLitePath: "flowgate.db",
		},
		Broadcast: BroadcastConfig{
			SchedulePollSeconds: 30,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "flowgate",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error — defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables. Secrets are env-only.
func (c *Config) applyEnv() {
	if v := os.Getenv("VERIFY_TOKEN"); v != "" {
		c.Provider.VerifyToken = v
	}
	if v := os.Getenv("APP_SECRET"); v != "" {
		c.Provider.AppSecret = v
	}
	if v := os.Getenv("ACCESS_TOKEN"); v != "" {
		c.Provider.AccessToken = v
	}
	if v := os.Getenv("PHONE_NUMBER_ID"); v != "" {
		c.Provider.PhoneNumberID = v
	}
	if v := os.Getenv("BUSINESS_ACCOUNT_ID"); v != "" {
		c.Provider.BusinessAccount = v
	}
	if v := os.Getenv("GRAPH_API_VERSION"); v != "" {
		c.Provider.GraphAPIVersion = v
	}
	if v := os.Getenv("FLOWGATE_POSTGRES_DSN"); v != "" {
		c.Database.PostgresDSN = v
	}
	if v := os.Getenv("FLOWGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = p
		}
	}
}
