// Package server is the reference narrative game server: REST endpoints for
// session management, a per-session game socket, and a pluggable narrator.
package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the server runtime configuration, populated from the
// environment.
type Config struct {
	ListenAddr string `env:"FABLEWIRE_LISTEN_ADDR" envDefault:":8080"`

	// RedisAddr selects the Redis session store. Empty means sessions are
	// kept in process memory.
	RedisAddr     string `env:"FABLEWIRE_REDIS_ADDR"`
	RedisPassword string `env:"FABLEWIRE_REDIS_PASSWORD"`

	// AnthropicAPIKey selects the AI narrator. Empty means the scripted
	// narrator is used, which needs no network access.
	AnthropicAPIKey string        `env:"FABLEWIRE_ANTHROPIC_API_KEY"`
	AnthropicModel  string        `env:"FABLEWIRE_ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-20250514"`
	NarratorTimeout time.Duration `env:"FABLEWIRE_NARRATOR_TIMEOUT" envDefault:"60s"`

	SessionTTL      time.Duration `env:"FABLEWIRE_SESSION_TTL" envDefault:"24h"`
	SessionIdleTime time.Duration `env:"FABLEWIRE_SESSION_IDLE_TIME" envDefault:"2h"`
	JanitorSchedule string        `env:"FABLEWIRE_JANITOR_SCHEDULE" envDefault:"@every 15m"`

	WriteTimeout time.Duration `env:"FABLEWIRE_WRITE_TIMEOUT" envDefault:"10s"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
