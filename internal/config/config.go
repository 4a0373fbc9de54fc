package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the server.
type Config struct {
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:":8080"`
	SQLiteFile    string `env:"SQLITE_FILE" envDefault:"./data/scratchauth.db"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"./migrations"`
	SiteDir       string `env:"SITE_DIR" envDefault:"./site"`

	// Upstream Scratch endpoints. Overridable so tests and mirrors can
	// point at a local stand-in.
	ScratchAPIBase  string        `env:"SCRATCH_API_BASE" envDefault:"https://api.scratch.mit.edu"`
	ScratchSiteBase string        `env:"SCRATCH_SITE_BASE" envDefault:"https://scratch.mit.edu"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`

	// Webhook for unhandled-error alerts. Empty disables alerting.
	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`

	// Login attempts allowed per remote address per minute.
	LoginRatePerMinute int `env:"LOGIN_RATE_PER_MINUTE" envDefault:"10"`

	// Expiry windows. The long windows default to 265 days.
	SessionShortExpiry time.Duration `env:"SESSION_SHORT_EXPIRY" envDefault:"10m"`
	SessionLongExpiry  time.Duration `env:"SESSION_LONG_EXPIRY" envDefault:"6360h"`
	AuthExpiry         time.Duration `env:"AUTH_EXPIRY" envDefault:"1h"`
	AccessTokenExpiry  time.Duration `env:"ACCESS_TOKEN_EXPIRY" envDefault:"24h"`
	RefreshTokenExpiry time.Duration `env:"REFRESH_TOKEN_EXPIRY" envDefault:"6360h"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads .env (if present) and the environment, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if c.SQLiteFile == "" {
		return nil, errors.New("SQLITE_FILE must not be empty")
	}
	if c.SessionShortExpiry <= 0 || c.SessionLongExpiry <= 0 ||
		c.AuthExpiry <= 0 || c.AccessTokenExpiry <= 0 || c.RefreshTokenExpiry <= 0 {
		return nil, errors.New("expiry windows must be positive")
	}
	if c.LoginRatePerMinute < 1 {
		return nil, errors.New("LOGIN_RATE_PER_MINUTE must be at least 1")
	}
	return c, nil
}
