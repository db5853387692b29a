package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

type Config struct {
	DBSource string `env:"DB_SOURCE,required,notEmpty"`
	Port     string `env:"SERVER_PORT" envDefault:"8080"`
	Env      string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	PaymentSecretKey string `env:"PAYMENT_SECRET_KEY,required,notEmpty"`
	PaymentBaseURL   string `env:"PAYMENT_BASE_URL" envDefault:"https://api.paystack.co"`
	// CreationFee is the minimum verified payment that activates a campaign.
	CreationFee decimal.Decimal `env:"CAMPAIGN_CREATION_FEE" envDefault:"0"`
	Currency    string          `env:"CURRENCY" envDefault:"NGN"`

	PendingTimeout time.Duration `env:"PENDING_TIMEOUT" envDefault:"24h"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	SESRegion    string `env:"SES_REGION" envDefault:"us-east-1"`
	SESFromEmail string `env:"SES_FROM_EMAIL"`
	SESFromName  string `env:"SES_FROM_NAME" envDefault:"Re-es Funding"`
	AppBaseURL   string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.CreationFee.IsNegative() {
		return fmt.Errorf("CAMPAIGN_CREATION_FEE must not be negative")
	}
	if c.PendingTimeout <= 0 {
		return fmt.Errorf("PENDING_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	return level, nil
}
