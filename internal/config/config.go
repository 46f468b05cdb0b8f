// Package config loads the service configuration from defaults, an optional config file and
// environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Payment provider modes.
const (
	ModeSimulated = "simulated"
	ModeSandbox   = "sandbox"
	ModeLive      = "live"
)

// Status guard policies.
const (
	GuardStrict  = "strict"
	GuardLenient = "lenient"
)

const defaultJWTSecret = "change-me-in-production"

// Config is the full service configuration.
type Config struct {
	AppPort         string        `validate:"required"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	DBDriver        string        `validate:"oneof=memory sqlite postgres mysql"`
	DatabaseDSN     string        `validate:"required_unless=DBDriver memory"`
	JWTSecret       string        `validate:"required"`
	RabbitMQURL     string        `validate:"omitempty,url"`
	CleanupInterval time.Duration `validate:"gte=0"`
	StatusGuard     string        `validate:"oneof=strict lenient"`
	Mpesa           MpesaConfig
}

// MpesaConfig configures the payment provider. Credentials are only needed outside simulated mode.
type MpesaConfig struct {
	Env            string        `validate:"oneof=simulated sandbox live"`
	ConsumerKey    string        `validate:"required_unless=Env simulated"`
	ConsumerSecret string        `validate:"required_unless=Env simulated"`
	Shortcode      string        `validate:"required_unless=Env simulated"`
	Passkey        string        `validate:"required_unless=Env simulated"`
	CallbackURL    string        `validate:"required_unless=Env simulated"`
	BaseURL        string        `validate:"omitempty,url"`
	Timeout        time.Duration `validate:"gt=0"`
	SimSuccessRate float64       `validate:"gte=0,lte=1"`
	SimConfirmWait time.Duration `validate:"gte=0"`
}

// Simulated reports whether payments are simulated.
func (m MpesaConfig) Simulated() bool { return m.Env == ModeSimulated }

// SetDefaults registers every recognised key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DATABASE_DSN", "rehoboth.db")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("RABBITMQ_URL", "")
	v.SetDefault("CLEANUP_INTERVAL", "1h")
	v.SetDefault("ORDER_STATUS_GUARD", GuardStrict)

	v.SetDefault("MPESA_ENV", ModeSandbox)
	v.SetDefault("MPESA_CONSUMER_KEY", "")
	v.SetDefault("MPESA_CONSUMER_SECRET", "")
	v.SetDefault("MPESA_SHORTCODE", "")
	v.SetDefault("MPESA_PASSKEY", "")
	v.SetDefault("MPESA_CALLBACK_URL", "")
	v.SetDefault("MPESA_BASE_URL", "")
	v.SetDefault("MPESA_TIMEOUT", "30s")
	v.SetDefault("MPESA_SIM_SUCCESS_RATE", 0.9)
	v.SetDefault("MPESA_SIM_CONFIRM_DELAY", "2s")
}

// Load reads configuration using a fresh viper instance.
func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith reads configuration into v, which may already carry bound flags.
// A config file is read from CONFIG_FILE when set, otherwise ./config.yaml if present.
func LoadWith(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds and validates a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		AppPort:         v.GetString("APP_PORT"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		DBDriver:        strings.ToLower(v.GetString("DB_DRIVER")),
		DatabaseDSN:     v.GetString("DATABASE_DSN"),
		JWTSecret:       v.GetString("JWT_SECRET"),
		RabbitMQURL:     v.GetString("RABBITMQ_URL"),
		CleanupInterval: v.GetDuration("CLEANUP_INTERVAL"),
		StatusGuard:     strings.ToLower(v.GetString("ORDER_STATUS_GUARD")),
		Mpesa: MpesaConfig{
			Env:            NormalizeMode(v.GetString("MPESA_ENV")),
			ConsumerKey:    v.GetString("MPESA_CONSUMER_KEY"),
			ConsumerSecret: v.GetString("MPESA_CONSUMER_SECRET"),
			Shortcode:      v.GetString("MPESA_SHORTCODE"),
			Passkey:        v.GetString("MPESA_PASSKEY"),
			CallbackURL:    v.GetString("MPESA_CALLBACK_URL"),
			BaseURL:        v.GetString("MPESA_BASE_URL"),
			Timeout:        v.GetDuration("MPESA_TIMEOUT"),
			SimSuccessRate: v.GetFloat64("MPESA_SIM_SUCCESS_RATE"),
			SimConfirmWait: v.GetDuration("MPESA_SIM_CONFIRM_DELAY"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.JWTSecret == defaultJWTSecret {
		slog.Warn("JWT_SECRET is not set, using the development default. PLEASE SET JWT_SECRET IN PRODUCTION!")
	}
	return cfg, nil
}

// NormalizeMode maps the accepted spellings of the payment mode onto the canonical ones.
// "mock" and "production" are kept as aliases for older deployments.
func NormalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "mock", ModeSimulated:
		return ModeSimulated
	case "production", ModeLive:
		return ModeLive
	case ModeSandbox, "":
		return ModeSandbox
	default:
		return strings.ToLower(mode)
	}
}
