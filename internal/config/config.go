package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config is the process-wide configuration. It is loaded and validated once at
// startup and passed explicitly to every component.
type Config struct {
	Env             string `validate:"oneof=development production test"`
	Port            string `validate:"required,numeric"`
	LogLevel        string
	LogFormat       string `validate:"omitempty,oneof=text json"`
	SiteURL         string `validate:"required,url"`
	AllowLocalhost  bool
	TrustedProxy    string        `validate:"oneof=none cloudflare netlify forwarded"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	Supabase SupabaseConfig
	Stripe   StripeConfig
	Database DatabaseConfig
	Redis    RedisConfig
}

type SupabaseConfig struct {
	URL            string `validate:"required,url"`
	ServiceRoleKey string `validate:"required"`
	JWTSecret      string
}

type StripeConfig struct {
	SecretKey      string `validate:"required"`
	WebhookSecret  string `validate:"required"`
	MonthlyPriceID string `validate:"required"`
	YearlyPriceID  string `validate:"required"`
}

type DatabaseConfig struct {
	Driver string `validate:"oneof=sqlite pgx"`
	URL    string `validate:"required"`
}

type RedisConfig struct {
	URL string `validate:"omitempty,url"`
}

// IsProduction reports whether the service runs with production semantics.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Load reads configuration from an optional .env file, an optional config file
// at path, and the environment (highest precedence), then validates it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and formats.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", EnvDevelopment)
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "academy.db")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("TRUSTED_PROXY", "none")
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Env:             strings.ToLower(v.GetString("APP_ENV")),
		Port:            v.GetString("PORT"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		LogFormat:       strings.ToLower(v.GetString("LOG_FORMAT")),
		SiteURL:         strings.TrimRight(v.GetString("SITE_URL"), "/"),
		TrustedProxy:    strings.ToLower(v.GetString("TRUSTED_PROXY")),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		Supabase: SupabaseConfig{
			URL:            strings.TrimRight(v.GetString("SUPABASE_URL"), "/"),
			ServiceRoleKey: v.GetString("SUPABASE_SERVICE_ROLE_KEY"),
			JWTSecret:      v.GetString("SUPABASE_JWT_SECRET"),
		},
		Stripe: StripeConfig{
			SecretKey:      v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret:  v.GetString("STRIPE_WEBHOOK_SECRET"),
			MonthlyPriceID: v.GetString("STRIPE_PRICE_MONTHLY"),
			YearlyPriceID:  v.GetString("STRIPE_PRICE_YEARLY"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("DATABASE_DRIVER")),
			URL:    v.GetString("DATABASE_URL"),
		},
		Redis: RedisConfig{
			URL: v.GetString("REDIS_URL"),
		},
	}

	// Localhost origins are only trusted outside production unless set explicitly.
	if v.IsSet("CORS_ALLOW_LOCALHOST") {
		cfg.AllowLocalhost = v.GetBool("CORS_ALLOW_LOCALHOST")
	} else {
		cfg.AllowLocalhost = cfg.Env != EnvProduction
	}
	return cfg
}
