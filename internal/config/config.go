package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// ErrMissing marks a required setting that is absent. Startup must abort on it.
var ErrMissing = errors.New("config: required setting missing")

// Pending credential store drivers.
const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverFile     = "file"
	DriverMemory   = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	PublicBaseURL      string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	Kashier Kashier
	Pending Pending
	Account Account

	PaymentStatusTTL      time.Duration
	CheckoutRateLimit     int
	CheckoutRateWindow    time.Duration
	WebhookBodyLimitBytes int64
}

// Kashier groups gateway credentials and hosted-checkout display options.
type Kashier struct {
	MerchantID     string
	APISecret      string
	WebhookSecret  string
	CheckoutURL    string
	Mode           string
	Display        string
	AllowedMethods string
	BrandColor     string
}

// Pending configures the pending credential store.
type Pending struct {
	Driver string
	Dir    string
	TTL    time.Duration
}

// Account configures the downstream account/subscription service.
type Account struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	CountryCode      string
	Domain           string
	AnnualPlanAmount decimal.Decimal
	AnnualPlanDays   int
	DefaultPlanDays  int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(k.String("PUBLIC_BASE_URL")), "/"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		Kashier: Kashier{
			MerchantID:     strings.TrimSpace(k.String("KASHIER_MERCHANT_ID")),
			APISecret:      strings.TrimSpace(k.String("KASHIER_API_SECRET")),
			WebhookSecret:  strings.TrimSpace(k.String("KASHIER_WEBHOOK_SECRET")),
			CheckoutURL:    valueOrDefault(k.String("KASHIER_CHECKOUT_URL"), "https://checkout.kashier.io"),
			Mode:           strings.ToLower(valueOrDefault(k.String("KASHIER_MODE"), "test")),
			Display:        valueOrDefault(k.String("KASHIER_DISPLAY"), "en"),
			AllowedMethods: valueOrDefault(k.String("KASHIER_ALLOWED_METHODS"), "card,wallet"),
			BrandColor:     valueOrDefault(k.String("KASHIER_BRAND_COLOR"), "#000000"),
		},
		Pending: Pending{
			Driver: strings.ToLower(valueOrDefault(k.String("PENDING_STORE_DRIVER"), DriverRedis)),
			Dir:    valueOrDefault(k.String("PENDING_STORE_DIR"), os.TempDir()+"/kashier-pending"),
			TTL:    parseDuration(k.String("PENDING_CREDENTIAL_TTL"), "1h"),
		},
		Account: Account{
			BaseURL:          strings.TrimRight(strings.TrimSpace(k.String("ACCOUNT_SERVICE_URL")), "/"),
			APIKey:           strings.TrimSpace(k.String("ACCOUNT_SERVICE_API_KEY")),
			Timeout:          parseDuration(k.String("ACCOUNT_SERVICE_TIMEOUT"), "10s"),
			CountryCode:      valueOrDefault(k.String("ACCOUNT_COUNTRY_CODE"), "EG"),
			Domain:           strings.TrimSpace(k.String("ACCOUNT_DOMAIN")),
			AnnualPlanAmount: parseDecimal(k.String("ANNUAL_PLAN_AMOUNT"), "449"),
			AnnualPlanDays:   parseInt(k.String("ANNUAL_PLAN_DAYS"), 365),
			DefaultPlanDays:  parseInt(k.String("DEFAULT_PLAN_DAYS"), 30),
		},
		PaymentStatusTTL:      parseDuration(k.String("PAYMENT_STATUS_TTL"), "24h"),
		CheckoutRateLimit:     parseInt(k.String("CHECKOUT_RATE_LIMIT"), 20),
		CheckoutRateWindow:    parseDuration(k.String("CHECKOUT_RATE_WINDOW"), "1m"),
		WebhookBodyLimitBytes: int64(parseInt(k.String("WEBHOOK_BODY_LIMIT_BYTES"), 64<<10)),
	}
	if cfg.Account.Domain == "" {
		cfg.Account.Domain = cfg.PublicBaseURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"KASHIER_MERCHANT_ID", c.Kashier.MerchantID},
		{"KASHIER_API_SECRET", c.Kashier.APISecret},
		{"KASHIER_WEBHOOK_SECRET", c.Kashier.WebhookSecret},
		{"PUBLIC_BASE_URL", c.PublicBaseURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: %s", ErrMissing, r.name)
		}
	}
	switch c.Pending.Driver {
	case DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: REDIS_URL (PENDING_STORE_DRIVER=redis)", ErrMissing)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL (PENDING_STORE_DRIVER=postgres)", ErrMissing)
		}
	case DriverFile, DriverMemory:
	default:
		return fmt.Errorf("config: unsupported PENDING_STORE_DRIVER %q", c.Pending.Driver)
	}
	if c.Kashier.Mode != "test" && c.Kashier.Mode != "live" {
		return fmt.Errorf("config: KASHIER_MODE must be test or live, got %q", c.Kashier.Mode)
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// WebhookURL returns the public URL the gateway posts the given webhook class to.
func (c *Config) WebhookURL(class string) string {
	return c.PublicBaseURL + "/api/v1/webhooks/kashier/" + class
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseDecimal(value, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]*string, len(env))
	for key := range env {
		if prev, ok := os.LookupEnv(key); ok {
			original[key] = &prev
		} else {
			original[key] = nil
		}
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]*string) error {
	var errs []string
	for key, value := range values {
		var err error
		if value == nil {
			err = os.Unsetenv(key)
		} else {
			err = os.Setenv(key, *value)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
