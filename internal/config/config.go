package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv string
	Port   string

	// Parameter names resolved against the secret store.
	TildaSecretName      string
	SandboxKeyName       string
	SandboxSecretName    string
	ProductionKeyName    string
	ProductionSecretName string
	SecretCacheTTL       time.Duration

	// Gateway endpoints, overridable for tests and staging.
	SandboxBaseURL    string
	ProductionBaseURL string

	// Where the shopper ends up after the gateway reports back.
	SuccessURL        string
	PaymentNotDoneURL string

	// Tilda server-to-server notification endpoint for this form.
	NotificationURL string

	OutboundTimeout time.Duration

	RedisURL        string
	ReplayTTL       time.Duration
	OrderRateMax    int
	OrderRateWindow time.Duration

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv: valueOrDefault(k.String("APP_ENV"), "development"),
		Port:   valueOrDefault(k.String("PORT"), "8080"),

		TildaSecretName:      valueOrDefault(k.String("TILDA_SECRET_PARAM"), "TILDA_SECRET"),
		SandboxKeyName:       valueOrDefault(k.String("MONTONIO_SANDBOX_KEY_PARAM"), "MONTONIO_SANDBOX_KEY"),
		SandboxSecretName:    valueOrDefault(k.String("MONTONIO_SANDBOX_SECRET_PARAM"), "MONTONIO_SANDBOX_SECRET"),
		ProductionKeyName:    valueOrDefault(k.String("MONTONIO_PROD_KEY_PARAM"), "MONTONIO_PROD_KEY"),
		ProductionSecretName: valueOrDefault(k.String("MONTONIO_PROD_SECRET_PARAM"), "MONTONIO_PROD_SECRET"),
		SecretCacheTTL:       parseDuration(k.String("SECRET_CACHE_TTL"), "0s"),

		SandboxBaseURL:    valueOrDefault(k.String("MONTONIO_SANDBOX_URL"), "https://sandbox-stargate.montonio.com/api"),
		ProductionBaseURL: valueOrDefault(k.String("MONTONIO_PROD_URL"), "https://stargate.montonio.com/api"),

		SuccessURL:        valueOrDefault(k.String("SUCCESS_URL"), "https://www.koalatallinn.ee/success"),
		PaymentNotDoneURL: valueOrDefault(k.String("PAYMENT_NOT_DONE_URL"), "https://koala.tilda.ws/payment-not-done"),

		NotificationURL: valueOrDefault(k.String("TILDA_NOTIFICATION_URL"), "https://forms.tildacdn.com/payment/custom/ps347320"),

		OutboundTimeout: parseDuration(k.String("OUTBOUND_HTTP_TIMEOUT"), "5s"),

		RedisURL:        k.String("REDIS_URL"),
		ReplayTTL:       parseDuration(k.String("NOTIFICATION_REPLAY_TTL"), "24h"),
		OrderRateMax:    k.Int("ORDER_RATE_MAX"),
		OrderRateWindow: parseDuration(k.String("ORDER_RATE_WINDOW"), "1m"),

		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
	}

	return cfg, nil
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
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
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

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
