package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfigMissing is returned when a required setting is absent.
var ErrConfigMissing = errors.New("config missing")

// Rate limit store backends.
const (
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds every setting the service reads at startup.
type Config struct {
	Environment string
	Port        string
	PublicURL   string
	// InternalURL is where the server reaches its own API, used by the
	// login landing page to redeem tokens.
	InternalURL string
	StaticDir   string

	// TrustProxyHeaders applies X-Forwarded-For and friends to the client
	// address. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool

	Logging LoggingConfig
	Mongo   MongoConfig
	Auth    AuthConfig
	SMTP    SMTPConfig

	TurnstileSecret string

	RateLimitStore string
	RedisURL       string

	WhatsAppToken         string
	WhatsAppPhoneNumberID string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type MongoConfig struct {
	URI      string
	Database string
}

type AuthConfig struct {
	Secret           string
	OTPTTL           time.Duration
	LoginTokenTTL    time.Duration
	SessionTTL       time.Duration
	PhoneCodeTTL     time.Duration
	NoResponsePolicy string
}

type SMTPConfig struct {
	Server   string
	User     string
	Password string
}

// Load reads the configuration from the environment. Every missing required
// key is reported in a single error wrapping ErrConfigMissing.
func Load() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Port:        port,
		PublicURL:   strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:"+port), "/"),
		InternalURL: strings.TrimRight(getEnv("INTERNAL_URL", "http://127.0.0.1:"+port), "/"),
		StaticDir:   getEnv("STATIC_DIR", "./static"),

		TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Mongo: MongoConfig{
			URI:      os.Getenv("MONGODB_URI"),
			Database: getEnv("MONGODB_DB", "cloudbudgetguard"),
		},
		Auth: AuthConfig{
			Secret:           os.Getenv("AUTH_SECRET"),
			OTPTTL:           getEnvDuration("OTP_TTL", 10*time.Minute),
			LoginTokenTTL:    getEnvDuration("LOGIN_TOKEN_TTL", 15*time.Minute),
			SessionTTL:       getEnvDuration("SESSION_TTL", 7*24*time.Hour),
			PhoneCodeTTL:     getEnvDuration("PHONE_CODE_TTL", 10*time.Minute),
			NoResponsePolicy: getEnv("LOGIN_TOKEN_NO_RESPONSE_POLICY", "redirect"),
		},
		SMTP: SMTPConfig{
			Server:   os.Getenv("SMTP_SERVER"),
			User:     os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
		},
		TurnstileSecret:       os.Getenv("TURNSTILE_SECRET_KEY"),
		RateLimitStore:        strings.ToLower(getEnv("RATE_LIMIT_STORE", StoreMongo)),
		RedisURL:              os.Getenv("REDIS_URL"),
		WhatsAppToken:         os.Getenv("WHATSAPP_TOKEN"),
		WhatsAppPhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
	}

	var missing []string
	if cfg.Mongo.URI == "" {
		missing = append(missing, "MONGODB_URI")
	}
	if cfg.TurnstileSecret == "" {
		missing = append(missing, "TURNSTILE_SECRET_KEY")
	}
	if cfg.Auth.Secret == "" {
		missing = append(missing, "AUTH_SECRET")
	}
	if cfg.RateLimitStore == StoreRedis && cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrConfigMissing, strings.Join(missing, ", "))
	}

	switch cfg.RateLimitStore {
	case StoreMongo, StoreRedis, StoreMemory:
	default:
		return nil, fmt.Errorf("invalid RATE_LIMIT_STORE %q", cfg.RateLimitStore)
	}
	return cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SMTPEnabled reports whether outgoing mail is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTP.Server != "" && c.SMTP.User != "" && c.SMTP.Password != ""
}

// WhatsAppEnabled reports whether the WhatsApp Cloud API is configured.
func (c *Config) WhatsAppEnabled() bool {
	return c.WhatsAppToken != "" && c.WhatsAppPhoneNumberID != ""
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return v
}

// getEnvDuration accepts Go durations ("15m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
