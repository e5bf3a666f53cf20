// Package config loads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// maxTokenSecretBytes keeps the hex secret under bcrypt's 72 byte input limit.
const maxTokenSecretBytes = 36

type Config struct {
	Env  string
	Port string

	DatabaseURL   string
	MongoURL      string
	MongoDatabase string
	RedisURL      string
	RunMigrations bool

	SentryDSN  string
	CronSecret string
	LogLevel   string
	LogFormat  string

	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	LoginMaxAttempts        int
	LoginLockDuration       time.Duration
	LoginRateLimitPerSecond float64

	OTPLength int
	OTPTTL    time.Duration

	PermanentTokenTTL time.Duration
	TokenSalt1Bytes   int
	TokenSalt2Bytes   int
	TokenSecretBytes  int

	BcryptCost   int
	StoreTimeout time.Duration

	IPHeader             string
	MACHeader            string
	BindingCacheTTL      time.Duration
	BindingRetention     time.Duration
	TokenUsageRetention  time.Duration
	InactiveUserLifetime time.Duration

	SMTPAddr     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	AdminUsername string
	AdminEmail    string
	AdminPassword string
}

// Development reports whether OTPs may be echoed and in-memory stores used.
func (c *Config) Development() bool {
	switch strings.ToLower(c.Env) {
	case "development", "dev", "test":
		return true
	default:
		return false
	}
}

type Options struct {
	// DotEnvFiles are loaded before reading the environment. Missing files are
	// ignored. Variables already set in the environment win.
	DotEnvFiles []string
}

func Load(options Options) (*Config, error) {
	for _, file := range options.DotEnvFiles {
		_ = godotenv.Load(file)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Env:  strings.TrimSpace(v.GetString("APP_ENV")),
		Port: strings.TrimSpace(v.GetString("PORT")),

		DatabaseURL:   strings.TrimSpace(v.GetString("DATABASE_URL")),
		MongoURL:      strings.TrimSpace(v.GetString("MONGO_URL")),
		MongoDatabase: strings.TrimSpace(v.GetString("MONGO_DATABASE")),
		RedisURL:      strings.TrimSpace(v.GetString("REDIS_URL")),
		RunMigrations: v.GetBool("RUN_MIGRATIONS_ON_STARTUP"),

		SentryDSN:  strings.TrimSpace(v.GetString("SENTRY_DSN")),
		CronSecret: strings.TrimSpace(v.GetString("CRON_SECRET")),
		LogLevel:   v.GetString("LOG_LEVEL"),
		LogFormat:  v.GetString("LOG_FORMAT"),

		JWTSecret:       strings.TrimSpace(v.GetString("JWT_SECRET")),
		JWTIssuer:       v.GetString("JWT_ISSUER"),
		AccessTokenTTL:  minutes(v, "ACCESS_TOKEN_TTL_MINUTES"),
		RefreshTokenTTL: time.Duration(positiveInt(v, "REFRESH_TOKEN_TTL_HOURS")) * time.Hour,

		LoginMaxAttempts:        positiveInt(v, "LOGIN_MAX_ATTEMPTS"),
		LoginLockDuration:       minutes(v, "LOGIN_LOCK_MINUTES"),
		LoginRateLimitPerSecond: v.GetFloat64("LOGIN_RATE_LIMIT_PER_SECOND"),

		OTPLength: positiveInt(v, "OTP_LENGTH"),
		OTPTTL:    minutes(v, "OTP_TTL_MINUTES"),

		PermanentTokenTTL: days(v, "PERMANENT_TOKEN_TTL_DAYS"),
		TokenSalt1Bytes:   positiveInt(v, "TOKEN_SALT1_BYTES"),
		TokenSalt2Bytes:   positiveInt(v, "TOKEN_SALT2_BYTES"),
		TokenSecretBytes:  positiveInt(v, "TOKEN_SECRET_BYTES"),

		BcryptCost:   positiveInt(v, "BCRYPT_COST"),
		StoreTimeout: time.Duration(positiveInt(v, "STORE_TIMEOUT_MS")) * time.Millisecond,

		IPHeader:             strings.TrimSpace(v.GetString("IP_HEADER")),
		MACHeader:            strings.TrimSpace(v.GetString("MAC_HEADER")),
		BindingCacheTTL:      time.Duration(v.GetInt("BINDING_CACHE_TTL_SECONDS")) * time.Second,
		BindingRetention:     days(v, "BINDING_RETENTION_DAYS"),
		TokenUsageRetention:  days(v, "TOKEN_USAGE_RETENTION_DAYS"),
		InactiveUserLifetime: days(v, "INACTIVE_USER_LIFETIME_DAYS"),

		SMTPAddr:     strings.TrimSpace(v.GetString("SMTP_ADDR")),
		SMTPFrom:     strings.TrimSpace(v.GetString("SMTP_FROM")),
		SMTPUsername: v.GetString("SMTP_USERNAME"),
		SMTPPassword: v.GetString("SMTP_PASSWORD"),

		AdminUsername: v.GetString("ADMIN_USERNAME"),
		AdminEmail:    v.GetString("ADMIN_EMAIL"),
		AdminPassword: v.GetString("ADMIN_PASSWORD"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var defaults = map[string]any{
	"APP_ENV":                     "development",
	"PORT":                        "8080",
	"MONGO_DATABASE":              "authgate",
	"RUN_MIGRATIONS_ON_STARTUP":   false,
	"LOG_LEVEL":                   "info",
	"LOG_FORMAT":                  "json",
	"JWT_ISSUER":                  "authgate",
	"ACCESS_TOKEN_TTL_MINUTES":    5,
	"REFRESH_TOKEN_TTL_HOURS":     360,
	"LOGIN_MAX_ATTEMPTS":          5,
	"LOGIN_LOCK_MINUTES":          15,
	"LOGIN_RATE_LIMIT_PER_SECOND": 1.0,
	"OTP_LENGTH":                  6,
	"OTP_TTL_MINUTES":             5,
	"PERMANENT_TOKEN_TTL_DAYS":    90,
	"TOKEN_SALT1_BYTES":           8,
	"TOKEN_SALT2_BYTES":           8,
	"TOKEN_SECRET_BYTES":          32,
	"BCRYPT_COST":                 10,
	"STORE_TIMEOUT_MS":            3000,
	"MAC_HEADER":                  "X-Client-Mac",
	"BINDING_CACHE_TTL_SECONDS":   300,
	"BINDING_RETENTION_DAYS":      90,
	"TOKEN_USAGE_RETENTION_DAYS":  180,
	"INACTIVE_USER_LIFETIME_DAYS": 7,
}

var unsetByDefault = []string{
	"DATABASE_URL", "MONGO_URL", "REDIS_URL", "SENTRY_DSN", "CRON_SECRET", "JWT_SECRET",
	"IP_HEADER", "SMTP_ADDR", "SMTP_FROM", "SMTP_USERNAME", "SMTP_PASSWORD",
	"ADMIN_USERNAME", "ADMIN_EMAIL", "ADMIN_PASSWORD",
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range unsetByDefault {
		_ = v.BindEnv(key)
	}
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("missing required env: JWT_SECRET")
	}
	if !c.Development() {
		required := []struct{ name, value string }{
			{"DATABASE_URL", c.DatabaseURL},
			{"MONGO_URL", c.MongoURL},
			{"REDIS_URL", c.RedisURL},
			{"SMTP_ADDR", c.SMTPAddr},
		}
		for _, env := range required {
			if env.value == "" {
				return fmt.Errorf("missing required env: %s", env.name)
			}
		}
	}
	if c.TokenSecretBytes > maxTokenSecretBytes {
		return fmt.Errorf("TOKEN_SECRET_BYTES must be at most %d", maxTokenSecretBytes)
	}
	if c.LoginRateLimitPerSecond <= 0 {
		return errors.New("LOGIN_RATE_LIMIT_PER_SECOND must be positive")
	}
	return nil
}

// positiveInt falls back to the default when the value is malformed or not
// positive.
func positiveInt(v *viper.Viper, key string) int {
	if value := v.GetInt(key); value > 0 {
		return value
	}
	fallback, _ := defaults[key].(int)
	return fallback
}

func minutes(v *viper.Viper, key string) time.Duration {
	return time.Duration(positiveInt(v, key)) * time.Minute
}

func days(v *viper.Viper, key string) time.Duration {
	return time.Duration(positiveInt(v, key)) * 24 * time.Hour
}
