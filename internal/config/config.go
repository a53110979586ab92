package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// devSigningKey signs tokens when ENV=development and no key is configured.
const devSigningKey = "6d69646465632d646576656c6f706d656e742d7369676e696e672d6b65792121"

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	StoreDriver         string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	SQLitePath          string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	TokenTTL            time.Duration `mapstructure:"TOKEN_TTL"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	SubmitDelay         time.Duration `mapstructure:"SUBMIT_DELAY"`
	FeedGuardTimeout    time.Duration `mapstructure:"FEED_GUARD_TIMEOUT"`
	SessionGuardTimeout time.Duration `mapstructure:"SESSION_GUARD_TIMEOUT"`
	OutboxMaxAttempts   int           `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	OutboxQueueSize     int           `mapstructure:"OUTBOX_QUEUE_SIZE"`
	TLSEnabled          bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile         string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile          string        `mapstructure:"TLS_KEY_FILE"`
}

// setWorkflowDefaults registers the timing keys shared by server and CLI.
func setWorkflowDefaults(v *viper.Viper) {
	v.SetDefault("SUBMIT_DELAY", "2s")
	v.SetDefault("FEED_GUARD_TIMEOUT", "4s")
	v.SetDefault("SESSION_GUARD_TIMEOUT", "4s")
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 5)
	v.SetDefault("OUTBOX_QUEUE_SIZE", 256)
	for _, key := range []string{"SUBMIT_DELAY", "FEED_GUARD_TIMEOUT", "SESSION_GUARD_TIMEOUT", "OUTBOX_MAX_ATTEMPTS", "OUTBOX_QUEUE_SIZE"} {
		v.BindEnv(key)
	}
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "middec.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AUTH_ISSUER", "middec")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:8081")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	setWorkflowDefaults(v)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("STORE_DRIVER")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("SQLITE_PATH")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("TOKEN_TTL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)

	if cfg.StoreDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
	}

	if cfg.IsDev() {
		log.Warn().Msg("running in development mode: requests without a token are treated as admin")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKey returns the decoded token signing key. Development falls back
// to a fixed key when none is configured.
func (c *Config) SigningKey() ([]byte, error) {
	raw := c.AuthSigningKey
	if raw == "" && c.IsDev() {
		raw = devSigningKey
	}
	if raw == "" {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is required outside development")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", DriverPostgres, DriverSQLite, DriverMemory, c.StoreDriver)
	}
	if c.StoreDriver == DriverMemory && c.IsProduction() {
		return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
	}

	if _, err := c.SigningKey(); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"TOKEN_TTL":             c.TokenTTL,
		"SUBMIT_DELAY":          c.SubmitDelay,
		"FEED_GUARD_TIMEOUT":    c.FeedGuardTimeout,
		"SESSION_GUARD_TIMEOUT": c.SessionGuardTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.OutboxMaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1, got %d", c.OutboxMaxAttempts)
	}
	if c.OutboxQueueSize < 1 {
		return fmt.Errorf("OUTBOX_QUEUE_SIZE must be at least 1, got %d", c.OutboxQueueSize)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
