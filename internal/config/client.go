package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig configures the middec CLI.
type ClientConfig struct {
	Server              string        `mapstructure:"MIDDEC_SERVER"`
	TokenFile           string        `mapstructure:"MIDDEC_TOKEN_FILE"`
	SubmitDelay         time.Duration `mapstructure:"SUBMIT_DELAY"`
	FeedGuardTimeout    time.Duration `mapstructure:"FEED_GUARD_TIMEOUT"`
	SessionGuardTimeout time.Duration `mapstructure:"SESSION_GUARD_TIMEOUT"`
	OutboxMaxAttempts   int           `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	OutboxQueueSize     int           `mapstructure:"OUTBOX_QUEUE_SIZE"`
}

func LoadClient() (*ClientConfig, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("MIDDEC_SERVER", "http://localhost:8000")
	v.SetDefault("MIDDEC_TOKEN_FILE", defaultTokenFile())
	setWorkflowDefaults(v)
	v.BindEnv("MIDDEC_SERVER")
	v.BindEnv("MIDDEC_TOKEN_FILE")

	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal client config: %w", err)
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	if cfg.Server == "" {
		return nil, fmt.Errorf("MIDDEC_SERVER must not be empty")
	}
	return cfg, nil
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "middec", "token")
}
