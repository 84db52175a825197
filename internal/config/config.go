package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config carries every tunable of the clearing engine. Values come from
// config.yaml when present, overridden by INTERCLEAR_* environment
// variables. Defaults are production-shaped.
type Config struct {
	Port         string `mapstructure:"port"`
	Environment  string `mapstructure:"environment"`
	DatabasePath string `mapstructure:"database_path"`
	JWTSecret    string `mapstructure:"jwt_secret"`

	// Clearing window cadence.
	WindowDuration time.Duration `mapstructure:"window_duration"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`

	// Settlement pipeline.
	ConfirmTimeout            time.Duration `mapstructure:"confirm_timeout"`
	CrossBorderConfirmTimeout time.Duration `mapstructure:"cross_border_confirm_timeout"`
	ConfirmPollInterval       time.Duration `mapstructure:"confirm_poll_interval"`
	MaxInstructionAmount      string        `mapstructure:"max_instruction_amount"`

	// Atomic operation rollback budget.
	RollbackMaxRetries int           `mapstructure:"rollback_max_retries"`
	RollbackBackoff    time.Duration `mapstructure:"rollback_backoff"`

	// Fund locks.
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	LockSweepInterval time.Duration `mapstructure:"lock_sweep_interval"`

	// Checkpoint retention.
	CheckpointRetention time.Duration `mapstructure:"checkpoint_retention"`

	// Reconciliation.
	ReconciliationInterval  time.Duration `mapstructure:"reconciliation_interval"`
	ReconciliationTolerance string        `mapstructure:"reconciliation_tolerance"`

	// Event bus.
	KafkaEnabled bool     `mapstructure:"kafka_enabled"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("database_path", "interclear.db")
	v.SetDefault("jwt_secret", "interclear-secret-key")
	v.SetDefault("window_duration", 6*time.Hour)
	v.SetDefault("grace_period", 30*time.Second)
	v.SetDefault("confirm_timeout", 30*time.Second)
	v.SetDefault("cross_border_confirm_timeout", 5*time.Minute)
	v.SetDefault("confirm_poll_interval", time.Second)
	v.SetDefault("max_instruction_amount", "10000000")
	v.SetDefault("rollback_max_retries", 3)
	v.SetDefault("rollback_backoff", 500*time.Millisecond)
	v.SetDefault("lock_ttl", 15*time.Minute)
	v.SetDefault("lock_sweep_interval", time.Minute)
	v.SetDefault("checkpoint_retention", 30*24*time.Hour)
	v.SetDefault("reconciliation_interval", 6*time.Hour)
	v.SetDefault("reconciliation_tolerance", "0.01")
	v.SetDefault("kafka_enabled", false)
	v.SetDefault("kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("kafka_topic", "interclear.events")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/interclear")

	v.SetEnvPrefix("INTERCLEAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MaxInstruction returns the per-instruction settlement cap.
func (c *Config) MaxInstruction() decimal.Decimal {
	d, err := decimal.NewFromString(c.MaxInstructionAmount)
	if err != nil || d.Sign() <= 0 {
		return decimal.NewFromInt(10_000_000)
	}
	return d
}

// Tolerance returns the reconciliation discrepancy tolerance.
func (c *Config) Tolerance() decimal.Decimal {
	d, err := decimal.NewFromString(c.ReconciliationTolerance)
	if err != nil || d.Sign() < 0 {
		return decimal.RequireFromString("0.01")
	}
	return d
}
