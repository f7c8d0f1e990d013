package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// DefaultPath is consulted when no explicit config path is given.
var DefaultPath = filepath.Join("config", "relayd.yaml")

// Config is the complete relayd configuration. Values come from the YAML file
// first and are then overridden by any environment variable that is set.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Database    DatabaseConfig       `yaml:"database"`
	Redis       RedisConfig          `yaml:"redis"`
	Logging     logger.LoggingConfig `yaml:"logging"`
	Auth        AuthConfig           `yaml:"auth"`
	Optimizer   OptimizerConfig      `yaml:"optimizer"`
	Lifecycle   LifecycleConfig      `yaml:"lifecycle"`
	Retention   RetentionConfig      `yaml:"retention"`
	Compression CompressionConfig    `yaml:"compression"`
}

type ServerConfig struct {
	Address         string        `yaml:"address" env:"RELAY_HTTP_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"RELAY_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"RELAY_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"RELAY_SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"RELAY_CORS_ORIGINS"`
	RateLimitRPS    int           `yaml:"rate_limit_rps" env:"RELAY_RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RELAY_RATE_LIMIT_BURST"`
	AuditLogPath    string        `yaml:"audit_log_path" env:"RELAY_AUDIT_LOG"`
	EventBufferSize int           `yaml:"event_buffer_size" env:"RELAY_EVENT_BUFFER"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool          `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

type RedisConfig struct {
	Addr         string `yaml:"addr" env:"REDIS_ADDR"`
	Password     string `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int    `yaml:"db" env:"REDIS_DB"`
	StreamPrefix string `yaml:"stream_prefix" env:"REDIS_STREAM_PREFIX"`
	StreamMaxLen int64  `yaml:"stream_max_len" env:"REDIS_STREAM_MAX_LEN"`
}

// AuthConfig holds the JWT verification key and the role allowlists. Lists
// given through the environment are separated by semicolons.
type AuthConfig struct {
	JWTPublicKeyPath string   `yaml:"jwt_public_key_path" env:"RELAY_JWT_PUBLIC_KEY"`
	Admins           []string `yaml:"admins" env:"RELAY_ADMIN_IDS"`
	Relayers         []string `yaml:"relayers" env:"RELAY_RELAYER_IDS"`
	Operators        []string `yaml:"operators" env:"RELAY_OPERATOR_IDS"`
}

type OptimizerConfig struct {
	SideChannelThreshold    uint64           `yaml:"side_channel_threshold" env:"RELAY_SIDE_CHANNEL_THRESHOLD"`
	EfficiencyBps           uint64           `yaml:"efficiency_bps" env:"RELAY_EFFICIENCY_BPS"`
	InlineBaseFee           uint64           `yaml:"inline_base_fee"`
	InlineFeePerByte        uint64           `yaml:"inline_fee_per_byte"`
	SideChannelBaseFee      uint64           `yaml:"side_channel_base_fee"`
	SideChannelFeePerByte   uint64           `yaml:"side_channel_fee_per_byte"`
	GasPriceWei             uint64           `yaml:"gas_price_wei" env:"RELAY_GAS_PRICE_WEI"`
	FastConfirmationSeconds uint64           `yaml:"fast_confirmation_seconds"`
	MaxSpeedBps             uint64           `yaml:"max_speed_bps"`
	FamilyMultiplierBps     map[string]int64 `yaml:"family_multiplier_bps"`
}

type LifecycleConfig struct {
	MaxBatchSize int `yaml:"max_batch_size" env:"RELAY_MAX_BATCH_SIZE"`
}

// RetentionConfig controls payload compaction of confirmed messages. A zero
// ConfirmedAfter disables the sweep.
type RetentionConfig struct {
	Schedule       string        `yaml:"schedule" env:"RELAY_RETENTION_SCHEDULE"`
	ConfirmedAfter time.Duration `yaml:"confirmed_after" env:"RELAY_RETENTION_AFTER"`
	BatchSize      int           `yaml:"batch_size" env:"RELAY_RETENTION_BATCH"`
}

type CompressionConfig struct {
	MaxDecodedBytes uint64 `yaml:"max_decoded_bytes" env:"RELAY_MAX_DECODED_BYTES"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
			EventBufferSize: 1000,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			StreamPrefix: "relay:domain:",
			StreamMaxLen: 100000,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Optimizer: OptimizerConfig{
			SideChannelThreshold:    131072,
			EfficiencyBps:           10000,
			InlineBaseFee:           21000,
			InlineFeePerByte:        16,
			SideChannelBaseFee:      131072,
			SideChannelFeePerByte:   1,
			GasPriceWei:             1_000_000_000,
			FastConfirmationSeconds: 60,
			MaxSpeedBps:             30000,
			FamilyMultiplierBps: map[string]int64{
				"optimistic_rollup": 10000,
				"zk_rollup":         12000,
				"validium":          9000,
				"app_chain":         11000,
			},
		},
		Lifecycle: LifecycleConfig{MaxBatchSize: 100},
		Retention: RetentionConfig{Schedule: "@every 1h", BatchSize: 500},
		Compression: CompressionConfig{
			MaxDecodedBytes: 16 << 20,
		},
	}
}

// Load reads .env (when present), the YAML file at DefaultPath or
// RELAY_CONFIG, and environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()
	path := strings.TrimSpace(os.Getenv("RELAY_CONFIG"))
	if path == "" {
		path = DefaultPath
	}
	return LoadFromPath(path)
}

// LoadFromPath is Load with an explicit file. A missing file is not an error;
// defaults and the environment still apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Optimizer.EfficiencyBps == 0 {
		return fmt.Errorf("optimizer.efficiency_bps must be positive")
	}
	if c.Lifecycle.MaxBatchSize <= 0 {
		return fmt.Errorf("lifecycle.max_batch_size must be positive")
	}
	return nil
}
