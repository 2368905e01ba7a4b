// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Signer   SignerConfig   `mapstructure:"signer"`
	Points   PointsConfig   `mapstructure:"points"`
	Relay    RelayConfig    `mapstructure:"relay"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// ChainConfig holds the RPC endpoint and EIP-712 domain parameters of the
// verifying contract. The domain fields are part of the wire contract and
// must match the deployed contract exactly.
type ChainConfig struct {
	RPCURL        string        `mapstructure:"rpc_url"`
	ChainID       int64         `mapstructure:"chain_id"`
	Contract      string        `mapstructure:"contract"`
	DomainName    string        `mapstructure:"domain_name"`
	DomainVersion string        `mapstructure:"domain_version"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
}

// SignerConfig holds the custodial signing key material. The key is loaded
// once at startup; a missing or malformed key is fatal there.
type SignerConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// PointsConfig holds point economy configuration. Pack pricing is an
// external input, never hard-coded.
type PointsConfig struct {
	PackCost      int64 `mapstructure:"pack_cost"`
	PromotionCost int64 `mapstructure:"promotion_cost"`
	CutRefund     int64 `mapstructure:"cut_refund"`
}

// RelayConfig holds signature relay configuration.
type RelayConfig struct {
	// DefaultDeadline is applied when a relay request carries no deadline.
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase,
	// e.g. DATABASE_HOST, CHAIN_RPC_URL, SIGNER_PRIVATE_KEY.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file not found is OK - env vars can provide all config.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "arena")
	v.SetDefault("database.name", "arena")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Chain defaults
	v.SetDefault("chain.chain_id", 137)
	v.SetDefault("chain.domain_name", "PlayerArena")
	v.SetDefault("chain.domain_version", "1")
	v.SetDefault("chain.read_timeout", "3s")

	// Points economy defaults
	v.SetDefault("points.pack_cost", 500)
	v.SetDefault("points.promotion_cost", 1000)
	v.SetDefault("points.cut_refund", 100)

	// Relay defaults
	v.SetDefault("relay.default_deadline", "15m")
}
