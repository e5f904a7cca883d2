package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

type Config struct {
	DBSource string `yaml:"db_source"`
	Port     string `yaml:"port"`
	Env      string `yaml:"environment"`

	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
	Settlement SettlementConfig `yaml:"settlement"`
	Payout     PayoutConfig     `yaml:"payout"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver    string `yaml:"driver"`
	BadgerDir string `yaml:"badger_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json|console
}

// SettlementConfig carries the server signing identity and history paging.
type SettlementConfig struct {
	HistoryPageSize  int    `yaml:"history_page_size"`
	ServerPrivateKey string `yaml:"server_private_key"`
	ServerKeyNumber  uint32 `yaml:"server_key_number"`
	ServerAlgorithm  uint8  `yaml:"server_pki_algorithm"`
}

type PayoutConfig struct {
	Fee      string `yaml:"fee"`
	Schedule string `yaml:"schedule"`
	Network  string `yaml:"bitcoin_network"`
	RPCHost  string `yaml:"btcd_rpc_host"`
	RPCUser  string `yaml:"btcd_rpc_user"`
	RPCPass  string `yaml:"btcd_rpc_pass"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"rps"`
	Burst             int `yaml:"burst"`
}

// Defaults returns the configuration used when neither file nor environment says otherwise.
func Defaults() *Config {
	return &Config{
		Port: "8080",
		Env:  "development",
		HTTP: HTTPConfig{
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store:   StoreConfig{Driver: DriverPostgres, BadgerDir: "data/ledger"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Settlement: SettlementConfig{
			HistoryPageSize: 20,
			ServerKeyNumber: 1,
			ServerAlgorithm: 1,
		},
		Payout: PayoutConfig{
			Fee:      "0.0001",
			Schedule: "0 * * * *",
			Network:  "mainnet",
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
	}
}

// Load reads .env (if present), then an optional YAML file named by CONFIG_FILE,
// then environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.DBSource, "DB_SOURCE")
	setString(&cfg.Port, "SERVER_PORT")
	setString(&cfg.Env, "ENVIRONMENT")

	setString(&cfg.Store.Driver, "STORE_DRIVER")
	setString(&cfg.Store.BadgerDir, "BADGER_DIR")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	setString(&cfg.Settlement.ServerPrivateKey, "SERVER_PRIVATE_KEY")
	if err := setInt(&cfg.Settlement.HistoryPageSize, "HISTORY_PAGE_SIZE"); err != nil {
		return err
	}
	if v := os.Getenv("SERVER_KEY_NUMBER"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid SERVER_KEY_NUMBER: %w", err)
		}
		cfg.Settlement.ServerKeyNumber = uint32(n)
	}
	if v := os.Getenv("SERVER_PKI_ALGORITHM"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PKI_ALGORITHM: %w", err)
		}
		cfg.Settlement.ServerAlgorithm = uint8(n)
	}

	setString(&cfg.Payout.Fee, "PAYOUT_FEE")
	setString(&cfg.Payout.Schedule, "PAYOUT_SCHEDULE")
	setString(&cfg.Payout.Network, "BITCOIN_NETWORK")
	setString(&cfg.Payout.RPCHost, "BTCD_RPC_HOST")
	setString(&cfg.Payout.RPCUser, "BTCD_RPC_USER")
	setString(&cfg.Payout.RPCPass, "BTCD_RPC_PASS")

	if err := setInt(&cfg.RateLimit.RequestsPerSecond, "RATE_LIMIT_RPS"); err != nil {
		return err
	}
	if err := setInt(&cfg.RateLimit.Burst, "RATE_LIMIT_BURST"); err != nil {
		return err
	}

	for key, dst := range map[string]*time.Duration{
		"SERVER_READ_TIMEOUT":     &cfg.HTTP.ReadTimeout,
		"SERVER_WRITE_TIMEOUT":    &cfg.HTTP.WriteTimeout,
		"SERVER_SHUTDOWN_TIMEOUT": &cfg.HTTP.ShutdownTimeout,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks cross-field constraints after all sources have been merged.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverBadger:
		if c.Store.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required for the badger store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid SERVER_PORT %q", c.Port)
	}
	if c.Settlement.HistoryPageSize <= 0 {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be positive, got %d", c.Settlement.HistoryPageSize)
	}
	fee, err := c.PayoutFee()
	if err != nil {
		return err
	}
	if fee.IsNegative() {
		return fmt.Errorf("PAYOUT_FEE must not be negative, got %s", fee)
	}
	return nil
}

// PayoutFee parses the flat fee subtracted from every payout.
func (c *Config) PayoutFee() (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(c.Payout.Fee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid PAYOUT_FEE %q: %w", c.Payout.Fee, err)
	}
	return fee, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}
