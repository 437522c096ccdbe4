// Package config loads application settings and the brokerage policy
// thresholds the rule sets read.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Logging    Logging    `yaml:"logging"`
	Storage    Storage    `yaml:"storage"`
	Processing Processing `yaml:"processing"`
	Company    Company    `yaml:"company"`
	Stock      Stock      `yaml:"stock"`
	Cash       Cash       `yaml:"cash"`
}

// Logging configures the zerolog logger.
type Logging struct {
	Level  string `yaml:"level" env:"INVESTED_LOG_LEVEL"`
	Format string `yaml:"format" env:"INVESTED_LOG_FORMAT"`
}

// Storage selects the ledger backend.
type Storage struct {
	Driver      string `yaml:"driver" env:"INVESTED_STORAGE_DRIVER"`
	SQLitePath  string `yaml:"sqlite_path" env:"INVESTED_SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"INVESTED_POSTGRES_DSN"`
}

// Processing bounds the lifecycle loop and batch concurrency.
type Processing struct {
	MaxIterations int `yaml:"max_iterations" env:"INVESTED_MAX_ITERATIONS"`
	Workers       int `yaml:"workers" env:"INVESTED_WORKERS"`
}

// Company identifies the brokerage's own portfolio. A nil id lets the
// service create one on startup.
type Company struct {
	MasterPortfolioID uuid.UUID `yaml:"master_portfolio_id" env:"INVESTED_MASTER_PORTFOLIO_ID"`
}

// Stock holds the order approval thresholds.
type Stock struct {
	InternalValueThreshold      decimal.Decimal `yaml:"internal_value_threshold" env:"INVESTED_STOCK_INTERNAL_VALUE_THRESHOLD"`
	InternalProportionThreshold decimal.Decimal `yaml:"internal_proportion_threshold" env:"INVESTED_STOCK_INTERNAL_PROPORTION_THRESHOLD"`
	ExternalValueThreshold      decimal.Decimal `yaml:"external_value_threshold" env:"INVESTED_STOCK_EXTERNAL_VALUE_THRESHOLD"`
	ExternalProportionThreshold decimal.Decimal `yaml:"external_proportion_threshold" env:"INVESTED_STOCK_EXTERNAL_PROPORTION_THRESHOLD"`
	// ExternalOutstandingShares stands in for a market data feed when sizing
	// external orders against the float.
	ExternalOutstandingShares int64 `yaml:"external_outstanding_shares" env:"INVESTED_STOCK_EXTERNAL_OUTSTANDING_SHARES"`
}

// Cash holds the client deposit and withdrawal limits.
type Cash struct {
	ClientOneDepositMin        decimal.Decimal `yaml:"client_one_deposit_min" env:"INVESTED_CASH_CLIENT_ONE_DEPOSIT_MIN"`
	ClientOneDepositMax        decimal.Decimal `yaml:"client_one_deposit_max" env:"INVESTED_CASH_CLIENT_ONE_DEPOSIT_MAX"`
	ClientTotalDepositMin      decimal.Decimal `yaml:"client_total_deposit_min" env:"INVESTED_CASH_CLIENT_TOTAL_DEPOSIT_MIN"`
	ClientTotalDepositMax      decimal.Decimal `yaml:"client_total_deposit_max" env:"INVESTED_CASH_CLIENT_TOTAL_DEPOSIT_MAX"`
	ClientWithdrawalMax        decimal.Decimal `yaml:"client_withdrawal_max" env:"INVESTED_CASH_CLIENT_WITHDRAWAL_MAX"`
	ClientWithdrawalTimePeriod time.Duration   `yaml:"client_withdrawal_time_period" env:"INVESTED_CASH_CLIENT_WITHDRAWAL_TIME_PERIOD"`
}

// Policy is the part of the configuration the rule sets consult.
type Policy struct {
	Stock Stock
	Cash  Cash
}

// Policy extracts the rule-set thresholds.
func (c Config) Policy() Policy {
	return Policy{Stock: c.Stock, Cash: c.Cash}
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Logging:    Logging{Level: "info", Format: "console"},
		Storage:    Storage{Driver: "memory", SQLitePath: "invested.db"},
		Processing: Processing{MaxIterations: 50, Workers: 4},
		Stock: Stock{
			InternalValueThreshold:      decimal.NewFromInt(100000),
			InternalProportionThreshold: decimal.RequireFromString("0.1"),
			ExternalValueThreshold:      decimal.NewFromInt(1000000),
			ExternalProportionThreshold: decimal.RequireFromString("0.1"),
			ExternalOutstandingShares:   10000000,
		},
		Cash: Cash{
			ClientOneDepositMin:        decimal.NewFromInt(100),
			ClientOneDepositMax:        decimal.NewFromInt(10000),
			ClientTotalDepositMin:      decimal.NewFromInt(1000),
			ClientTotalDepositMax:      decimal.NewFromInt(1000000),
			ClientWithdrawalMax:        decimal.NewFromInt(10000),
			ClientWithdrawalTimePeriod: 24 * time.Hour,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// INVESTED_* environment overrides and validates the result. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Logging.ParseLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver))
	}
	if c.Processing.MaxIterations < 1 {
		errs = append(errs, errors.New("processing.max_iterations must be positive"))
	}
	if c.Processing.Workers < 1 {
		errs = append(errs, errors.New("processing.workers must be positive"))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the thresholds for internal consistency.
func (p Policy) Validate() error {
	var errs []error
	positive := func(name string, d decimal.Decimal) {
		if !d.IsPositive() {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	proportion := func(name string, d decimal.Decimal) {
		if !d.IsPositive() || d.GreaterThan(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1], got %s", name, d))
		}
	}
	s, c := p.Stock, p.Cash
	positive("stock.internal_value_threshold", s.InternalValueThreshold)
	positive("stock.external_value_threshold", s.ExternalValueThreshold)
	proportion("stock.internal_proportion_threshold", s.InternalProportionThreshold)
	proportion("stock.external_proportion_threshold", s.ExternalProportionThreshold)
	if s.ExternalOutstandingShares < 1 {
		errs = append(errs, errors.New("stock.external_outstanding_shares must be positive"))
	}

	positive("cash.client_one_deposit_min", c.ClientOneDepositMin)
	positive("cash.client_total_deposit_max", c.ClientTotalDepositMax)
	positive("cash.client_withdrawal_max", c.ClientWithdrawalMax)
	if c.ClientOneDepositMin.GreaterThan(c.ClientOneDepositMax) {
		errs = append(errs, fmt.Errorf("cash.client_one_deposit_min %s exceeds client_one_deposit_max %s", c.ClientOneDepositMin, c.ClientOneDepositMax))
	}
	if c.ClientTotalDepositMin.IsNegative() {
		errs = append(errs, errors.New("cash.client_total_deposit_min must not be negative"))
	}
	if c.ClientTotalDepositMin.GreaterThan(c.ClientTotalDepositMax) {
		errs = append(errs, fmt.Errorf("cash.client_total_deposit_min %s exceeds client_total_deposit_max %s", c.ClientTotalDepositMin, c.ClientTotalDepositMax))
	}
	if c.ClientWithdrawalTimePeriod <= 0 {
		errs = append(errs, errors.New("cash.client_withdrawal_time_period must be positive"))
	}
	return errors.Join(errs...)
}
