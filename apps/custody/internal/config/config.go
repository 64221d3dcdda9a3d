package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DbURL         string `env:"DB_URL,required,notEmpty"`
	RpcURL        string `env:"RPC_URL,required,notEmpty"`
	ChainID       int64  `env:"CHAIN_ID" envDefault:"1"`
	TokenContract string `env:"TOKEN_CONTRACT,required,notEmpty"`
	TokenSymbol   string `env:"TOKEN_SYMBOL" envDefault:"USDT"`
	TokenDecimals int32  `env:"TOKEN_DECIMALS" envDefault:"6"`

	// Master secret for address derivation. Validated by hdwallet at startup.
	MasterMnemonic   string `env:"MASTER_MNEMONIC"`
	MasterPassphrase string `env:"MASTER_PASSPHRASE"`
	DerivationPath   string `env:"DERIVATION_PATH" envDefault:"m/44'/60'/0'/0"`

	// Consolidation target for sweeps. Defaults to the master address (index 0) when empty.
	ConsolidationAddress string `env:"CONSOLIDATION_ADDRESS"`

	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"50"`
	TxWindow         int           `env:"TX_WINDOW" envDefault:"20"`
	PollConcurrency  int           `env:"POLL_CONCURRENCY" envDefault:"8"`
	AddressTimeout   time.Duration `env:"ADDRESS_TIMEOUT" envDefault:"15s"`
	MinConfirmations uint64        `env:"MIN_CONFIRMATIONS" envDefault:"0"`
	LogBlockRange    uint64        `env:"LOG_BLOCK_RANGE" envDefault:"5000"`

	DepositMin decimal.Decimal `env:"DEPOSIT_MIN" envDefault:"0.1"`
	DepositMax decimal.Decimal `env:"DEPOSIT_MAX" envDefault:"100000"`

	SweepMinAmount decimal.Decimal `env:"SWEEP_MIN_AMOUNT" envDefault:"10"`
	GasFloor       decimal.Decimal `env:"GAS_FLOOR" envDefault:"0.002"`
	SweepDelay     time.Duration   `env:"SWEEP_DELAY" envDefault:"2s"`
	SweepSchedule  string          `env:"SWEEP_SCHEDULE"`

	ExchangeRate decimal.Decimal `env:"EXCHANGE_RATE" envDefault:"1"`
	RateRedisKey string          `env:"RATE_REDIS_KEY" envDefault:"custody:exchange_rate"`

	// Withdrawal bounds are in ledger units.
	WithdrawMin decimal.Decimal `env:"WITHDRAW_MIN" envDefault:"10"`
	WithdrawMax decimal.Decimal `env:"WITHDRAW_MAX" envDefault:"100000"`

	KafkaBroker          string `env:"KAFKA_BROKER"`
	KafkaEventsTopic     string `env:"KAFKA_EVENTS_TOPIC" envDefault:"custody.ledger-events"`
	KafkaWithdrawalTopic string `env:"KAFKA_WITHDRAWAL_TOPIC" envDefault:"custody.withdrawal-requests"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	ExplorerURL    string `env:"EXPLORER_URL"`
	ExplorerAPIKey string `env:"EXPLORER_API_KEY"`

	SentryDSN   string `env:"SENTRY_DSN"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	APIPort     int    `env:"API_PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding string `env:"LOG_ENCODING" envDefault:"json"`
}

// NewConfig loads configuration from the environment, reading a .env file first when one exists.
func NewConfig() (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the relationships between options that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be positive"))
	}
	if c.TxWindow <= 0 {
		errs = append(errs, errors.New("TX_WINDOW must be positive"))
	}
	if c.PollConcurrency <= 0 {
		errs = append(errs, errors.New("POLL_CONCURRENCY must be positive"))
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		errs = append(errs, fmt.Errorf("TOKEN_DECIMALS out of range: %d", c.TokenDecimals))
	}
	if c.DepositMin.IsNegative() || c.DepositMax.LessThan(c.DepositMin) {
		errs = append(errs, fmt.Errorf("invalid deposit bounds [%s, %s]", c.DepositMin, c.DepositMax))
	}
	if c.WithdrawMin.IsNegative() || c.WithdrawMax.LessThan(c.WithdrawMin) {
		errs = append(errs, fmt.Errorf("invalid withdrawal bounds [%s, %s]", c.WithdrawMin, c.WithdrawMax))
	}
	if !c.ExchangeRate.IsPositive() {
		errs = append(errs, errors.New("EXCHANGE_RATE must be positive"))
	}
	if c.GasFloor.IsNegative() {
		errs = append(errs, errors.New("GAS_FLOOR must not be negative"))
	}

	return errors.Join(errs...)
}
