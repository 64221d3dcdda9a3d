package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/custody?sslmode=disable")
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("TOKEN_CONTRACT", "0xdAC17F958D2ee523a2206206994597C13D831ec7")
}

func TestNewConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 20, cfg.TxWindow)
	assert.Equal(t, int32(6), cfg.TokenDecimals)
	assert.Equal(t, uint64(0), cfg.MinConfirmations)
	assert.True(t, cfg.DepositMin.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, "m/44'/60'/0'/0", cfg.DerivationPath)
}

func TestNewConfigOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("EXCHANGE_RATE", "130")
	t.Setenv("POLL_INTERVAL", "5s")
	t.Setenv("MIN_CONFIRMATIONS", "12")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.True(t, cfg.ExchangeRate.Equal(decimal.NewFromInt(130)))
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, uint64(12), cfg.MinConfirmations)
}

func TestNewConfigMissingRequired(t *testing.T) {
	t.Setenv("DB_URL", "")
	t.Setenv("RPC_URL", "")
	t.Setenv("TOKEN_CONTRACT", "")

	_, err := NewConfig()
	require.Error(t, err)
}

func TestValidateRejectsInvertedBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("DEPOSIT_MIN", "10")
	t.Setenv("DEPOSIT_MAX", "1")

	_, err := NewConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid deposit bounds")
}

func TestValidateRejectsZeroRate(t *testing.T) {
	setRequired(t)
	t.Setenv("EXCHANGE_RATE", "0")

	_, err := NewConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXCHANGE_RATE")
}
