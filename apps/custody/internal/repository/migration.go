package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// InitMigration creates the ledger schema. Statements are idempotent so it runs on every start.
func InitMigration(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS derivation_counter (
			id INTEGER PRIMARY KEY DEFAULT 1,
			next_index BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMP DEFAULT NOW(),
			CONSTRAINT single_row CHECK (id = 1)
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id BIGSERIAL PRIMARY KEY,
			user_ref VARCHAR(128) NOT NULL UNIQUE,
			balance BIGINT NOT NULL DEFAULT 0,
			address VARCHAR(42) NOT NULL UNIQUE,
			derivation_index BIGINT NOT NULL UNIQUE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT non_negative_balance CHECK (balance >= 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts (id) WHERE active`,
		`CREATE TABLE IF NOT EXISTS deposits (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			tx_hash VARCHAR(66) NOT NULL UNIQUE,
			from_address VARCHAR(42) NOT NULL DEFAULT '',
			to_address VARCHAR(42) NOT NULL DEFAULT '',
			token_amount DECIMAL(78,18) NOT NULL DEFAULT 0,
			rate DECIMAL(38,18) NOT NULL DEFAULT 0,
			ledger_amount BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			source VARCHAR(10) NOT NULL,
			block_timestamp TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			verified_at TIMESTAMP,
			CONSTRAINT deposit_status CHECK (status IN ('pending', 'verifying', 'completed', 'rejected'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deposits_account_created ON deposits (account_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_deposits_verifying ON deposits (created_at) WHERE status = 'verifying'`,
		`CREATE TABLE IF NOT EXISTS processed_transactions (
			tx_hash VARCHAR(66) PRIMARY KEY,
			deposit_id BIGINT REFERENCES deposits(id),
			claimed_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			type VARCHAR(20) NOT NULL,
			amount BIGINT NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			reference_id VARCHAR(100) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT entry_arithmetic CHECK (balance_after = balance_before + amount),
			CONSTRAINT entry_type CHECK (type IN ('deposit', 'withdrawal', 'bet', 'win', 'bonus', 'refund'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries (account_id, id DESC)`,
		`CREATE TABLE IF NOT EXISTS sweeps (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			from_address VARCHAR(42) NOT NULL,
			to_address VARCHAR(42) NOT NULL,
			token_amount DECIMAL(78,18) NOT NULL,
			tx_hash VARCHAR(66) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT sweep_status CHECK (status IN ('needs_gas', 'submitted', 'confirmed', 'failed'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sweeps_status ON sweeps (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS withdrawals (
			id BIGSERIAL PRIMARY KEY,
			request_id VARCHAR(64) NOT NULL UNIQUE,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			to_address VARCHAR(42) NOT NULL,
			ledger_amount BIGINT NOT NULL,
			token_amount DECIMAL(78,18) NOT NULL,
			rate DECIMAL(38,18) NOT NULL,
			status VARCHAR(20) NOT NULL,
			tx_hash VARCHAR(66) NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT positive_withdrawal CHECK (ledger_amount > 0),
			CONSTRAINT withdrawal_status CHECK (status IN ('pending', 'completed', 'failed'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_account ON withdrawals (account_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
			id UUID PRIMARY KEY,
			event_type VARCHAR(40) NOT NULL,
			aggregate_id VARCHAR(100) NOT NULL,
			account_id BIGINT NOT NULL,
			payload JSONB NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_outbox_unsent ON event_outbox (created_at) WHERE status = 'unsent'`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	// Index 0 belongs to the master wallet
	_, err := db.ExecContext(ctx, `
		INSERT INTO derivation_counter (id, next_index)
		VALUES (1, 1)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to seed derivation counter: %w", err)
	}

	return nil
}
