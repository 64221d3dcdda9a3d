package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/money"
)

// Every balance mutation goes through a transaction that holds the account row lock,
// so credits, debits and refunds on one account are linearizable.

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const accountColumns = `id, user_ref, balance, address, derivation_index, active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.ID, &a.UserRef, &a.Balance, &a.Address, &a.DerivationIndex, &a.Active, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func lockAccount(ctx context.Context, tx *sql.Tx, accountID int64) (*model.Account, error) {
	acct, err := scanAccount(tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account %d: %w", accountID, err)
	}
	return acct, nil
}

// postEntry applies amount to a locked account and appends the matching ledger entry.
// A result below zero is refused before anything is written.
func postEntry(ctx context.Context, tx *sql.Tx, acct *model.Account, entryType model.EntryType, amount money.Minor, referenceID, description string) (*model.LedgerEntry, error) {
	entry := &model.LedgerEntry{
		AccountID:     acct.ID,
		Type:          entryType,
		Amount:        amount,
		BalanceBefore: acct.Balance,
		BalanceAfter:  acct.Balance + amount,
		ReferenceID:   referenceID,
		Description:   description,
	}
	if entry.BalanceAfter < 0 {
		return nil, ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $1 WHERE id = $2
	`, entry.BalanceAfter, acct.ID); err != nil {
		return nil, fmt.Errorf("failed to update balance for account %d: %w", acct.ID, err)
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (account_id, type, amount, balance_before, balance_after, reference_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, entry.AccountID, entry.Type, entry.Amount, entry.BalanceBefore, entry.BalanceAfter, entry.ReferenceID, entry.Description).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	acct.Balance = entry.BalanceAfter
	return entry, nil
}

func insertOutboxEvent(ctx context.Context, tx *sql.Tx, eventType, aggregateID string, accountID int64, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_outbox (id, event_type, aggregate_id, account_id, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), eventType, aggregateID, accountID, blob); err != nil {
		return fmt.Errorf("failed to store outbox event: %w", err)
	}
	return nil
}
