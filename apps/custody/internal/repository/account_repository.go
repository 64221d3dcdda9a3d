package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"custody/apps/custody/internal/model"
)

// AddressDeriver maps a derivation index to its deposit address.
type AddressDeriver interface {
	Address(index uint32) (common.Address, error)
}

type AccountRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAccountRepository(db *sql.DB, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{db: db, logger: logger}
}

// CreateAccount claims the next derivation index, derives its address and inserts the
// account in one transaction. The counter row lock serializes concurrent allocations,
// and a failed insert rolls the claim back.
func (r *AccountRepository) CreateAccount(ctx context.Context, userRef string, deriver AddressDeriver) (*model.Account, error) {
	var acct *model.Account

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var index int64
		if err := tx.QueryRowContext(ctx, `
			UPDATE derivation_counter
			SET next_index = next_index + 1, updated_at = NOW()
			WHERE id = 1
			RETURNING next_index - 1
		`).Scan(&index); err != nil {
			return fmt.Errorf("failed to claim derivation index: %w", err)
		}

		address, err := deriver.Address(uint32(index))
		if err != nil {
			return fmt.Errorf("failed to derive address for index %d: %w", index, err)
		}

		acct, err = scanAccount(tx.QueryRowContext(ctx, `
			INSERT INTO accounts (user_ref, address, derivation_index)
			VALUES ($1, $2, $3)
			RETURNING `+accountColumns+`
		`, userRef, address.Hex(), index))
		if err != nil {
			if isUniqueViolation(err, "accounts_user_ref_key") {
				return ErrDuplicateAccount
			}
			return fmt.Errorf("failed to insert account: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Created account",
		zap.Int64("account_id", acct.ID),
		zap.String("user_ref", acct.UserRef),
		zap.String("address", acct.Address),
		zap.Uint32("derivation_index", acct.DerivationIndex))
	return acct, nil
}

func (r *AccountRepository) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	acct, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	return acct, nil
}

func (r *AccountRepository) GetAccountByAddress(ctx context.Context, address string) (*model.Account, error) {
	acct, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE address = $1
	`, common.HexToAddress(address).Hex()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account by address: %w", err)
	}
	return acct, nil
}

// ListActiveAccounts pages through active accounts by id. Pass the last id of the
// previous page as afterID, or 0 for the first page.
func (r *AccountRepository) ListActiveAccounts(ctx context.Context, afterID int64, limit int) ([]model.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE active AND id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// SetActive toggles polling and sweeping for an account. Accounts are never deleted.
func (r *AccountRepository) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET active = $2 WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update account %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}

	r.logger.Info("Updated account status", zap.Int64("account_id", id), zap.Bool("active", active))
	return nil
}

func (r *AccountRepository) ListLedgerEntries(ctx context.Context, accountID int64, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, type, amount, balance_before, balance_after, reference_id, description, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}
