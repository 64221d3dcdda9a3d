package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"custody/apps/custody/internal/events"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/money"
)

const depositColumns = `id, account_id, tx_hash, from_address, to_address, token_amount, rate, ledger_amount, status, failure_reason, source, block_timestamp, created_at, verified_at`

// Upserts only replace a deposit that has not reached a terminal status; RETURNING
// yields no row otherwise.
const upsertOpenDeposit = `
	INSERT INTO deposits (account_id, tx_hash, from_address, to_address, token_amount, rate, ledger_amount, status, failure_reason, source, block_timestamp, verified_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	ON CONFLICT (tx_hash) DO UPDATE SET
		account_id = EXCLUDED.account_id,
		from_address = EXCLUDED.from_address,
		to_address = EXCLUDED.to_address,
		token_amount = EXCLUDED.token_amount,
		rate = EXCLUDED.rate,
		ledger_amount = EXCLUDED.ledger_amount,
		status = EXCLUDED.status,
		failure_reason = EXCLUDED.failure_reason,
		block_timestamp = COALESCE(EXCLUDED.block_timestamp, deposits.block_timestamp),
		verified_at = NOW()
	WHERE deposits.status IN ('pending', 'verifying')
	RETURNING ` + depositColumns

func scanDeposit(row rowScanner) (*model.Deposit, error) {
	var d model.Deposit
	err := row.Scan(&d.ID, &d.AccountID, &d.TxHash, &d.FromAddress, &d.ToAddress, &d.TokenAmount, &d.Rate,
		&d.LedgerAmount, &d.Status, &d.FailureReason, &d.Source, &d.BlockTimestamp, &d.CreatedAt, &d.VerifiedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreditResult is the outcome of an applied deposit.
type CreditResult struct {
	Deposit *model.Deposit
	Entry   *model.LedgerEntry
	Balance money.Minor
}

type DepositRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewDepositRepository(db *sql.DB, logger *zap.Logger) *DepositRepository {
	return &DepositRepository{db: db, logger: logger}
}

// CreditDeposit is the single primitive both the poller and manual verification use to
// apply a deposit. Inside one transaction it locks the account, claims the processed
// marker, writes the completed deposit, credits the balance, appends the ledger entry
// and queues the outbox event. A marker that already exists yields ErrAlreadyProcessed
// and nothing is written.
func (r *DepositRepository) CreditDeposit(ctx context.Context, d model.Deposit) (*CreditResult, error) {
	if d.LedgerAmount <= 0 {
		return nil, fmt.Errorf("refusing to credit non-positive amount %s", d.LedgerAmount)
	}

	result := &CreditResult{}
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		acct, err := lockAccount(ctx, tx, d.AccountID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO processed_transactions (tx_hash)
			VALUES ($1)
			ON CONFLICT (tx_hash) DO NOTHING
		`, d.TxHash)
		if err != nil {
			return fmt.Errorf("failed to claim transaction marker: %w", err)
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if claimed == 0 {
			return ErrAlreadyProcessed
		}

		deposit, err := scanDeposit(tx.QueryRowContext(ctx, upsertOpenDeposit,
			d.AccountID, d.TxHash, d.FromAddress, d.ToAddress, d.TokenAmount, d.Rate, d.LedgerAmount,
			model.DepositCompleted, "", d.Source, d.BlockTimestamp))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// a terminal record without a marker, e.g. a rejected transfer
				return ErrAlreadyProcessed
			}
			return fmt.Errorf("failed to write deposit: %w", err)
		}

		description := fmt.Sprintf("deposit %s @ %s", d.TokenAmount.String(), d.Rate.String())
		entry, err := postEntry(ctx, tx, acct, model.EntryDeposit, d.LedgerAmount, d.TxHash, description)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE processed_transactions SET deposit_id = $1 WHERE tx_hash = $2
		`, deposit.ID, d.TxHash); err != nil {
			return fmt.Errorf("failed to bind transaction marker: %w", err)
		}

		if err := insertOutboxEvent(ctx, tx, events.DepositCredited, d.TxHash, acct.ID, events.DepositPayload{
			DepositID:    deposit.ID,
			TxHash:       deposit.TxHash,
			FromAddress:  deposit.FromAddress,
			ToAddress:    deposit.ToAddress,
			TokenAmount:  deposit.TokenAmount.String(),
			Rate:         deposit.Rate.String(),
			LedgerAmount: deposit.LedgerAmount,
			BalanceAfter: entry.BalanceAfter,
		}); err != nil {
			return err
		}

		result.Deposit = deposit
		result.Entry = entry
		result.Balance = acct.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Credited deposit",
		zap.Int64("account_id", d.AccountID),
		zap.String("tx_hash", d.TxHash),
		zap.String("token_amount", d.TokenAmount.String()),
		zap.Stringer("ledger_amount", d.LedgerAmount),
		zap.Stringer("balance", result.Balance),
		zap.String("source", string(d.Source)))
	return result, nil
}

// RejectDeposit records a terminal rejected deposit without touching the balance.
func (r *DepositRepository) RejectDeposit(ctx context.Context, d model.Deposit, reason string) (*model.Deposit, error) {
	return r.closeDeposit(ctx, d, model.DepositRejected, events.DepositRejected, reason)
}

// DiscardVerifying drops accountID's open manual submission of txHash and queues a
// deposit.failed event. Nothing keyed by the hash is left behind, so the account the
// transaction actually pays can still be credited. A row held by another account is
// left alone. The returned record carries the failed status but is not stored.
func (r *DepositRepository) DiscardVerifying(ctx context.Context, accountID int64, txHash, reason string) (*model.Deposit, error) {
	var deposit *model.Deposit

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		deposit, err = scanDeposit(tx.QueryRowContext(ctx, `
			DELETE FROM deposits
			WHERE tx_hash = $1 AND account_id = $2 AND status = 'verifying'
			RETURNING `+depositColumns,
			txHash, accountID))
		if errors.Is(err, sql.ErrNoRows) {
			deposit = &model.Deposit{AccountID: accountID, TxHash: txHash, Source: model.SourceManual}
		} else if err != nil {
			return fmt.Errorf("failed to discard verifying deposit: %w", err)
		}
		deposit.Status = model.DepositFailed
		deposit.FailureReason = reason

		return insertOutboxEvent(ctx, tx, events.DepositFailed, txHash, accountID, events.DepositPayload{
			DepositID: deposit.ID,
			TxHash:    txHash,
			Reason:    reason,
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Discarded manual deposit submission",
		zap.Int64("account_id", accountID),
		zap.String("tx_hash", txHash),
		zap.String("reason", reason))
	return deposit, nil
}

func (r *DepositRepository) closeDeposit(ctx context.Context, d model.Deposit, status model.DepositStatus, eventType, reason string) (*model.Deposit, error) {
	var deposit *model.Deposit

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		deposit, err = scanDeposit(tx.QueryRowContext(ctx, upsertOpenDeposit,
			d.AccountID, d.TxHash, d.FromAddress, d.ToAddress, d.TokenAmount, d.Rate, d.LedgerAmount,
			status, reason, d.Source, d.BlockTimestamp))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrAlreadyProcessed
			}
			return fmt.Errorf("failed to write %s deposit: %w", status, err)
		}

		return insertOutboxEvent(ctx, tx, eventType, d.TxHash, d.AccountID, events.DepositPayload{
			DepositID:    deposit.ID,
			TxHash:       deposit.TxHash,
			FromAddress:  deposit.FromAddress,
			ToAddress:    deposit.ToAddress,
			TokenAmount:  deposit.TokenAmount.String(),
			Rate:         deposit.Rate.String(),
			LedgerAmount: deposit.LedgerAmount,
			Reason:       reason,
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Closed deposit without credit",
		zap.Int64("account_id", d.AccountID),
		zap.String("tx_hash", d.TxHash),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return deposit, nil
}

// MarkVerifying records a manual submission before the chain lookup. An existing open
// record is returned unchanged; a terminal one yields ErrAlreadyProcessed.
func (r *DepositRepository) MarkVerifying(ctx context.Context, accountID int64, txHash string) (*model.Deposit, error) {
	deposit, err := scanDeposit(r.db.QueryRowContext(ctx, `
		INSERT INTO deposits (account_id, tx_hash, status, source)
		VALUES ($1, $2, 'verifying', 'manual')
		ON CONFLICT (tx_hash) DO UPDATE SET status = deposits.status
		WHERE deposits.status IN ('pending', 'verifying')
		RETURNING `+depositColumns,
		accountID, txHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlreadyProcessed
		}
		return nil, fmt.Errorf("failed to mark deposit verifying: %w", err)
	}
	return deposit, nil
}

// ListVerifying returns manual submissions that were interrupted before reaching a
// terminal status, oldest first.
func (r *DepositRepository) ListVerifying(ctx context.Context, limit int) ([]model.Deposit, error) {
	return r.listDeposits(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE status = 'verifying'
		ORDER BY created_at
		LIMIT $1
	`, limit)
}

func (r *DepositRepository) ListDeposits(ctx context.Context, accountID int64, limit int) ([]model.Deposit, error) {
	return r.listDeposits(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
}

func (r *DepositRepository) listDeposits(ctx context.Context, query string, args ...any) ([]model.Deposit, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	defer rows.Close()

	var deposits []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		deposits = append(deposits, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deposits: %w", err)
	}
	return deposits, nil
}

func (r *DepositRepository) GetDepositByTxHash(ctx context.Context, txHash string) (*model.Deposit, error) {
	d, err := scanDeposit(r.db.QueryRowContext(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE tx_hash = $1
	`, txHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get deposit %s: %w", txHash, err)
	}
	return d, nil
}

// IsKnown reports whether txHash must not be applied again: a marker exists or the
// deposit was rejected.
func (r *DepositRepository) IsKnown(ctx context.Context, txHash string) (bool, error) {
	known, err := r.KnownTransactions(ctx, []string{txHash})
	if err != nil {
		return false, err
	}
	_, ok := known[txHash]
	return ok, nil
}

// KnownTransactions is the batch form of IsKnown used by the poller.
func (r *DepositRepository) KnownTransactions(ctx context.Context, txHashes []string) (map[string]struct{}, error) {
	known := make(map[string]struct{}, len(txHashes))
	if len(txHashes) == 0 {
		return known, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT tx_hash FROM processed_transactions WHERE tx_hash = ANY($1)
		UNION
		SELECT tx_hash FROM deposits WHERE tx_hash = ANY($1) AND status IN ('completed', 'rejected')
	`, pq.Array(txHashes))
	if err != nil {
		return nil, fmt.Errorf("failed to look up processed transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan tx hash: %w", err)
		}
		known[hash] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processed transactions: %w", err)
	}

	return known, nil
}
