package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"custody/apps/custody/internal/events"
	"custody/apps/custody/internal/model"
)

const withdrawalColumns = `id, request_id, account_id, to_address, ledger_amount, token_amount, rate, status, tx_hash, failure_reason, created_at, updated_at`

func scanWithdrawal(row rowScanner) (*model.Withdrawal, error) {
	var w model.Withdrawal
	err := row.Scan(&w.ID, &w.RequestID, &w.AccountID, &w.ToAddress, &w.LedgerAmount, &w.TokenAmount, &w.Rate,
		&w.Status, &w.TxHash, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

type WithdrawalRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewWithdrawalRepository(db *sql.DB, logger *zap.Logger) *WithdrawalRepository {
	return &WithdrawalRepository{db: db, logger: logger}
}

// DebitForWithdrawal debits the account and records a pending withdrawal with its ledger
// entry in one transaction. It must commit before any transfer is attempted.
//
// A request id that was already used returns the stored withdrawal together with
// ErrDuplicateRequest.
func (r *WithdrawalRepository) DebitForWithdrawal(ctx context.Context, w model.Withdrawal) (*model.Withdrawal, error) {
	if w.LedgerAmount <= 0 {
		return nil, fmt.Errorf("refusing to debit non-positive amount %s", w.LedgerAmount)
	}

	var created *model.Withdrawal
	var balance string
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		acct, err := lockAccount(ctx, tx, w.AccountID)
		if err != nil {
			return err
		}

		created, err = scanWithdrawal(tx.QueryRowContext(ctx, `
			INSERT INTO withdrawals (request_id, account_id, to_address, ledger_amount, token_amount, rate, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending')
			ON CONFLICT (request_id) DO NOTHING
			RETURNING `+withdrawalColumns,
			w.RequestID, w.AccountID, w.ToAddress, w.LedgerAmount, w.TokenAmount, w.Rate))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrDuplicateRequest
			}
			return fmt.Errorf("failed to insert withdrawal: %w", err)
		}

		description := fmt.Sprintf("withdrawal of %s tokens to %s", w.TokenAmount.String(), w.ToAddress)
		if _, err := postEntry(ctx, tx, acct, model.EntryWithdrawal, -w.LedgerAmount, w.RequestID, description); err != nil {
			return err
		}
		balance = acct.Balance.String()
		return nil
	})
	if errors.Is(err, ErrDuplicateRequest) {
		existing, getErr := r.GetWithdrawalByRequestID(ctx, w.RequestID)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrDuplicateRequest
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info("Debited account for withdrawal",
		zap.Int64("account_id", created.AccountID),
		zap.Int64("withdrawal_id", created.ID),
		zap.String("request_id", created.RequestID),
		zap.Stringer("ledger_amount", created.LedgerAmount),
		zap.String("balance", balance))
	return created, nil
}

// CompleteWithdrawal attaches the transfer hash to a pending withdrawal.
func (r *WithdrawalRepository) CompleteWithdrawal(ctx context.Context, id int64, txHash string) (*model.Withdrawal, error) {
	var updated *model.Withdrawal
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		updated, err = scanWithdrawal(tx.QueryRowContext(ctx, `
			UPDATE withdrawals
			SET status = 'completed', tx_hash = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
			RETURNING `+withdrawalColumns,
			id, txHash))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalidTransition
			}
			return fmt.Errorf("failed to complete withdrawal %d: %w", id, err)
		}

		return insertOutboxEvent(ctx, tx, events.WithdrawalCompleted, updated.RequestID, updated.AccountID, events.WithdrawalPayload{
			WithdrawalID: updated.ID,
			RequestID:    updated.RequestID,
			ToAddress:    updated.ToAddress,
			LedgerAmount: updated.LedgerAmount,
			TokenAmount:  updated.TokenAmount.String(),
			TxHash:       txHash,
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Completed withdrawal",
		zap.Int64("withdrawal_id", id),
		zap.String("tx_hash", txHash))
	return updated, nil
}

// FailWithdrawal marks a pending withdrawal failed and credits the exact debited amount
// back with a refund entry, all in one transaction.
func (r *WithdrawalRepository) FailWithdrawal(ctx context.Context, id int64, reason string) (*model.Withdrawal, error) {
	var updated *model.Withdrawal
	var refund *model.LedgerEntry
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		updated, err = scanWithdrawal(tx.QueryRowContext(ctx, `
			UPDATE withdrawals
			SET status = 'failed', failure_reason = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
			RETURNING `+withdrawalColumns,
			id, reason))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalidTransition
			}
			return fmt.Errorf("failed to mark withdrawal %d failed: %w", id, err)
		}

		acct, err := lockAccount(ctx, tx, updated.AccountID)
		if err != nil {
			return err
		}

		refund, err = postEntry(ctx, tx, acct, model.EntryRefund, updated.LedgerAmount, updated.RequestID, "refund: "+reason)
		if err != nil {
			return err
		}

		return insertOutboxEvent(ctx, tx, events.WithdrawalFailed, updated.RequestID, updated.AccountID, events.WithdrawalPayload{
			WithdrawalID: updated.ID,
			RequestID:    updated.RequestID,
			ToAddress:    updated.ToAddress,
			LedgerAmount: updated.LedgerAmount,
			TokenAmount:  updated.TokenAmount.String(),
			Reason:       reason,
			BalanceAfter: refund.BalanceAfter,
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Warn("Refunded failed withdrawal",
		zap.Int64("withdrawal_id", id),
		zap.Int64("account_id", updated.AccountID),
		zap.Stringer("ledger_amount", updated.LedgerAmount),
		zap.Stringer("balance", refund.BalanceAfter),
		zap.String("reason", reason))
	return updated, nil
}

func (r *WithdrawalRepository) GetWithdrawal(ctx context.Context, id int64) (*model.Withdrawal, error) {
	w, err := scanWithdrawal(r.db.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get withdrawal %d: %w", id, err)
	}
	return w, nil
}

func (r *WithdrawalRepository) GetWithdrawalByRequestID(ctx context.Context, requestID string) (*model.Withdrawal, error) {
	w, err := scanWithdrawal(r.db.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE request_id = $1
	`, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get withdrawal %s: %w", requestID, err)
	}
	return w, nil
}
