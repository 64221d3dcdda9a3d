package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"custody/apps/custody/internal/events"
	"custody/apps/custody/internal/model"
)

const sweepColumns = `id, account_id, from_address, to_address, token_amount, tx_hash, status, failure_reason, created_at, updated_at`

type SweepRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSweepRepository(db *sql.DB, logger *zap.Logger) *SweepRepository {
	return &SweepRepository{db: db, logger: logger}
}

func (r *SweepRepository) CreateSweep(ctx context.Context, s model.Sweep) (*model.Sweep, error) {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO sweeps (account_id, from_address, to_address, token_amount, tx_hash, status, failure_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`, s.AccountID, s.FromAddress, s.ToAddress, s.TokenAmount, s.TxHash, s.Status, s.FailureReason).
			Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert sweep: %w", err)
		}

		var eventType string
		switch s.Status {
		case model.SweepSubmitted:
			eventType = events.SweepSubmitted
		case model.SweepNeedsGas:
			eventType = events.SweepNeedsGas
		default:
			return nil
		}
		return insertOutboxEvent(ctx, tx, eventType, fmt.Sprintf("sweep-%d", s.ID), s.AccountID, events.SweepPayload{
			SweepID:     s.ID,
			FromAddress: s.FromAddress,
			ToAddress:   s.ToAddress,
			TokenAmount: s.TokenAmount.String(),
			TxHash:      s.TxHash,
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Recorded sweep",
		zap.Int64("sweep_id", s.ID),
		zap.Int64("account_id", s.AccountID),
		zap.String("status", string(s.Status)),
		zap.String("tx_hash", s.TxHash))
	return &s, nil
}

// UpdateSweepStatus moves a submitted sweep to its final status.
func (r *SweepRepository) UpdateSweepStatus(ctx context.Context, id int64, status model.SweepStatus, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sweeps
		SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'submitted'
	`, id, status, reason)
	if err != nil {
		return fmt.Errorf("failed to update sweep %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *SweepRepository) ListSweepsByStatus(ctx context.Context, status model.SweepStatus, limit int) ([]model.Sweep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sweepColumns+`
		FROM sweeps
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweeps: %w", err)
	}
	defer rows.Close()

	var sweeps []model.Sweep
	for rows.Next() {
		var s model.Sweep
		if err := rows.Scan(&s.ID, &s.AccountID, &s.FromAddress, &s.ToAddress, &s.TokenAmount, &s.TxHash,
			&s.Status, &s.FailureReason, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sweep: %w", err)
		}
		sweeps = append(sweeps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sweeps: %w", err)
	}
	return sweeps, nil
}
