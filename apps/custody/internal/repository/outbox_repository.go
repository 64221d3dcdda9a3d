package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"custody/apps/custody/internal/model"
)

type OutboxRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOutboxRepository(db *sql.DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

// GetUnsentEventsForProcessing claims up to limit unsent events by moving them to
// 'processing'. SKIP LOCKED keeps concurrent publishers off each other's rows.
func (r *OutboxRepository) GetUnsentEventsForProcessing(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, event_type, aggregate_id, account_id, payload, status, created_at
			FROM event_outbox
			WHERE status = 'unsent'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return fmt.Errorf("failed to select unsent events: %w", err)
		}

		var ids []string
		for rows.Next() {
			var e model.OutboxEvent
			if err := rows.Scan(&e.ID, &e.EventType, &e.AggregateID, &e.AccountID, &e.Payload, &e.Status, &e.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan outbox event: %w", err)
			}
			out = append(out, e)
			ids = append(ids, e.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating outbox events: %w", err)
		}

		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE event_outbox SET status = 'processing' WHERE id = ANY($1)
		`, pq.Array(ids)); err != nil {
			return fmt.Errorf("failed to mark events processing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range out {
		out[i].Status = model.OutboxProcessing
	}
	return out, nil
}

func (r *OutboxRepository) MarkEventAsSent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'sent' WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event %s sent: %w", id, err)
	}
	return nil
}

// MarkEventAsFailed returns the event to 'unsent' for the next publishing round.
func (r *OutboxRepository) MarkEventAsFailed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'unsent' WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to release event %s: %w", id, err)
	}
	return nil
}

// ReleaseProcessingEvents hands back events a previous process claimed but never
// finished. Run once at startup before publishing.
func (r *OutboxRepository) ReleaseProcessingEvents(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'unsent' WHERE status = 'processing'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to release processing events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		r.logger.Info("Released stale outbox events", zap.Int64("count", n))
	}
	return n, nil
}
