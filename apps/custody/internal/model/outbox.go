package model

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxUnsent     OutboxStatus = "unsent"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
)

// OutboxEvent is written in the same transaction as the ledger change it describes.
type OutboxEvent struct {
	ID          string          `db:"id"`
	EventType   string          `db:"event_type"`
	AggregateID string          `db:"aggregate_id"`
	AccountID   int64           `db:"account_id"`
	Payload     json.RawMessage `db:"payload"`
	Status      OutboxStatus    `db:"status"`
	CreatedAt   time.Time       `db:"created_at"`
}
