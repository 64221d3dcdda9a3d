package events

import (
	"encoding/json"
	"time"

	"custody/apps/custody/internal/money"
)

const (
	DepositCredited     = "deposit.credited"
	DepositRejected     = "deposit.rejected"
	DepositFailed       = "deposit.failed"
	WithdrawalCompleted = "withdrawal.completed"
	WithdrawalFailed    = "withdrawal.failed"
	SweepSubmitted      = "sweep.submitted"
	SweepNeedsGas       = "sweep.needs_gas"
)

// LedgerEvent is the envelope published to Kafka for every outbox row.
type LedgerEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	AccountID   int64           `json:"account_id"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
	PublishedAt time.Time       `json:"published_at"`
}

type DepositPayload struct {
	DepositID    int64       `json:"deposit_id"`
	TxHash       string      `json:"tx_hash"`
	FromAddress  string      `json:"from_address"`
	ToAddress    string      `json:"to_address"`
	TokenAmount  string      `json:"token_amount"`
	Rate         string      `json:"rate"`
	LedgerAmount money.Minor `json:"ledger_amount"`
	BalanceAfter money.Minor `json:"balance_after,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

type WithdrawalPayload struct {
	WithdrawalID int64       `json:"withdrawal_id"`
	RequestID    string      `json:"request_id"`
	ToAddress    string      `json:"to_address"`
	LedgerAmount money.Minor `json:"ledger_amount"`
	TokenAmount  string      `json:"token_amount"`
	TxHash       string      `json:"tx_hash,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	BalanceAfter money.Minor `json:"balance_after,omitempty"`
}

type SweepPayload struct {
	SweepID     int64  `json:"sweep_id"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	TokenAmount string `json:"token_amount"`
	TxHash      string `json:"tx_hash,omitempty"`
}

// WithdrawalRequest is consumed from the withdrawal intake topic. Amount is in ledger units.
type WithdrawalRequest struct {
	RequestID string `json:"request_id"`
	AccountID int64  `json:"account_id"`
	ToAddress string `json:"to_address"`
	Amount    string `json:"amount"`
}
