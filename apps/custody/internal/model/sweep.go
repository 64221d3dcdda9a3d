package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SweepStatus string

const (
	SweepNeedsGas  SweepStatus = "needs_gas"
	SweepSubmitted SweepStatus = "submitted"
	SweepConfirmed SweepStatus = "confirmed"
	SweepFailed    SweepStatus = "failed"
)

type Sweep struct {
	ID            int64           `db:"id"`
	AccountID     int64           `db:"account_id"`
	FromAddress   string          `db:"from_address"`
	ToAddress     string          `db:"to_address"`
	TokenAmount   decimal.Decimal `db:"token_amount"`
	TxHash        string          `db:"tx_hash"`
	Status        SweepStatus     `db:"status"`
	FailureReason string          `db:"failure_reason"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}
