package model

import (
	"time"

	"github.com/shopspring/decimal"

	"custody/apps/custody/internal/money"
)

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

type Withdrawal struct {
	ID            int64            `db:"id"`
	RequestID     string           `db:"request_id"`
	AccountID     int64            `db:"account_id"`
	ToAddress     string           `db:"to_address"`
	LedgerAmount  money.Minor      `db:"ledger_amount"`
	TokenAmount   decimal.Decimal  `db:"token_amount"`
	Rate          decimal.Decimal  `db:"rate"`
	Status        WithdrawalStatus `db:"status"`
	TxHash        string           `db:"tx_hash"`
	FailureReason string           `db:"failure_reason"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`
}
