package model

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"custody/apps/custody/internal/money"
)

type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositVerifying DepositStatus = "verifying"
	DepositCompleted DepositStatus = "completed"
	DepositRejected  DepositStatus = "rejected"
	// DepositFailed is reported for a manual submission that does not pay the
	// account. It is never stored.
	DepositFailed DepositStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s DepositStatus) Terminal() bool {
	return s == DepositCompleted || s == DepositRejected || s == DepositFailed
}

type DepositSource string

const (
	SourcePoller DepositSource = "poller"
	SourceManual DepositSource = "manual"
)

type Deposit struct {
	ID             int64           `db:"id"`
	AccountID      int64           `db:"account_id"`
	TxHash         string          `db:"tx_hash"`
	FromAddress    string          `db:"from_address"`
	ToAddress      string          `db:"to_address"`
	TokenAmount    decimal.Decimal `db:"token_amount"`
	Rate           decimal.Decimal `db:"rate"`
	LedgerAmount   money.Minor     `db:"ledger_amount"`
	Status         DepositStatus   `db:"status"`
	FailureReason  string          `db:"failure_reason"`
	Source         DepositSource   `db:"source"`
	BlockTimestamp sql.NullTime    `db:"block_timestamp"`
	CreatedAt      time.Time       `db:"created_at"`
	VerifiedAt     sql.NullTime    `db:"verified_at"`
}

// ProcessedTransaction marks a transaction hash as applied to the ledger.
type ProcessedTransaction struct {
	TxHash    string        `db:"tx_hash"`
	DepositID sql.NullInt64 `db:"deposit_id"`
	ClaimedAt time.Time     `db:"claimed_at"`
}
