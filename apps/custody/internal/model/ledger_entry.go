package model

import (
	"time"

	"custody/apps/custody/internal/money"
)

type EntryType string

const (
	EntryDeposit    EntryType = "deposit"
	EntryWithdrawal EntryType = "withdrawal"
	EntryBet        EntryType = "bet"
	EntryWin        EntryType = "win"
	EntryBonus      EntryType = "bonus"
	EntryRefund     EntryType = "refund"
)

// LedgerEntry is append-only. BalanceAfter always equals BalanceBefore + Amount.
type LedgerEntry struct {
	ID            int64       `db:"id"`
	AccountID     int64       `db:"account_id"`
	Type          EntryType   `db:"type"`
	Amount        money.Minor `db:"amount"`
	BalanceBefore money.Minor `db:"balance_before"`
	BalanceAfter  money.Minor `db:"balance_after"`
	ReferenceID   string      `db:"reference_id"`
	Description   string      `db:"description"`
	CreatedAt     time.Time   `db:"created_at"`
}
