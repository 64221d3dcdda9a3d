package api

import (
	"time"

	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/money"
)

// CreateAccountRequest represents the request body for opening an account
type CreateAccountRequest struct {
	UserRef string `json:"user_ref"`
}

// AccountResponse represents the API response for account information
type AccountResponse struct {
	AccountID       int64       `json:"account_id"`
	UserRef         string      `json:"user_ref"`
	Address         string      `json:"address"`
	DerivationIndex uint32      `json:"derivation_index"`
	Balance         money.Minor `json:"balance"`
	Active          bool        `json:"active"`
	CreatedAt       time.Time   `json:"created_at"`
}

// OnChainBalanceResponse reports what the deposit address currently holds
type OnChainBalanceResponse struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"`
}

// VerifyDepositRequest represents the request body for a manual deposit submission
type VerifyDepositRequest struct {
	AccountID int64  `json:"account_id"`
	TxHash    string `json:"tx_hash"`
}

type DepositResponse struct {
	DepositID      int64       `json:"deposit_id"`
	AccountID      int64       `json:"account_id"`
	TxHash         string      `json:"tx_hash"`
	FromAddress    string      `json:"from_address,omitempty"`
	ToAddress      string      `json:"to_address,omitempty"`
	TokenAmount    string      `json:"token_amount"`
	Rate           string      `json:"rate"`
	LedgerAmount   money.Minor `json:"ledger_amount"`
	Status         string      `json:"status"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	Source         string      `json:"source"`
	BlockTimestamp *time.Time  `json:"block_timestamp,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	VerifiedAt     *time.Time  `json:"verified_at,omitempty"`
}

type LedgerEntryResponse struct {
	EntryID       int64       `json:"entry_id"`
	Type          string      `json:"type"`
	Amount        money.Minor `json:"amount"`
	BalanceBefore money.Minor `json:"balance_before"`
	BalanceAfter  money.Minor `json:"balance_after"`
	ReferenceID   string      `json:"reference_id"`
	Description   string      `json:"description,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// WithdrawalRequest represents the request body for a withdrawal. Amount is in ledger units.
type WithdrawalRequest struct {
	RequestID string `json:"request_id"`
	AccountID int64  `json:"account_id"`
	ToAddress string `json:"to_address"`
	Amount    string `json:"amount"`
}

type WithdrawalResponse struct {
	WithdrawalID  int64       `json:"withdrawal_id"`
	RequestID     string      `json:"request_id"`
	AccountID     int64       `json:"account_id"`
	ToAddress     string      `json:"to_address"`
	LedgerAmount  money.Minor `json:"ledger_amount"`
	TokenAmount   string      `json:"token_amount"`
	Rate          string      `json:"rate"`
	Status        string      `json:"status"`
	TxHash        string      `json:"tx_hash,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// SweepResponse combines the sweep pass with the confirmation pass that follows it
type SweepResponse struct {
	Candidates int `json:"candidates"`
	Submitted  int `json:"submitted"`
	NeedsGas   int `json:"needs_gas"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
	Confirmed  int `json:"confirmed"`
}

// HealthResponse represents the API health check response
type HealthResponse struct {
	Status     string `json:"status"`
	Reconciler string `json:"reconciler"`
	Time       string `json:"time"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func toAccountResponse(a *model.Account) AccountResponse {
	return AccountResponse{
		AccountID:       a.ID,
		UserRef:         a.UserRef,
		Address:         a.Address,
		DerivationIndex: a.DerivationIndex,
		Balance:         a.Balance,
		Active:          a.Active,
		CreatedAt:       a.CreatedAt,
	}
}

func toDepositResponse(d *model.Deposit) DepositResponse {
	resp := DepositResponse{
		DepositID:     d.ID,
		AccountID:     d.AccountID,
		TxHash:        d.TxHash,
		FromAddress:   d.FromAddress,
		ToAddress:     d.ToAddress,
		TokenAmount:   d.TokenAmount.String(),
		Rate:          d.Rate.String(),
		LedgerAmount:  d.LedgerAmount,
		Status:        string(d.Status),
		FailureReason: d.FailureReason,
		Source:        string(d.Source),
		CreatedAt:     d.CreatedAt,
	}
	if d.BlockTimestamp.Valid {
		ts := d.BlockTimestamp.Time
		resp.BlockTimestamp = &ts
	}
	if d.VerifiedAt.Valid {
		ts := d.VerifiedAt.Time
		resp.VerifiedAt = &ts
	}
	return resp
}

func toLedgerEntryResponse(e model.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		EntryID:       e.ID,
		Type:          string(e.Type),
		Amount:        e.Amount,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		ReferenceID:   e.ReferenceID,
		Description:   e.Description,
		CreatedAt:     e.CreatedAt,
	}
}

func toWithdrawalResponse(w *model.Withdrawal) WithdrawalResponse {
	return WithdrawalResponse{
		WithdrawalID:  w.ID,
		RequestID:     w.RequestID,
		AccountID:     w.AccountID,
		ToAddress:     w.ToAddress,
		LedgerAmount:  w.LedgerAmount,
		TokenAmount:   w.TokenAmount.String(),
		Rate:          w.Rate.String(),
		Status:        string(w.Status),
		TxHash:        w.TxHash,
		FailureReason: w.FailureReason,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}
