// Package chain wraps the blockchain provider behind Gateway so the ledger logic can
// be tested without a network.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound means the provider has no data for the request yet. It is not a failure.
	ErrNotFound              = errors.New("transfer not found")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrInsufficientGas       = errors.New("insufficient native balance for gas")
	ErrInsufficientLiquidity = errors.New("insufficient token balance")
	ErrRecipientMismatch     = errors.New("transaction does not pay the address")
)

// Transfer is one inbound token transfer. Amount is in token units.
type Transfer struct {
	TxHash         string
	From           string
	To             string
	Amount         decimal.Decimal
	BlockNumber    uint64
	BlockTimestamp time.Time
	Confirmations  uint64
}

type Gateway interface {
	// ListIncomingTransfers returns up to limit of the most recent transfers into
	// address, oldest first. Malformed provider data yields no transfers.
	ListIncomingTransfers(ctx context.Context, address string, limit int) ([]Transfer, error)
	TokenBalance(ctx context.Context, address string) (decimal.Decimal, error)
	NativeBalance(ctx context.Context, address string) (decimal.Decimal, error)
	SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, from, to string, amount decimal.Decimal) (string, error)
	// GetTransferByHash returns the amount txHash pays to, summed across its logs.
	GetTransferByHash(ctx context.Context, txHash, to string) (*Transfer, error)
}

// TransferLister is the part of Gateway an indexer API can serve.
type TransferLister interface {
	ListIncomingTransfers(ctx context.Context, address string, limit int) ([]Transfer, error)
}
