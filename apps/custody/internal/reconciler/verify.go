package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/metrics"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/repository"
)

// VerifyDeposit applies a single user-submitted transaction. The deposit is recorded as
// verifying before the chain lookup so an interrupted verification is resumed by the
// next polling cycle. When the transaction is not visible yet the record stays
// verifying and ErrTransferNotFound is returned. A submission for a transaction that
// pays another address is discarded, so it never blocks that address's account.
func (r *Reconciler) VerifyDeposit(ctx context.Context, accountID int64, txHash string) (*model.Deposit, error) {
	txHash, err := normalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}

	acct, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, repository.ErrAccountNotFound
	}

	known, err := r.deposits.IsKnown(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if known {
		return nil, repository.ErrAlreadyProcessed
	}

	pending, err := r.deposits.MarkVerifying(ctx, acct.ID, txHash)
	if err != nil {
		return nil, err
	}
	if pending.AccountID != acct.ID {
		// Another account's open submission; the chain decides who is paid and
		// crediting replaces that row.
		pending = &model.Deposit{AccountID: acct.ID, TxHash: txHash, Status: model.DepositVerifying, Source: model.SourceManual}
	}

	return r.resolve(ctx, *acct, pending)
}

func (r *Reconciler) resolve(ctx context.Context, acct model.Account, pending *model.Deposit) (*model.Deposit, error) {
	t, err := r.gateway.GetTransferByHash(ctx, pending.TxHash, acct.Address)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		return pending, ErrTransferNotFound
	case errors.Is(err, chain.ErrRecipientMismatch):
		return r.discard(ctx, acct, pending.TxHash)
	case err != nil:
		return pending, fmt.Errorf("failed to look up transaction: %w", err)
	}

	if !sameAddress(t.To, acct.Address) {
		return r.discard(ctx, acct, pending.TxHash)
	}

	if !r.confirmed(*t) {
		return pending, ErrNotConfirmed
	}

	deposit, result, err := r.apply(ctx, acct, *t, model.SourceManual)
	if err != nil {
		return deposit, err
	}
	if result == outcomeSkipped {
		return nil, repository.ErrAlreadyProcessed
	}
	return deposit, nil
}

func (r *Reconciler) discard(ctx context.Context, acct model.Account, txHash string) (*model.Deposit, error) {
	failed, err := r.deposits.DiscardVerifying(ctx, acct.ID, txHash, "destination mismatch")
	if err != nil {
		return nil, err
	}
	metrics.DepositsRejected.WithLabelValues(string(model.DepositFailed)).Inc()
	return failed, ErrDestinationMismatch
}

// resumeVerifying retries manual submissions left in verifying by an earlier attempt.
func (r *Reconciler) resumeVerifying(ctx context.Context, c *counters) {
	pending, err := r.deposits.ListVerifying(ctx, r.cfg.BatchSize)
	if err != nil {
		c.errors.Add(1)
		r.logger.Error("Failed to list verifying deposits", zap.Error(err))
		return
	}

	for i := range pending {
		d := &pending[i]
		acct, err := r.accounts.GetAccount(ctx, d.AccountID)
		if err != nil || acct == nil {
			c.errors.Add(1)
			r.logger.Error("Failed to load account for verifying deposit",
				zap.Int64("account_id", d.AccountID), zap.String("tx_hash", d.TxHash), zap.Error(err))
			continue
		}

		lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.AddressTimeout)
		deposit, err := r.resolve(lookupCtx, *acct, d)
		cancel()

		switch {
		case err == nil:
			c.resumed.Add(1)
			c.credited.Add(1)
		case errors.Is(err, ErrTransferNotFound), errors.Is(err, ErrNotConfirmed):
			c.skipped.Add(1)
		case errors.Is(err, ErrAmountOutOfBounds), errors.Is(err, ErrDestinationMismatch):
			c.resumed.Add(1)
			c.rejected.Add(1)
		case errors.Is(err, repository.ErrAlreadyProcessed):
			c.skipped.Add(1)
		default:
			c.errors.Add(1)
			r.logger.Warn("Failed to resume verifying deposit",
				zap.Int64("account_id", d.AccountID), zap.String("tx_hash", d.TxHash), zap.Error(err))
			continue
		}

		if deposit != nil && deposit.Status.Terminal() {
			r.logger.Info("Resolved verifying deposit",
				zap.Int64("account_id", d.AccountID),
				zap.String("tx_hash", d.TxHash),
				zap.String("status", string(deposit.Status)))
		}
	}
}

func normalizeTxHash(txHash string) (string, error) {
	txHash = strings.TrimSpace(txHash)
	raw, err := hexutil.Decode(txHash)
	if err != nil || len(raw) != 32 {
		return "", ErrInvalidTxHash
	}
	return hexutil.Encode(raw), nil
}
