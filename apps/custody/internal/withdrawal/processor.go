// Package withdrawal pays out ledger balances from the hot wallet. The account is
// debited before any transfer is attempted and refunded in full if the transfer fails.
package withdrawal

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/hdwallet"
	"custody/apps/custody/internal/metrics"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/money"
	"custody/apps/custody/internal/monitoring"
	"custody/apps/custody/internal/rate"
	"custody/apps/custody/internal/repository"
	"custody/apps/custody/internal/retry"
)

var (
	ErrAmountOutOfBounds = errors.New("withdrawal amount outside accepted bounds")
	ErrTransferFailed    = errors.New("withdrawal transfer failed")
	// ErrRefundPending means the transfer failed but the refund could not be written
	// yet. The account stays debited until a later attempt succeeds.
	ErrRefundPending = errors.New("withdrawal transfer failed, refund pending")
)

type Store interface {
	DebitForWithdrawal(ctx context.Context, w model.Withdrawal) (*model.Withdrawal, error)
	CompleteWithdrawal(ctx context.Context, id int64, txHash string) (*model.Withdrawal, error)
	FailWithdrawal(ctx context.Context, id int64, reason string) (*model.Withdrawal, error)
}

type KeySource interface {
	PrivateKey(index uint32) (*ecdsa.PrivateKey, error)
}

type Config struct {
	// Bounds are in ledger units.
	Min           decimal.Decimal
	Max           decimal.Decimal
	GasFloor      decimal.Decimal
	TokenDecimals int32
	HotWallet     string
	RefundRetry   retry.Config
}

func DefaultRefundRetry() retry.Config {
	return retry.Config{
		MaxRetries:    3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

type Request struct {
	RequestID string
	AccountID int64
	ToAddress string
	Amount    money.Minor
}

type Processor struct {
	cfg     Config
	store   Store
	gateway chain.Gateway
	keys    KeySource
	rates   rate.Source
	logger  *zap.Logger

	// withdrawal id -> send failure, for failed transfers whose refund is not written yet
	unrefunded *xsync.Map[int64, string]
}

func NewProcessor(cfg Config, store Store, gateway chain.Gateway, keys KeySource, rates rate.Source, logger *zap.Logger) *Processor {
	if cfg.RefundRetry.MaxRetries <= 0 {
		cfg.RefundRetry = DefaultRefundRetry()
	}
	return &Processor{
		cfg:        cfg,
		store:      store,
		gateway:    gateway,
		keys:       keys,
		rates:      rates,
		logger:     logger,
		unrefunded: xsync.NewMap[int64, string](),
	}
}

// Process validates and pays out one withdrawal. A request id that was already used
// returns the stored withdrawal with repository.ErrDuplicateRequest and moves nothing.
// When the transfer fails the returned withdrawal is the refunded, failed record and
// the error wraps ErrTransferFailed together with the cause. If the refund cannot be
// written the error wraps ErrRefundPending; submitting the same request id again, or
// the next RetryRefunds pass, completes the refund.
func (p *Processor) Process(ctx context.Context, req Request) (*model.Withdrawal, error) {
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Amount <= 0 || req.Amount.Decimal().LessThan(p.cfg.Min) || req.Amount.Decimal().GreaterThan(p.cfg.Max) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutOfBounds, req.Amount, p.cfg.Min, p.cfg.Max)
	}
	if !common.IsHexAddress(req.ToAddress) {
		return nil, fmt.Errorf("%w: %q", chain.ErrInvalidAddress, req.ToAddress)
	}
	to := common.HexToAddress(req.ToAddress).Hex()

	current, err := p.rates.Rate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange rate: %w", err)
	}
	tokens, err := money.ToToken(req.Amount, current, p.cfg.TokenDecimals)
	if err != nil {
		return nil, err
	}
	if !tokens.IsPositive() {
		return nil, fmt.Errorf("%w: %s converts to zero tokens", ErrAmountOutOfBounds, req.Amount)
	}

	pending, err := p.store.DebitForWithdrawal(ctx, model.Withdrawal{
		RequestID:    req.RequestID,
		AccountID:    req.AccountID,
		ToAddress:    to,
		LedgerAmount: req.Amount,
		TokenAmount:  tokens,
		Rate:         current,
		Status:       model.WithdrawalPending,
	})
	if errors.Is(err, repository.ErrDuplicateRequest) && pending != nil {
		if reason, ok := p.unrefunded.Load(pending.ID); ok && pending.Status == model.WithdrawalPending {
			return p.settleFailure(context.WithoutCancel(ctx), pending, errors.New(reason), p.logger.With(zap.Int64("withdrawal_id", pending.ID)))
		}
	}
	if err != nil {
		return pending, err
	}

	logger := p.logger.With(
		zap.Int64("withdrawal_id", pending.ID),
		zap.String("request_id", pending.RequestID),
		zap.Int64("account_id", pending.AccountID))

	txHash, sendErr := p.send(ctx, to, tokens)

	// The ledger must reflect the transfer outcome even if the caller went away.
	settleCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		p.unrefunded.Store(pending.ID, sendErr.Error())
		return p.settleFailure(settleCtx, pending, sendErr, logger)
	}

	completed, err := p.store.CompleteWithdrawal(settleCtx, pending.ID, txHash)
	if err != nil {
		// the tokens left the hot wallet; leave the record pending for an operator
		monitoring.Error(fmt.Errorf("withdrawal %d sent as %s but not completed: %w", pending.ID, txHash, err))
		logger.Error("Failed to complete withdrawal", zap.String("tx_hash", txHash), zap.Error(err))
		return pending, err
	}
	metrics.Withdrawals.WithLabelValues(string(model.WithdrawalCompleted)).Inc()
	return completed, nil
}

// settleFailure refunds a withdrawal whose transfer was not sent.
func (p *Processor) settleFailure(ctx context.Context, pending *model.Withdrawal, sendErr error, logger *zap.Logger) (*model.Withdrawal, error) {
	var failed *model.Withdrawal
	err := retry.WithBackoff(ctx, p.cfg.RefundRetry, logger, "withdrawal refund", func() error {
		var err error
		failed, err = p.store.FailWithdrawal(ctx, pending.ID, sendErr.Error())
		return err
	})
	if err != nil {
		monitoring.Error(fmt.Errorf("withdrawal %d not refunded: %w", pending.ID, err))
		logger.Error("Failed to refund withdrawal", zap.NamedError("cause", sendErr), zap.Error(err))
		return pending, fmt.Errorf("%w: %w", ErrRefundPending, errors.Join(sendErr, err))
	}

	p.unrefunded.Delete(pending.ID)
	metrics.Withdrawals.WithLabelValues(string(model.WithdrawalFailed)).Inc()
	logger.Warn("Withdrawal failed and was refunded", zap.Error(sendErr))
	return failed, fmt.Errorf("%w: %w", ErrTransferFailed, sendErr)
}

// RetryRefunds makes one attempt at every refund left pending by Process and returns
// how many were written.
func (p *Processor) RetryRefunds(ctx context.Context) int {
	refunded := 0
	p.unrefunded.Range(func(id int64, reason string) bool {
		if ctx.Err() != nil {
			return false
		}
		_, err := p.store.FailWithdrawal(ctx, id, reason)
		switch {
		case err == nil:
			refunded++
			p.unrefunded.Delete(id)
			metrics.Withdrawals.WithLabelValues(string(model.WithdrawalFailed)).Inc()
			p.logger.Info("Refunded withdrawal on retry", zap.Int64("withdrawal_id", id))
		case errors.Is(err, repository.ErrInvalidTransition):
			// settled elsewhere
			p.unrefunded.Delete(id)
		default:
			p.logger.Warn("Refund still failing", zap.Int64("withdrawal_id", id), zap.Error(err))
		}
		return true
	})
	return refunded
}

// RunRefunds calls RetryRefunds every interval until ctx is done.
func (p *Processor) RunRefunds(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RetryRefunds(ctx)
		}
	}
}

// PendingRefunds reports how many failed withdrawals still wait for their refund.
func (p *Processor) PendingRefunds() int {
	return p.unrefunded.Size()
}

func (p *Processor) send(ctx context.Context, to string, tokens decimal.Decimal) (string, error) {
	liquidity, err := p.gateway.TokenBalance(ctx, p.cfg.HotWallet)
	if err != nil {
		return "", fmt.Errorf("failed to read hot wallet balance: %w", err)
	}
	if liquidity.LessThan(tokens) {
		return "", fmt.Errorf("%w: hot wallet holds %s, need %s", chain.ErrInsufficientLiquidity, liquidity, tokens)
	}

	native, err := p.gateway.NativeBalance(ctx, p.cfg.HotWallet)
	if err != nil {
		return "", fmt.Errorf("failed to read hot wallet gas balance: %w", err)
	}
	if native.LessThan(p.cfg.GasFloor) {
		return "", fmt.Errorf("%w: hot wallet holds %s, floor %s", chain.ErrInsufficientGas, native, p.cfg.GasFloor)
	}

	key, err := p.keys.PrivateKey(hdwallet.MasterIndex)
	if err != nil {
		return "", fmt.Errorf("failed to derive hot wallet key: %w", err)
	}
	return p.gateway.SubmitTransfer(ctx, key, p.cfg.HotWallet, to, tokens)
}
