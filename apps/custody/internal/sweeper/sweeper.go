// Package sweeper consolidates token balances held on deposit addresses into the
// hot wallet.
package sweeper

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/metrics"
	"custody/apps/custody/internal/model"
)

type AccountStore interface {
	ListActiveAccounts(ctx context.Context, afterID int64, limit int) ([]model.Account, error)
}

type SweepStore interface {
	CreateSweep(ctx context.Context, s model.Sweep) (*model.Sweep, error)
	UpdateSweepStatus(ctx context.Context, id int64, status model.SweepStatus, reason string) error
	ListSweepsByStatus(ctx context.Context, status model.SweepStatus, limit int) ([]model.Sweep, error)
}

type KeySource interface {
	PrivateKey(index uint32) (*ecdsa.PrivateKey, error)
}

type Config struct {
	BatchSize int
	// MinAmount is in token units, GasFloor in native units.
	MinAmount      decimal.Decimal
	GasFloor       decimal.Decimal
	Delay          time.Duration
	Destination    string
	AccountTimeout time.Duration
}

type Report struct {
	Candidates int `json:"candidates"`
	Submitted  int `json:"submitted"`
	NeedsGas   int `json:"needs_gas"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

type Sweeper struct {
	cfg      Config
	accounts AccountStore
	sweeps   SweepStore
	gateway  chain.Gateway
	keys     KeySource
	logger   *zap.Logger
	inFlight *xsync.Map[string, time.Time]
}

func New(cfg Config, accounts AccountStore, sweeps SweepStore, gateway chain.Gateway, keys KeySource, logger *zap.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.AccountTimeout <= 0 {
		cfg.AccountTimeout = 30 * time.Second
	}
	return &Sweeper{
		cfg:      cfg,
		accounts: accounts,
		sweeps:   sweeps,
		gateway:  gateway,
		keys:     keys,
		logger:   logger,
		inFlight: xsync.NewMap[string, time.Time](),
	}
}

// Sweep moves the full token balance of every active address holding at least
// MinAmount to the destination. Addresses whose native balance is below GasFloor are
// recorded as needs_gas and left untouched. A failure on one address never stops the run.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	started := time.Now()
	pace := &pacer{delay: s.cfg.Delay}

	var afterID int64
	for {
		batch, err := s.accounts.ListActiveAccounts(ctx, afterID, s.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to list active accounts: %w", err)
		}

		for _, acct := range batch {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			s.sweepAccount(ctx, acct, pace, &report)
		}

		if len(batch) < s.cfg.BatchSize {
			break
		}
		afterID = batch[len(batch)-1].ID
	}

	s.logger.Info("Sweep complete",
		zap.Int("candidates", report.Candidates),
		zap.Int("submitted", report.Submitted),
		zap.Int("needs_gas", report.NeedsGas),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
		zap.Duration("elapsed", time.Since(started)))
	return report, nil
}

// pacer spaces consecutive transfer submissions within one run.
type pacer struct {
	delay time.Duration
	last  time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	if p.delay > 0 && !p.last.IsZero() {
		if remaining := p.delay - time.Since(p.last); remaining > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(remaining):
			}
		}
	}
	p.last = time.Now()
	return nil
}

// sweepAccount returns the status it recorded, or "" when nothing was recorded.
func (s *Sweeper) sweepAccount(ctx context.Context, acct model.Account, pace *pacer, report *Report) model.SweepStatus {
	if _, loaded := s.inFlight.LoadOrStore(acct.Address, time.Now()); loaded {
		report.Skipped++
		return ""
	}
	defer s.inFlight.Delete(acct.Address)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AccountTimeout)
	defer cancel()

	logger := s.logger.With(zap.Int64("account_id", acct.ID), zap.String("address", acct.Address))

	tokens, err := s.gateway.TokenBalance(ctx, acct.Address)
	if err != nil {
		report.Errors++
		logger.Warn("Failed to read token balance", zap.Error(err))
		return ""
	}
	if tokens.LessThan(s.cfg.MinAmount) || !tokens.IsPositive() {
		return ""
	}
	report.Candidates++

	native, err := s.gateway.NativeBalance(ctx, acct.Address)
	if err != nil {
		report.Errors++
		logger.Warn("Failed to read native balance", zap.Error(err))
		return ""
	}

	record := model.Sweep{
		AccountID:   acct.ID,
		FromAddress: acct.Address,
		ToAddress:   s.cfg.Destination,
		TokenAmount: tokens,
	}

	if native.LessThan(s.cfg.GasFloor) {
		record.Status = model.SweepNeedsGas
		record.FailureReason = fmt.Sprintf("native balance %s below gas floor %s", native, s.cfg.GasFloor)
		report.NeedsGas++
		s.record(ctx, logger, record)
		return record.Status
	}

	if err := pace.wait(ctx); err != nil {
		return ""
	}

	txHash, err := s.submit(ctx, acct, tokens)
	switch {
	case errors.Is(err, chain.ErrInsufficientGas):
		record.Status = model.SweepNeedsGas
		record.FailureReason = err.Error()
		report.NeedsGas++
	case err != nil:
		record.Status = model.SweepFailed
		record.FailureReason = err.Error()
		report.Failed++
		logger.Error("Sweep transfer failed", zap.String("amount", tokens.String()), zap.Error(err))
	default:
		record.Status = model.SweepSubmitted
		record.TxHash = txHash
		report.Submitted++
	}

	s.record(ctx, logger, record)
	return record.Status
}

func (s *Sweeper) submit(ctx context.Context, acct model.Account, amount decimal.Decimal) (string, error) {
	key, err := s.keys.PrivateKey(acct.DerivationIndex)
	if err != nil {
		return "", fmt.Errorf("failed to derive signing key: %w", err)
	}
	return s.gateway.SubmitTransfer(ctx, key, acct.Address, s.cfg.Destination, amount)
}

func (s *Sweeper) record(ctx context.Context, logger *zap.Logger, record model.Sweep) {
	metrics.Sweeps.WithLabelValues(string(record.Status)).Inc()
	// The transfer may already be on chain; the record must outlive a cancelled run.
	if _, err := s.sweeps.CreateSweep(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("Failed to record sweep",
			zap.String("status", string(record.Status)),
			zap.String("tx_hash", record.TxHash),
			zap.Error(err))
	}
}

// ConfirmSubmitted marks submitted sweeps confirmed once their transfer is visible on chain.
func (s *Sweeper) ConfirmSubmitted(ctx context.Context) (int, error) {
	pending, err := s.sweeps.ListSweepsByStatus(ctx, model.SweepSubmitted, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, sw := range pending {
		if _, err := s.gateway.GetTransferByHash(ctx, sw.TxHash, sw.ToAddress); err != nil {
			if !errors.Is(err, chain.ErrNotFound) {
				s.logger.Warn("Failed to look up sweep transfer", zap.Int64("sweep_id", sw.ID), zap.Error(err))
			}
			continue
		}
		if err := s.sweeps.UpdateSweepStatus(ctx, sw.ID, model.SweepConfirmed, ""); err != nil {
			s.logger.Warn("Failed to confirm sweep", zap.Int64("sweep_id", sw.ID), zap.Error(err))
			continue
		}
		metrics.Sweeps.WithLabelValues(string(model.SweepConfirmed)).Inc()
		confirmed++
	}
	return confirmed, nil
}
