// Package reconciler maps provider-reported transfers onto the ledger. A polling loop
// scans every active deposit address and a manual path verifies single transactions;
// both credit through the same store primitive so a transfer is applied at most once.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/metrics"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/money"
	"custody/apps/custody/internal/monitoring"
	"custody/apps/custody/internal/rate"
	"custody/apps/custody/internal/repository"
)

var (
	ErrAmountOutOfBounds   = errors.New("deposit amount outside accepted bounds")
	ErrDestinationMismatch = errors.New("transaction does not pay the account address")
	ErrTransferNotFound    = errors.New("transfer not found on chain yet")
	ErrNotConfirmed        = errors.New("transfer has not reached the required confirmations")
	ErrInvalidTxHash       = errors.New("invalid transaction hash")
	ErrAlreadyStarted      = errors.New("reconciler already started")
)

type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	ListActiveAccounts(ctx context.Context, afterID int64, limit int) ([]model.Account, error)
}

type DepositStore interface {
	CreditDeposit(ctx context.Context, d model.Deposit) (*repository.CreditResult, error)
	RejectDeposit(ctx context.Context, d model.Deposit, reason string) (*model.Deposit, error)
	DiscardVerifying(ctx context.Context, accountID int64, txHash, reason string) (*model.Deposit, error)
	MarkVerifying(ctx context.Context, accountID int64, txHash string) (*model.Deposit, error)
	ListVerifying(ctx context.Context, limit int) ([]model.Deposit, error)
	IsKnown(ctx context.Context, txHash string) (bool, error)
	KnownTransactions(ctx context.Context, txHashes []string) (map[string]struct{}, error)
}

type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	TxWindow         int
	Concurrency      int
	AddressTimeout   time.Duration
	MinConfirmations uint64
	// Bounds are in token units.
	DepositMin decimal.Decimal
	DepositMax decimal.Decimal
}

// CycleReport summarises one pass over all active accounts.
type CycleReport struct {
	Accounts  int64 `json:"accounts"`
	Transfers int64 `json:"transfers"`
	Credited  int64 `json:"credited"`
	Rejected  int64 `json:"rejected"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
	Resumed   int64 `json:"resumed"`
}

type counters struct {
	accounts, transfers, credited, rejected, skipped, errors, resumed atomic.Int64
}

func (c *counters) report() CycleReport {
	return CycleReport{
		Accounts:  c.accounts.Load(),
		Transfers: c.transfers.Load(),
		Credited:  c.credited.Load(),
		Rejected:  c.rejected.Load(),
		Skipped:   c.skipped.Load(),
		Errors:    c.errors.Load(),
		Resumed:   c.resumed.Load(),
	}
}

type outcome int

const (
	outcomeCredited outcome = iota
	outcomeRejected
	outcomeSkipped
)

type Reconciler struct {
	cfg      Config
	accounts AccountStore
	deposits DepositStore
	gateway  chain.Gateway
	rates    rate.Source
	logger   *zap.Logger
	pool     pond.Pool
	life     lifecycle
}

func New(cfg Config, accounts AccountStore, deposits DepositStore, gateway chain.Gateway, rates rate.Source, logger *zap.Logger) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reconciler{
		cfg:      cfg,
		accounts: accounts,
		deposits: deposits,
		gateway:  gateway,
		rates:    rates,
		logger:   logger,
		pool:     pond.NewPool(cfg.Concurrency, pond.WithQueueSize(cfg.BatchSize)),
		life:     newLifecycle(),
	}
}

func (r *Reconciler) State() State {
	return r.life.load()
}

// Start runs a cycle immediately and then every PollInterval until ctx is cancelled
// or Stop is called. It blocks.
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.life.transition(StateIdle, StateRunning) {
		return ErrAlreadyStarted
	}
	defer func() {
		r.life.state.Store(int32(StateStopped))
		r.pool.StopAndWait()
		close(r.life.done)
	}()

	r.logger.Info("Starting deposit reconciler",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Int("tx_window", r.cfg.TxWindow),
		zap.Int("concurrency", r.cfg.Concurrency))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Reconcile cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.life.stop:
			return nil
		case <-ticker.C:
		}
	}
}

// Stop lets the in-flight cycle finish and waits for the loop to exit or ctx to expire.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.life.transition(StateIdle, StateStopped) {
		r.pool.StopAndWait()
		return nil
	}
	if !r.life.transition(StateRunning, StateStopping) {
		return nil
	}
	close(r.life.stop)

	select {
	case <-r.life.done:
		r.logger.Info("Deposit reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce resumes interrupted manual verifications and then scans every active
// account. Per-address failures are counted and never abort the cycle.
func (r *Reconciler) RunOnce(ctx context.Context) (CycleReport, error) {
	started := time.Now()
	c := &counters{}

	r.resumeVerifying(ctx, c)

	var afterID int64
	for {
		batch, err := r.accounts.ListActiveAccounts(ctx, afterID, r.cfg.BatchSize)
		if err != nil {
			return c.report(), fmt.Errorf("failed to list active accounts: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		r.pollBatch(ctx, batch, c)

		afterID = batch[len(batch)-1].ID
		if len(batch) < r.cfg.BatchSize || ctx.Err() != nil {
			break
		}
	}

	report := c.report()
	metrics.CycleDuration.Observe(time.Since(started).Seconds())
	r.logger.Info("Reconcile cycle complete",
		zap.Int64("accounts", report.Accounts),
		zap.Int64("transfers", report.Transfers),
		zap.Int64("credited", report.Credited),
		zap.Int64("rejected", report.Rejected),
		zap.Int64("skipped", report.Skipped),
		zap.Int64("errors", report.Errors),
		zap.Int64("resumed", report.Resumed),
		zap.Duration("elapsed", time.Since(started)))
	return report, ctx.Err()
}

func (r *Reconciler) pollBatch(ctx context.Context, batch []model.Account, c *counters) {
	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, acct := range batch {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			c.accounts.Add(1)

			addrCtx, cancel := context.WithTimeout(groupCtx, r.cfg.AddressTimeout)
			defer cancel()

			if err := r.pollAccount(addrCtx, acct, c); err != nil {
				c.errors.Add(1)
				metrics.PollErrors.Inc()
				r.logger.Warn("Failed to reconcile address",
					zap.Int64("account_id", acct.ID),
					zap.String("address", acct.Address),
					zap.Error(err))
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("Some reconcile tasks failed", zap.Error(err))
	}
}

func (r *Reconciler) pollAccount(ctx context.Context, acct model.Account, c *counters) error {
	transfers, err := r.gateway.ListIncomingTransfers(ctx, acct.Address, r.cfg.TxWindow)
	if err != nil {
		return fmt.Errorf("failed to list transfers: %w", err)
	}
	if len(transfers) == 0 {
		return nil
	}
	c.transfers.Add(int64(len(transfers)))

	hashes := make([]string, 0, len(transfers))
	for _, t := range transfers {
		hashes = append(hashes, t.TxHash)
	}
	known, err := r.deposits.KnownTransactions(ctx, hashes)
	if err != nil {
		return err
	}

	for _, t := range transfers {
		if _, ok := known[t.TxHash]; ok {
			c.skipped.Add(1)
			continue
		}
		if !sameAddress(t.To, acct.Address) {
			r.logger.Debug("Skipping transfer to another address",
				zap.String("tx_hash", t.TxHash), zap.String("to", t.To), zap.String("address", acct.Address))
			c.skipped.Add(1)
			continue
		}
		if !r.confirmed(t) {
			c.skipped.Add(1)
			continue
		}

		_, result, err := r.apply(ctx, acct, t, model.SourcePoller)
		if err != nil && !errors.Is(err, ErrAmountOutOfBounds) {
			c.errors.Add(1)
			r.logger.Error("Failed to apply deposit",
				zap.Int64("account_id", acct.ID), zap.String("tx_hash", t.TxHash), zap.Error(err))
			continue
		}
		switch result {
		case outcomeCredited:
			c.credited.Add(1)
		case outcomeRejected:
			c.rejected.Add(1)
		case outcomeSkipped:
			c.skipped.Add(1)
		}
	}
	return nil
}

// apply prices a transfer and either credits it or records a rejection.
func (r *Reconciler) apply(ctx context.Context, acct model.Account, t chain.Transfer, source model.DepositSource) (*model.Deposit, outcome, error) {
	current, err := r.rates.Rate(ctx)
	if err != nil {
		return nil, outcomeSkipped, fmt.Errorf("failed to read exchange rate: %w", err)
	}

	d := model.Deposit{
		AccountID:   acct.ID,
		TxHash:      t.TxHash,
		FromAddress: t.From,
		ToAddress:   t.To,
		TokenAmount: t.Amount,
		Rate:        current,
		Source:      source,
	}
	if !t.BlockTimestamp.IsZero() {
		d.BlockTimestamp.Time = t.BlockTimestamp
		d.BlockTimestamp.Valid = true
	}

	ledger, convErr := money.ToLedger(t.Amount, current)
	if convErr == nil {
		d.LedgerAmount = ledger
	}

	var reason string
	switch {
	case t.Amount.LessThan(r.cfg.DepositMin):
		reason = fmt.Sprintf("amount %s below minimum %s", t.Amount, r.cfg.DepositMin)
	case t.Amount.GreaterThan(r.cfg.DepositMax):
		reason = fmt.Sprintf("amount %s above maximum %s", t.Amount, r.cfg.DepositMax)
	case convErr != nil:
		reason = convErr.Error()
	case ledger <= 0:
		reason = "amount rounds to zero"
	}

	if reason != "" {
		rejected, err := r.deposits.RejectDeposit(ctx, d, reason)
		if errors.Is(err, repository.ErrAlreadyProcessed) {
			return nil, outcomeSkipped, nil
		}
		if err != nil {
			return nil, outcomeSkipped, err
		}
		metrics.DepositsRejected.WithLabelValues(string(model.DepositRejected)).Inc()
		return rejected, outcomeRejected, fmt.Errorf("%w: %s", ErrAmountOutOfBounds, reason)
	}

	result, err := r.deposits.CreditDeposit(ctx, d)
	if errors.Is(err, repository.ErrAlreadyProcessed) {
		return nil, outcomeSkipped, nil
	}
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			monitoring.Error(fmt.Errorf("credit for missing account %d (%s): %w", acct.ID, t.TxHash, err))
		}
		return nil, outcomeSkipped, err
	}

	metrics.DepositsCredited.WithLabelValues(string(source)).Inc()
	metrics.CreditedMinorUnits.Add(float64(result.Deposit.LedgerAmount))
	return result.Deposit, outcomeCredited, nil
}

func (r *Reconciler) confirmed(t chain.Transfer) bool {
	return t.Confirmations >= r.cfg.MinConfirmations
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
