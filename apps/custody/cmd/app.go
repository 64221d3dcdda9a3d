package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/config"
	"custody/apps/custody/internal/hdwallet"
	"custody/apps/custody/internal/rate"
	"custody/apps/custody/internal/reconciler"
	"custody/apps/custody/internal/repository"
	"custody/apps/custody/internal/retry"
	"custody/apps/custody/internal/sweeper"
	"custody/apps/custody/internal/withdrawal"
)

// app holds the connections and components shared by the serve and sweep commands
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *sql.DB
	eth   *ethclient.Client
	redis *redis.Client

	wallet  *hdwallet.Wallet
	gateway *chain.EVMGateway
	rates   rate.Source

	accounts    *repository.AccountRepository
	deposits    *repository.DepositRepository
	withdrawals *repository.WithdrawalRepository
	sweeps      *repository.SweepRepository
	outbox      *repository.OutboxRepository

	reconciler *reconciler.Reconciler
	sweeper    *sweeper.Sweeper
	processor  *withdrawal.Processor
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	wallet, err := hdwallet.New(cfg.MasterMnemonic, cfg.MasterPassphrase, cfg.DerivationPath)
	if err != nil {
		return fmt.Errorf("failed to load master wallet: %w", err)
	}
	a.wallet = wallet

	master, err := wallet.Address(hdwallet.MasterIndex)
	if err != nil {
		return fmt.Errorf("failed to derive master address: %w", err)
	}
	destination := cfg.ConsolidationAddress
	if destination == "" {
		destination = master.Hex()
	}

	a.db, err = sql.Open("postgres", cfg.DbURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := retry.WithBackoff(ctx, retry.DefaultConfig(), a.logger, "database connect", func() error {
		return a.db.PingContext(ctx)
	}); err != nil {
		return err
	}
	if err := repository.InitMigration(ctx, a.db); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := retry.WithBackoff(ctx, retry.DefaultConfig(), a.logger, "rpc connect", func() error {
		client, err := ethclient.DialContext(ctx, cfg.RpcURL)
		if err != nil {
			return err
		}
		if _, err := client.BlockNumber(ctx); err != nil {
			client.Close()
			return err
		}
		a.eth = client
		return nil
	}); err != nil {
		return err
	}

	var lister chain.TransferLister
	if cfg.ExplorerURL != "" {
		lister = chain.NewExplorerLister(cfg.ExplorerURL, cfg.ExplorerAPIKey, cfg.TokenContract, cfg.TokenDecimals, a.logger)
	}
	a.gateway, err = chain.NewEVMGateway(a.eth, chain.EVMGatewayConfig{
		TokenContract: cfg.TokenContract,
		TokenDecimals: cfg.TokenDecimals,
		ChainID:       cfg.ChainID,
		LogBlockRange: cfg.LogBlockRange,
	}, lister, a.logger)
	if err != nil {
		return err
	}

	static, err := rate.NewStatic(cfg.ExchangeRate)
	if err != nil {
		return err
	}
	a.rates = static
	if cfg.RedisAddr != "" {
		a.redis, err = rate.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, a.logger)
		if err != nil {
			return err
		}
		a.rates = rate.NewRedisSource(a.redis, cfg.RateRedisKey, static, a.logger)
	}

	a.accounts = repository.NewAccountRepository(a.db, a.logger)
	a.deposits = repository.NewDepositRepository(a.db, a.logger)
	a.withdrawals = repository.NewWithdrawalRepository(a.db, a.logger)
	a.sweeps = repository.NewSweepRepository(a.db, a.logger)
	a.outbox = repository.NewOutboxRepository(a.db, a.logger)

	a.reconciler = reconciler.New(reconciler.Config{
		PollInterval:     cfg.PollInterval,
		BatchSize:        cfg.BatchSize,
		TxWindow:         cfg.TxWindow,
		Concurrency:      cfg.PollConcurrency,
		AddressTimeout:   cfg.AddressTimeout,
		MinConfirmations: cfg.MinConfirmations,
		DepositMin:       cfg.DepositMin,
		DepositMax:       cfg.DepositMax,
	}, a.accounts, a.deposits, a.gateway, a.rates, a.logger.Named("reconciler"))

	a.sweeper = sweeper.New(sweeper.Config{
		BatchSize:      cfg.BatchSize,
		MinAmount:      cfg.SweepMinAmount,
		GasFloor:       cfg.GasFloor,
		Delay:          cfg.SweepDelay,
		Destination:    destination,
		AccountTimeout: cfg.AddressTimeout,
	}, a.accounts, a.sweeps, a.gateway, wallet, a.logger.Named("sweeper"))

	a.processor = withdrawal.NewProcessor(withdrawal.Config{
		Min:           cfg.WithdrawMin,
		Max:           cfg.WithdrawMax,
		GasFloor:      cfg.GasFloor,
		TokenDecimals: cfg.TokenDecimals,
		HotWallet:     master.Hex(),
	}, a.withdrawals, a.gateway, wallet, a.rates, a.logger.Named("withdrawal"))

	a.logger.Info("Custody components ready",
		zap.String("master_address", master.Hex()),
		zap.String("consolidation_address", destination),
		zap.Bool("explorer_lister", lister != nil),
		zap.Bool("redis_rate", a.redis != nil))
	return nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.eth != nil {
		a.eth.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
