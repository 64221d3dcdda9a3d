package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"custody/apps/custody/internal/api"
	"custody/apps/custody/internal/config"
	"custody/apps/custody/internal/event_publisher"
	"custody/apps/custody/internal/hdwallet"
	"custody/apps/custody/internal/logging"
	"custody/apps/custody/internal/monitoring"
	"custody/apps/custody/internal/reconciler"
	"custody/apps/custody/internal/withdrawal_intake"
)

const (
	flagIndex = "index"

	shutdownTimeout = 30 * time.Second
	sweepRunTimeout = 10 * time.Minute
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "custody",
		Short:        "Stablecoin deposit ledger",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		serveCmd(),
		sweepCmd(),
		addressCmd(),
	)
	return cmd
}

// setup loads configuration and builds the process logger
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the deposit poller, HTTP API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := monitoring.Init(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Warn("Error tracking disabled", zap.Error(err))
	}
	defer monitoring.Flush(2 * time.Second)

	logger.Info("Starting application with configuration",
		zap.String("rpc_url", cfg.RpcURL),
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("token_contract", cfg.TokenContract),
		zap.String("token_symbol", cfg.TokenSymbol),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Uint64("min_confirmations", cfg.MinConfirmations),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("sweep_schedule", cfg.SweepSchedule),
		zap.Int("api_port", cfg.APIPort),
	)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start custody service", zap.Error(err))
		return err
	}
	defer a.Close()

	// Start deposit reconciler in background
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		err := a.reconciler.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, reconciler.ErrAlreadyStarted) {
			logger.Error("Deposit reconciler failed", zap.Error(err))
			monitoring.Error(err)
		}
	}()

	var scheduler *cron.Cron
	if cfg.SweepSchedule != "" {
		scheduler, err = a.sweeper.Schedule(ctx, cfg.SweepSchedule, sweepRunTimeout)
		if err != nil {
			return err
		}
		scheduler.Start()
		logger.Info("Scheduled sweeps", zap.String("schedule", cfg.SweepSchedule))
	}

	var workers sync.WaitGroup

	// Retry refunds of failed withdrawals whose refund write did not go through
	workers.Add(1)
	go func() {
		defer workers.Done()
		a.processor.RunRefunds(ctx, cfg.PollInterval)
	}()

	if cfg.KafkaBroker != "" {
		publisher, err := event_publisher.NewEventPublisher(cfg.KafkaBroker, cfg.KafkaEventsTopic, logger.Named("event_publisher"), a.outbox)
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
		defer publisher.Close()

		// Start event publisher in background
		workers.Add(1)
		go func() {
			defer workers.Done()
			publisher.StartPublishing(ctx)
		}()

		intake, err := withdrawal_intake.NewWithdrawalIntake(cfg.KafkaBroker, cfg.KafkaWithdrawalTopic, logger.Named("withdrawal_intake"), a.processor)
		if err != nil {
			return fmt.Errorf("failed to create withdrawal intake: %w", err)
		}
		defer intake.Close()

		// Start withdrawal intake in background
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := intake.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Withdrawal intake failed", zap.Error(err))
				monitoring.Error(err)
			}
		}()
	} else {
		logger.Warn("KAFKA_BROKER not set, ledger events stay in the outbox and withdrawals are accepted over HTTP only")
	}

	// Create and start API server
	apiServer := api.NewServer(cfg.APIPort,
		api.NewAccountHandler(a.accounts, a.deposits, a.wallet, a.gateway, cfg.TokenSymbol, logger),
		api.NewDepositHandler(a.reconciler, a.deposits, logger),
		api.NewWithdrawalHandler(a.processor, a.withdrawals, logger),
		api.NewOperationsHandler(a.sweeper, a.reconciler, logger),
		logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal, starting graceful shutdown...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server failed", zap.Error(err))
			monitoring.Error(err)
		}
	case <-ctx.Done():
	}

	// Create a context with timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Shutdown API server gracefully
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	// Let the in-flight reconcile cycle finish before the connections close
	if err := a.reconciler.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping deposit reconciler", zap.Error(err))
	}

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("Sweep still running at shutdown")
		}
	}

	cancel()
	workersDone := make(chan struct{})
	go func() {
		<-reconcilerDone
		workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Warn("Background workers did not stop before the shutdown deadline")
	}

	logger.Info("Application shutdown complete")
	return nil
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep pass and confirm submitted sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			confirmed, err := a.sweeper.ConfirmSubmitted(ctx)
			if err != nil {
				return err
			}

			cmd.Printf("candidates: %d, submitted: %d, needs_gas: %d, failed: %d, skipped: %d, errors: %d, confirmed: %d\n",
				report.Candidates, report.Submitted, report.NeedsGas, report.Failed, report.Skipped, report.Errors, confirmed)
			return nil
		},
	}
}

func addressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the address derived at an index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			index, err := cmd.Flags().GetUint32(flagIndex)
			if err != nil {
				return err
			}
			cfg, err := config.NewConfig()
			if err != nil {
				return err
			}

			wallet, err := hdwallet.New(cfg.MasterMnemonic, cfg.MasterPassphrase, cfg.DerivationPath)
			if err != nil {
				return err
			}
			addr, err := wallet.Address(index)
			if err != nil {
				return err
			}

			cmd.Printf("index: %d\npath: %s\naddress: %s\n", index, wallet.Path(index), addr.Hex())
			return nil
		},
	}
	cmd.Flags().Uint32(flagIndex, hdwallet.MasterIndex, "derivation index")
	return cmd
}
