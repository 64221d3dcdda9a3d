package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the API server
type Server struct {
	accountHandler    *AccountHandler
	depositHandler    *DepositHandler
	withdrawalHandler *WithdrawalHandler
	operationsHandler *OperationsHandler
	logger            *zap.Logger
	server            *http.Server
}

// NewServer creates a new API server
func NewServer(port int, accounts *AccountHandler, deposits *DepositHandler, withdrawals *WithdrawalHandler, operations *OperationsHandler, logger *zap.Logger) *Server {
	s := &Server{
		accountHandler:    accounts,
		depositHandler:    deposits,
		withdrawalHandler: withdrawals,
		operationsHandler: operations,
		logger:            logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.server.Handler = s.setupRoutes()
	return s
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop stops the API server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Add middleware
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := router.PathPrefix("/api").Subrouter()

	// Account endpoints
	api.HandleFunc("/accounts", s.accountHandler.CreateAccount).Methods("POST")
	api.HandleFunc("/accounts/{account_id}", s.accountHandler.GetAccount).Methods("GET")
	api.HandleFunc("/accounts/{account_id}/onchain-balance", s.accountHandler.GetOnChainBalance).Methods("GET")
	api.HandleFunc("/accounts/{account_id}/deposits", s.accountHandler.ListDeposits).Methods("GET")
	api.HandleFunc("/accounts/{account_id}/ledger", s.accountHandler.ListLedger).Methods("GET")
	api.HandleFunc("/accounts/{account_id}/deactivate", s.accountHandler.Deactivate).Methods("POST")
	api.HandleFunc("/accounts/{account_id}/activate", s.accountHandler.Activate).Methods("POST")

	// Deposit endpoints
	api.HandleFunc("/deposits/verify", s.depositHandler.VerifyDeposit).Methods("POST")
	api.HandleFunc("/deposits/{tx_hash}", s.depositHandler.GetDeposit).Methods("GET")

	// Withdrawal endpoints
	api.HandleFunc("/withdrawals", s.withdrawalHandler.CreateWithdrawal).Methods("POST")
	api.HandleFunc("/withdrawals/{withdrawal_id}", s.withdrawalHandler.GetWithdrawal).Methods("GET")

	// Operator endpoints
	api.HandleFunc("/sweeps", s.operationsHandler.RunSweep).Methods("POST")
	api.HandleFunc("/reconcile", s.operationsHandler.RunReconcile).Methods("POST")

	// Health check endpoint
	api.HandleFunc("/health", s.operationsHandler.HealthCheck).Methods("GET")

	return router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
