package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/repository"
)

type AccountStore interface {
	CreateAccount(ctx context.Context, userRef string, deriver repository.AddressDeriver) (*model.Account, error)
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	SetActive(ctx context.Context, id int64, active bool) error
	ListLedgerEntries(ctx context.Context, accountID int64, limit int) ([]model.LedgerEntry, error)
}

type DepositHistory interface {
	ListDeposits(ctx context.Context, accountID int64, limit int) ([]model.Deposit, error)
	GetDepositByTxHash(ctx context.Context, txHash string) (*model.Deposit, error)
}

// BalanceReader reads on-chain token balances. chain.Gateway satisfies it.
type BalanceReader interface {
	TokenBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// AccountHandler handles account-related API endpoints
type AccountHandler struct {
	responder
	accounts AccountStore
	deposits DepositHistory
	deriver  repository.AddressDeriver
	balances BalanceReader
	symbol   string
}

func NewAccountHandler(accounts AccountStore, deposits DepositHistory, deriver repository.AddressDeriver, balances BalanceReader, symbol string, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		responder: responder{logger: logger},
		accounts:  accounts,
		deposits:  deposits,
		deriver:   deriver,
		balances:  balances,
		symbol:    symbol,
	}
}

// CreateAccount handles POST /api/accounts
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	req.UserRef = strings.TrimSpace(req.UserRef)
	if req.UserRef == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_user_ref", "User reference is required")
		return
	}

	acct, err := h.accounts.CreateAccount(r.Context(), req.UserRef, h.deriver)
	if errors.Is(err, repository.ErrDuplicateAccount) {
		h.writeErrorResponse(w, http.StatusConflict, "account_exists", "An account already exists for this user")
		return
	}
	if err != nil {
		h.logger.Error("Failed to create account", zap.String("user_ref", req.UserRef), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to create account")
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, toAccountResponse(acct))
}

// GetAccount handles GET /api/accounts/{account_id}
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toAccountResponse(acct))
}

// GetOnChainBalance handles GET /api/accounts/{account_id}/onchain-balance
func (h *AccountHandler) GetOnChainBalance(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.loadAccount(w, r)
	if !ok {
		return
	}

	balance, err := h.balances.TokenBalance(r.Context(), acct.Address)
	if err != nil {
		h.logger.Error("Failed to read token balance", zap.String("address", acct.Address), zap.Error(err))
		h.writeErrorResponse(w, http.StatusBadGateway, "balance_fetch_error", "Failed to fetch on-chain balance")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, OnChainBalanceResponse{
		Address: acct.Address,
		Symbol:  h.symbol,
		Balance: balance.String(),
	})
}

// ListDeposits handles GET /api/accounts/{account_id}/deposits
func (h *AccountHandler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	limit, ok := historyLimit(r)
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_limit", "Limit must be a positive integer")
		return
	}

	deposits, err := h.deposits.ListDeposits(r.Context(), acct.ID, limit)
	if err != nil {
		h.logger.Error("Failed to list deposits", zap.Int64("account_id", acct.ID), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve deposits")
		return
	}

	response := make([]DepositResponse, 0, len(deposits))
	for i := range deposits {
		response = append(response, toDepositResponse(&deposits[i]))
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// ListLedger handles GET /api/accounts/{account_id}/ledger
func (h *AccountHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	limit, ok := historyLimit(r)
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_limit", "Limit must be a positive integer")
		return
	}

	entries, err := h.accounts.ListLedgerEntries(r.Context(), acct.ID, limit)
	if err != nil {
		h.logger.Error("Failed to list ledger entries", zap.Int64("account_id", acct.ID), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve ledger entries")
		return
	}

	response := make([]LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, toLedgerEntryResponse(e))
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// Deactivate handles POST /api/accounts/{account_id}/deactivate
func (h *AccountHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// Activate handles POST /api/accounts/{account_id}/activate
func (h *AccountHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *AccountHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := pathID(r, "account_id")
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_account_id", "Account id must be a positive integer")
		return
	}

	err := h.accounts.SetActive(r.Context(), id, active)
	if errors.Is(err, repository.ErrAccountNotFound) {
		h.writeErrorResponse(w, http.StatusNotFound, "account_not_found", "Account not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to update account", zap.Int64("account_id", id), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to update account")
		return
	}

	h.GetAccount(w, r)
}

func (h *AccountHandler) loadAccount(w http.ResponseWriter, r *http.Request) (*model.Account, bool) {
	id, ok := pathID(r, "account_id")
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_account_id", "Account id must be a positive integer")
		return nil, false
	}

	acct, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get account", zap.Int64("account_id", id), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve account")
		return nil, false
	}
	if acct == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "account_not_found", "Account not found")
		return nil, false
	}
	return acct, true
}
