package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/reconciler"
	"custody/apps/custody/internal/repository"
)

// DepositVerifier credits a user-submitted transaction hash. *reconciler.Reconciler satisfies it.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, accountID int64, txHash string) (*model.Deposit, error)
}

// DepositHandler handles deposit-related API endpoints
type DepositHandler struct {
	responder
	verifier DepositVerifier
	deposits DepositHistory
}

func NewDepositHandler(verifier DepositVerifier, deposits DepositHistory, logger *zap.Logger) *DepositHandler {
	return &DepositHandler{
		responder: responder{logger: logger},
		verifier:  verifier,
		deposits:  deposits,
	}
}

// VerifyDeposit handles POST /api/deposits/verify
func (h *DepositHandler) VerifyDeposit(w http.ResponseWriter, r *http.Request) {
	var req VerifyDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if req.AccountID <= 0 {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_account_id", "Account id is required")
		return
	}
	if strings.TrimSpace(req.TxHash) == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_tx_hash", "Transaction hash is required")
		return
	}

	deposit, err := h.verifier.VerifyDeposit(r.Context(), req.AccountID, req.TxHash)
	switch {
	case err == nil:
		h.writeJSONResponse(w, http.StatusOK, toDepositResponse(deposit))
	case errors.Is(err, reconciler.ErrTransferNotFound), errors.Is(err, reconciler.ErrNotConfirmed):
		// the submission is kept and retried by the polling loop
		if deposit == nil {
			h.writeErrorResponse(w, http.StatusAccepted, "verification_pending", err.Error())
			return
		}
		h.writeJSONResponse(w, http.StatusAccepted, toDepositResponse(deposit))
	case errors.Is(err, reconciler.ErrInvalidTxHash):
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_tx_hash", "Transaction hash must be 0x followed by 64 hex characters")
	case errors.Is(err, repository.ErrAccountNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, "account_not_found", "Account not found")
	case errors.Is(err, repository.ErrAlreadyProcessed):
		h.writeErrorResponse(w, http.StatusConflict, "already_processed", "Transaction has already been processed")
	case errors.Is(err, reconciler.ErrDestinationMismatch):
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, "destination_mismatch", "Transaction does not pay this account's deposit address")
	case errors.Is(err, reconciler.ErrAmountOutOfBounds):
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, "amount_out_of_bounds", err.Error())
	default:
		h.logger.Error("Failed to verify deposit",
			zap.Int64("account_id", req.AccountID),
			zap.String("tx_hash", req.TxHash),
			zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "verification_error", "Failed to verify deposit")
	}
}

// GetDeposit handles GET /api/deposits/{tx_hash}
func (h *DepositHandler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	txHash := strings.ToLower(mux.Vars(r)["tx_hash"])
	if txHash == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_tx_hash", "Transaction hash is required")
		return
	}

	deposit, err := h.deposits.GetDepositByTxHash(r.Context(), txHash)
	if err != nil {
		h.logger.Error("Failed to get deposit", zap.String("tx_hash", txHash), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve deposit")
		return
	}
	if deposit == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "deposit_not_found", "Deposit not found")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toDepositResponse(deposit))
}
