package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"custody/apps/custody/internal/chain"
	"custody/apps/custody/internal/model"
	"custody/apps/custody/internal/money"
	"custody/apps/custody/internal/repository"
	"custody/apps/custody/internal/withdrawal"
)

// WithdrawalProcessor pays out withdrawals. *withdrawal.Processor satisfies it.
type WithdrawalProcessor interface {
	Process(ctx context.Context, req withdrawal.Request) (*model.Withdrawal, error)
}

type WithdrawalStore interface {
	GetWithdrawal(ctx context.Context, id int64) (*model.Withdrawal, error)
}

// WithdrawalHandler handles withdrawal-related API endpoints
type WithdrawalHandler struct {
	responder
	processor   WithdrawalProcessor
	withdrawals WithdrawalStore
}

func NewWithdrawalHandler(processor WithdrawalProcessor, withdrawals WithdrawalStore, logger *zap.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{
		responder:   responder{logger: logger},
		processor:   processor,
		withdrawals: withdrawals,
	}
}

// CreateWithdrawal handles POST /api/withdrawals
func (h *WithdrawalHandler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if req.AccountID <= 0 {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_account_id", "Account id is required")
		return
	}
	if strings.TrimSpace(req.ToAddress) == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_to_address", "Destination address is required")
		return
	}
	if strings.TrimSpace(req.Amount) == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_amount", "Amount is required")
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}

	result, err := h.processor.Process(r.Context(), withdrawal.Request{
		RequestID: req.RequestID,
		AccountID: req.AccountID,
		ToAddress: req.ToAddress,
		Amount:    amount,
	})
	switch {
	case err == nil:
		h.writeJSONResponse(w, http.StatusCreated, toWithdrawalResponse(result))
	case errors.Is(err, repository.ErrDuplicateRequest) && result != nil:
		h.writeJSONResponse(w, http.StatusOK, toWithdrawalResponse(result))
	case errors.Is(err, withdrawal.ErrRefundPending):
		h.logger.Error("Withdrawal refund pending", zap.Int64("account_id", req.AccountID), zap.Error(err))
		h.writeErrorResponse(w, http.StatusServiceUnavailable, "refund_pending", "Transfer failed and the refund is pending; retry with the same request_id")
	case errors.Is(err, withdrawal.ErrTransferFailed) && result != nil:
		// the debit was refunded; the body carries the failed record
		h.writeJSONResponse(w, http.StatusBadGateway, toWithdrawalResponse(result))
	case errors.Is(err, chain.ErrInvalidAddress):
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_to_address", "Invalid Ethereum address format")
	case errors.Is(err, money.ErrPrecision), errors.Is(err, money.ErrOverflow):
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_amount", err.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, "account_not_found", "Account not found")
	case errors.Is(err, withdrawal.ErrAmountOutOfBounds):
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, "amount_out_of_bounds", err.Error())
	case errors.Is(err, repository.ErrInsufficientBalance):
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, "insufficient_balance", "Account balance is too low for this withdrawal")
	default:
		h.logger.Error("Failed to process withdrawal",
			zap.Int64("account_id", req.AccountID),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "withdrawal_error", "Failed to process withdrawal")
	}
}

// GetWithdrawal handles GET /api/withdrawals/{withdrawal_id}
func (h *WithdrawalHandler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "withdrawal_id")
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_withdrawal_id", "Withdrawal id must be a positive integer")
		return
	}

	result, err := h.withdrawals.GetWithdrawal(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get withdrawal", zap.Int64("withdrawal_id", id), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve withdrawal")
		return
	}
	if result == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "withdrawal_not_found", "Withdrawal not found")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toWithdrawalResponse(result))
}
