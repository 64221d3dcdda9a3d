package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"custody/apps/custody/internal/reconciler"
	"custody/apps/custody/internal/sweeper"
)

type Sweeper interface {
	Sweep(ctx context.Context) (sweeper.Report, error)
	ConfirmSubmitted(ctx context.Context) (int, error)
}

// Poller exposes the deposit loop to operators. *reconciler.Reconciler satisfies it.
type Poller interface {
	State() reconciler.State
	RunOnce(ctx context.Context) (reconciler.CycleReport, error)
}

// OperationsHandler serves operator triggers and the health check
type OperationsHandler struct {
	responder
	sweeper Sweeper
	poller  Poller
}

func NewOperationsHandler(sweeper Sweeper, poller Poller, logger *zap.Logger) *OperationsHandler {
	return &OperationsHandler{
		responder: responder{logger: logger},
		sweeper:   sweeper,
		poller:    poller,
	}
}

// RunSweep handles POST /api/sweeps
func (h *OperationsHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Sweep(r.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error("Sweep pass failed", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "sweep_error", "Failed to sweep deposit addresses")
		return
	}

	confirmed, err := h.sweeper.ConfirmSubmitted(r.Context())
	if err != nil {
		h.logger.Warn("Sweep confirmation pass failed", zap.Error(err))
	}

	h.writeJSONResponse(w, http.StatusOK, SweepResponse{
		Candidates: report.Candidates,
		Submitted:  report.Submitted,
		NeedsGas:   report.NeedsGas,
		Failed:     report.Failed,
		Skipped:    report.Skipped,
		Errors:     report.Errors,
		Confirmed:  confirmed,
	})
}

// RunReconcile handles POST /api/reconcile
func (h *OperationsHandler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	if state := h.poller.State(); state == reconciler.StateStopping || state == reconciler.StateStopped {
		h.writeErrorResponse(w, http.StatusConflict, "reconciler_stopped", "Deposit reconciler is shutting down")
		return
	}

	report, err := h.poller.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("Reconcile cycle failed", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "reconcile_error", "Failed to run reconcile cycle")
		return
	}
	h.writeJSONResponse(w, http.StatusOK, report)
}

// HealthCheck handles GET /api/health. The service is degraded once the deposit loop has stopped.
func (h *OperationsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	state := h.poller.State()
	response := HealthResponse{
		Status:     "healthy",
		Reconciler: state.String(),
		Time:       time.Now().UTC().Format(time.RFC3339),
	}

	status := http.StatusOK
	if state == reconciler.StateStopping || state == reconciler.StateStopped {
		response.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, status, response)
}
