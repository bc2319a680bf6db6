package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/queue"
	"fuelpos/backend/services/terminal/internal/transaction"
)

// Controller is the transaction controller surface the UI drives.
type Controller interface {
	Capture(ctx context.Context, fuelType string, liters float64) (transaction.Outcome, error)
	Confirm(ctx context.Context) (transaction.Outcome, error)
	UpdateSettings(ctx context.Context, update transaction.SettingsUpdate) (transaction.Settings, error)
	Settings() transaction.Settings
	Pending() *transaction.Reading
}

// SalesHandlers expose manual capture, confirmation and settings.
type SalesHandlers struct {
	ctrl   Controller
	logger *zap.Logger
}

// NewSalesHandlers returns handler set.
func NewSalesHandlers(ctrl Controller, logger *zap.Logger) *SalesHandlers {
	return &SalesHandlers{ctrl: ctrl, logger: logger}
}

type captureRequest struct {
	FuelType string   `json:"fuelType"`
	Liters   *float64 `json:"liters"`
}

type outcomeResponse struct {
	transaction.Outcome
	Error string `json:"error,omitempty"`
	Field string `json:"field,omitempty"`
}

// Capture handles POST /api/sales.
func (h *SalesHandlers) Capture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Liters == nil {
		writeJSON(w, http.StatusUnprocessableEntity, outcomeResponse{Error: "liters is required", Field: "liters"})
		return
	}

	out, err := h.ctrl.Capture(r.Context(), req.FuelType, *req.Liters)
	h.writeOutcome(w, out, err)
}

// Confirm handles POST /api/sales/confirm.
func (h *SalesHandlers) Confirm(w http.ResponseWriter, r *http.Request) {
	out, err := h.ctrl.Confirm(r.Context())
	if errors.Is(err, transaction.ErrNoPendingReading) {
		writeError(w, http.StatusConflict, "no reading awaiting confirmation")
		return
	}
	h.writeOutcome(w, out, err)
}

// UpdateSettings handles PUT /api/settings.
func (h *SalesHandlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req transaction.SettingsUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	settings, err := h.ctrl.UpdateSettings(r.Context(), req)
	if err != nil {
		h.logger.Warn("settings update failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "terminal is shutting down")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *SalesHandlers) writeOutcome(w http.ResponseWriter, out transaction.Outcome, err error) {
	if err != nil {
		resp := outcomeResponse{Outcome: out, Error: err.Error()}
		var verr *transaction.ValidationError
		switch {
		case errors.As(err, &verr):
			resp.Field = verr.Field
			writeJSON(w, http.StatusUnprocessableEntity, resp)
		case errors.Is(err, transaction.ErrPriceUnavailable):
			writeJSON(w, http.StatusUnprocessableEntity, resp)
		case errors.Is(err, queue.ErrQueueFull):
			writeJSON(w, http.StatusInsufficientStorage, resp)
		case errors.Is(err, transaction.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeJSON(w, http.StatusServiceUnavailable, resp)
		default:
			h.logger.Error("capture failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, resp)
		}
		return
	}

	status := http.StatusOK
	switch out.Status {
	case transaction.StatusSubmitted:
		status = http.StatusCreated
	case transaction.StatusQueued:
		status = http.StatusAccepted
	case transaction.StatusRejected:
		status = http.StatusUnprocessableEntity
	case transaction.StatusFailed:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, outcomeResponse{Outcome: out})
}
