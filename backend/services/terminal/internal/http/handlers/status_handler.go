package handlers

import (
	"net/http"

	"fuelpos/backend/services/terminal/internal/transaction"
)

// Connectivity reports the debounced online state.
type Connectivity interface {
	Online() bool
}

// StatusSources feed GET /api/status.
type StatusSources struct {
	TerminalID   string
	Link         Link
	Connectivity Connectivity
	Queue        Queue
	Controller   Controller
}

type statusResponse struct {
	TerminalID string               `json:"terminalId"`
	Online     bool                 `json:"online"`
	Device     linkResponse         `json:"device"`
	Pending    int                  `json:"pendingSync"`
	Settings   transaction.Settings `json:"settings"`
	Reading    *transaction.Reading `json:"awaitingConfirmation,omitempty"`
}

// NewStatusHandler returns GET /api/status handler.
func NewStatusHandler(src StatusSources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			TerminalID: src.TerminalID,
			Online:     src.Connectivity.Online(),
			Device:     linkResponse{State: src.Link.State(), Device: src.Link.Device()},
			Pending:    src.Queue.Count(),
			Settings:   src.Controller.Settings(),
			Reading:    src.Controller.Pending(),
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
