package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPendingReading is returned by Confirm when no device reading is held.
	ErrNoPendingReading = errors.New("transaction: no reading awaiting confirmation")
	// ErrPriceUnavailable means the catalog has no price for the fuel type.
	ErrPriceUnavailable = errors.New("transaction: price unavailable")
	// ErrStopped is returned once the controller loop has exited.
	ErrStopped = errors.New("transaction: controller stopped")
)

// ValidationError blocks a capture. It never reaches the queue or the server.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("transaction: invalid %s: %s", e.Field, e.Message)
}

// ValidationWarning is surfaced to the operator and does not block the sale.
type ValidationWarning struct {
	Field     string  `json:"field"`
	Message   string  `json:"message"`
	Requested float64 `json:"requested"`
	Available float64 `json:"available"`
}

func (w *ValidationWarning) Error() string {
	return fmt.Sprintf("transaction: warning %s: %s", w.Field, w.Message)
}
