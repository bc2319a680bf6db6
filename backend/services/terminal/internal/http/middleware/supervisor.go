package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/supervisor"
)

// PINHeader carries the supervisor PIN.
const PINHeader = "X-Supervisor-PIN"

// PINVerifier checks a supervisor PIN.
type PINVerifier interface {
	Verify(pin string) error
}

// RequireSupervisorPIN lets the request through only with a valid supervisor PIN.
func RequireSupervisorPIN(verifier PINVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pin := strings.TrimSpace(r.Header.Get(PINHeader))
			if pin == "" {
				deny(w, http.StatusUnauthorized, "missing supervisor pin")
				return
			}
			if err := verifier.Verify(pin); err != nil {
				switch {
				case errors.Is(err, supervisor.ErrPINNotConfigured):
					deny(w, http.StatusForbidden, "supervisor pin not configured")
				case errors.Is(err, supervisor.ErrInvalidPIN):
					logger.Warn("supervisor pin rejected", zap.String("path", r.URL.Path))
					deny(w, http.StatusUnauthorized, "invalid supervisor pin")
				default:
					logger.Error("supervisor pin check failed", zap.Error(err))
					deny(w, http.StatusInternalServerError, "supervisor pin check failed")
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Forbidden rejects every request.
func Forbidden(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		deny(w, http.StatusForbidden, "supervisor actions disabled")
	})
}

func deny(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
