package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/optarena/trading-engine/internal/competition"
	"github.com/optarena/trading-engine/internal/quote"
	"github.com/optarena/trading-engine/internal/store"
	"github.com/optarena/trading-engine/internal/trade"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps a service error onto an HTTP status. Unclassified errors are
// logged and reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, trade.ErrValidation), errors.Is(err, competition.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, trade.ErrInsufficientFunds),
		errors.Is(err, trade.ErrInsufficientPosition),
		errors.Is(err, trade.ErrInvalidSpreadEconomics),
		errors.Is(err, trade.ErrMarketClosed),
		errors.Is(err, trade.ErrLedgerAnomalies),
		errors.Is(err, competition.ErrNotActive),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, quote.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
