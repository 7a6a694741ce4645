package trade

import (
	"errors"
	"fmt"

	"github.com/optarena/trading-engine/internal/quote"
	"github.com/optarena/trading-engine/internal/store"
)

var (
	// ErrValidation is returned for malformed or inconsistent requests.
	ErrValidation = errors.New("trade: invalid request")

	// ErrInvalidSpreadStrikes is returned when a debit spread's strikes are
	// ordered the wrong way for its type.
	ErrInvalidSpreadStrikes = fmt.Errorf("%w: spread strikes are inverted", ErrValidation)

	ErrInsufficientFunds      = errors.New("trade: insufficient funds")
	ErrInsufficientPosition   = errors.New("trade: insufficient position")
	ErrInvalidSpreadEconomics = errors.New("trade: invalid spread economics")
	ErrMarketClosed           = errors.New("trade: market closed")

	// ErrLedgerAnomalies is returned when a portfolio's trade log cannot be
	// replayed cleanly, so its holdings are not rebuilt.
	ErrLedgerAnomalies = errors.New("trade: trade log has anomalies")

	// ErrQuoteUnavailable is returned when a required price cannot be obtained.
	ErrQuoteUnavailable = fmt.Errorf("trade: %w", quote.ErrUnavailable)

	ErrPortfolioNotFound  = fmt.Errorf("trade: portfolio: %w", store.ErrNotFound)
	ErrSpreadNotFound     = fmt.Errorf("trade: spread: %w", store.ErrNotFound)
	ErrSavedTradeNotFound = fmt.Errorf("trade: saved trade: %w", store.ErrNotFound)
)

// reason labels an error for the rejection metric.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSpreadStrikes):
		return "invalid_strikes"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, quote.ErrUnavailable):
		return "quote_unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, ErrInvalidSpreadEconomics):
		return "invalid_economics"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// notFound replaces a store miss with the operation's own sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, store.ErrNotFound) {
		return sentinel
	}
	return err
}
