// Package quote supplies per-share option prices from an external source.
//
// An Oracle returns prices for the symbols it can price and silently omits the
// rest; callers decide whether a missing symbol is fatal. An error from
// GetQuotes means the source itself failed and always wraps ErrUnavailable.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/metrics"
)

// ErrUnavailable is returned when the quote source cannot be reached.
var ErrUnavailable = errors.New("quote: unavailable")

// Oracle returns the current price for each symbol it can price.
type Oracle interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// Dedupe returns the distinct non-empty symbols in sorted order.
func Dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// StaticOracle serves prices from an in-memory table. Safe for concurrent use.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	err    error
	calls  int
}

// NewStaticOracle returns an oracle seeded with prices (may be nil).
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	o := &StaticOracle{prices: make(map[string]decimal.Decimal, len(prices))}
	for k, v := range prices {
		o.prices[k] = v
	}
	return o
}

// Set replaces the price of one symbol.
func (o *StaticOracle) Set(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	o.prices[symbol] = price
	o.mu.Unlock()
}

// Delete makes symbol unpriceable.
func (o *StaticOracle) Delete(symbol string) {
	o.mu.Lock()
	delete(o.prices, symbol)
	o.mu.Unlock()
}

// SetError makes every call fail with err (nil restores normal operation).
func (o *StaticOracle) SetError(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

// Calls reports how many times GetQuotes was invoked.
func (o *StaticOracle) Calls() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.calls
}

func (o *StaticOracle) GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if o.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, o.err)
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if p, ok := o.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

type fallbackOracle struct {
	primary Oracle
	price   decimal.Decimal
}

// WithFallback substitutes price for every symbol the primary cannot price,
// including when the primary fails outright. Test mode only.
func WithFallback(primary Oracle, price decimal.Decimal) Oracle {
	return &fallbackOracle{primary: primary, price: price}
}

func (o *fallbackOracle) GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices, err := o.primary.GetQuotes(ctx, symbols)
	if err != nil {
		slog.Warn("quote source failed, using fallback price", "err", err, "price", o.price.String())
		prices = nil
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if p, ok := prices[s]; ok {
			out[s] = p
			continue
		}
		out[s] = o.price
	}
	return out, nil
}

type meteredOracle struct {
	next Oracle
}

// Metered records request outcome, latency and misses for every call.
func Metered(next Oracle) Oracle {
	return &meteredOracle{next: next}
}

func (o *meteredOracle) GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	start := time.Now()
	prices, err := o.next.GetQuotes(ctx, symbols)
	metrics.QuoteLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QuoteRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.QuoteRequests.WithLabelValues("ok").Inc()
	for _, s := range Dedupe(symbols) {
		if _, ok := prices[s]; !ok {
			metrics.QuoteMisses.Inc()
		}
	}
	return prices, nil
}
