package quote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/metrics"
)

// CachedOracle wraps a primary Oracle with a Redis read-through cache keyed
// per symbol. Only cache misses reach the primary. A Redis outage degrades to
// calling the primary for every symbol.
type CachedOracle struct {
	primary Oracle
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedOracle creates a cached wrapper around a primary oracle.
func NewCachedOracle(primary Oracle, rdb *redis.Client, ttl time.Duration) *CachedOracle {
	return &CachedOracle{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (o *CachedOracle) GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	symbols = Dedupe(symbols)
	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = quoteKey(s)
	}

	// Try cache.
	missing := symbols
	vals, err := o.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Warn("quote cache read failed", "err", err)
	} else {
		missing = nil
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				missing = append(missing, symbols[i])
				continue
			}
			p, err := decimal.NewFromString(str)
			if err != nil {
				missing = append(missing, symbols[i])
				continue
			}
			out[symbols[i]] = p
		}
		metrics.QuoteCacheHits.Add(float64(len(out)))
	}
	if len(missing) == 0 {
		return out, nil
	}

	// Cache miss: read from primary.
	fresh, err := o.primary.GetQuotes(ctx, missing)
	if err != nil {
		return nil, err
	}

	pipe := o.rdb.Pipeline()
	for sym, p := range fresh {
		out[sym] = p
		pipe.Set(ctx, quoteKey(sym), p.String(), o.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("quote cache write failed", "err", err)
	}
	return out, nil
}

func quoteKey(symbol string) string { return fmt.Sprintf("quote:%s", symbol) }
