// Package valuation marks portfolios to market and ranks them.
//
// Portfolio value is cash plus the market value of every holding row:
// price × signed quantity × 100. A paired spread is therefore worth
// (long − short) × quantity × 100, and an orphan leg is worth its own signed
// value. Rows whose instrument has no quote contribute zero and are reported.
package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/metrics"
	"github.com/optarena/trading-engine/internal/model"
	"github.com/optarena/trading-engine/internal/quote"
	"github.com/optarena/trading-engine/internal/store"
	"github.com/optarena/trading-engine/internal/ws"
)

// Breakdown is the market value of a set of holding rows.
type Breakdown struct {
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	Missing       []string        `json:"missing,omitempty"`
}

// Symbols returns the distinct instrument symbols of rows.
func Symbols(rows []model.Holding) []string {
	syms := make([]string, 0, len(rows))
	for _, h := range rows {
		syms = append(syms, h.InstrumentSymbol)
	}
	return quote.Dedupe(syms)
}

// Value prices rows against quotes. It performs no I/O.
func Value(rows []model.Holding, quotes map[string]decimal.Decimal) Breakdown {
	b := Breakdown{HoldingsValue: decimal.Zero}
	missing := make(map[string]bool)
	for _, h := range rows {
		price, ok := quotes[h.InstrumentSymbol]
		if !ok {
			if !missing[h.InstrumentSymbol] {
				missing[h.InstrumentSymbol] = true
				b.Missing = append(b.Missing, h.InstrumentSymbol)
			}
			continue
		}
		b.HoldingsValue = b.HoldingsValue.Add(model.Notional(price, h.Quantity))
	}
	b.HoldingsValue = model.Cents(b.HoldingsValue)
	return b
}

// Mark is the result of one mark-to-market.
type Mark struct {
	PortfolioID   string          `json:"portfolio_id"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
	Missing       []string        `json:"missing,omitempty"`
	// Degraded is set when the quote source failed and every holding was valued at zero.
	Degraded bool      `json:"degraded,omitempty"`
	At       time.Time `json:"valued_at"`
}

// Service values portfolios against live quotes.
type Service struct {
	store        store.Store
	oracle       quote.Oracle
	hub          *ws.Hub
	now          func() time.Time
	quoteTimeout time.Duration
	concurrency  int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithHub enables WebSocket broadcasts.
func WithHub(h *ws.Hub) Option { return func(s *Service) { s.hub = h } }

// WithQuoteTimeout bounds each quote call.
func WithQuoteTimeout(d time.Duration) Option { return func(s *Service) { s.quoteTimeout = d } }

// WithConcurrency bounds parallel mark-to-market calls during a leaderboard refresh.
func WithConcurrency(n int) Option { return func(s *Service) { s.concurrency = n } }

// NewService creates a valuation service.
func NewService(st store.Store, oracle quote.Oracle, opts ...Option) *Service {
	s := &Service{
		store:        st,
		oracle:       oracle,
		now:          func() time.Time { return time.Now().UTC() },
		quoteTimeout: 5 * time.Second,
		concurrency:  8,
	}
	for _, o := range opts {
		o(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// fetchQuotes prices symbols within the quote timeout. A failed call is not an
// error here; the caller values holdings at zero and flags the result.
func (s *Service) fetchQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, bool) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, false
	}
	qctx, cancel := context.WithTimeout(ctx, s.quoteTimeout)
	defer cancel()
	quotes, err := s.oracle.GetQuotes(qctx, symbols)
	if err != nil {
		slog.Warn("valuation quotes unavailable", "symbols", len(symbols), "err", err)
		return map[string]decimal.Decimal{}, true
	}
	return quotes, false
}

// MarkTx values a portfolio inside the caller's transaction and persists the
// cached total. The cash balance is re-read from tx.
func (s *Service) MarkTx(ctx context.Context, tx store.Tx, portfolioID string) (Mark, error) {
	rows, err := tx.ListHoldings(ctx, portfolioID)
	if err != nil {
		return Mark{}, err
	}
	quotes, degraded := s.fetchQuotes(ctx, Symbols(rows))
	return s.persist(ctx, tx, portfolioID, rows, quotes, degraded, s.now())
}

func (s *Service) persist(ctx context.Context, tx store.Tx, portfolioID string, rows []model.Holding,
	quotes map[string]decimal.Decimal, degraded bool, at time.Time) (Mark, error) {
	p, err := tx.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return Mark{}, err
	}
	b := Value(rows, quotes)
	m := Mark{
		PortfolioID:   portfolioID,
		CashBalance:   p.CashBalance,
		HoldingsValue: b.HoldingsValue,
		TotalValue:    model.Cents(p.CashBalance.Add(b.HoldingsValue)),
		Missing:       b.Missing,
		Degraded:      degraded,
		At:            at,
	}
	if err := tx.UpdateValuation(ctx, portfolioID, m.TotalValue, m.At); err != nil {
		return Mark{}, err
	}
	return m, nil
}

// Record counts m in the mark metrics. Call it only after the transaction
// that wrote m has committed.
func (m Mark) Record() {
	result := "ok"
	switch {
	case m.Degraded:
		result = "degraded"
	case len(m.Missing) > 0:
		result = "partial"
	}
	metrics.MarkToMarketTotal.WithLabelValues(result).Inc()
	if len(m.Missing) > 0 {
		metrics.MissingValuations.Add(float64(len(m.Missing)))
		slog.Warn("holdings valued at zero", "portfolio", m.PortfolioID, "symbols", m.Missing)
	}
}

// MarkToMarket values one portfolio in its own transaction.
func (s *Service) MarkToMarket(ctx context.Context, portfolioID string) (Mark, error) {
	var m Mark
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		m, err = s.MarkTx(ctx, tx, portfolioID)
		return err
	})
	if err != nil {
		metrics.MarkToMarketTotal.WithLabelValues("error").Inc()
		return Mark{}, fmt.Errorf("mark portfolio %s: %w", portfolioID, err)
	}
	m.Record()
	return m, nil
}

// History returns the value snapshots of a portfolio owned by userID, oldest first.
func (s *Service) History(ctx context.Context, userID, portfolioID string) ([]model.HistoryPoint, error) {
	var out []model.HistoryPoint
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPortfolio(ctx, portfolioID)
		if err != nil {
			return err
		}
		if p.UserID != userID {
			return store.ErrNotFound
		}
		out, err = tx.ListHistory(ctx, portfolioID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("portfolio history %s: %w", portfolioID, err)
	}
	if out == nil {
		out = []model.HistoryPoint{}
	}
	return out, nil
}
