// Package trade executes option trades against a portfolio's cash and
// holdings.
//
// Every operation validates and prices first, then performs all of its
// writes in one store transaction: the portfolio row is locked, funds and
// position are re-checked against the locked state, the ledger trade and
// the holdings projection are written, and the cached valuation is
// refreshed. Any failure rolls the whole operation back.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/contract"
	"github.com/optarena/trading-engine/internal/markethours"
	"github.com/optarena/trading-engine/internal/metrics"
	"github.com/optarena/trading-engine/internal/model"
	"github.com/optarena/trading-engine/internal/position"
	"github.com/optarena/trading-engine/internal/quote"
	"github.com/optarena/trading-engine/internal/store"
	"github.com/optarena/trading-engine/internal/valuation"
	"github.com/optarena/trading-engine/internal/ws"
)

// Marker refreshes a portfolio's cached valuation inside a transaction.
type Marker interface {
	MarkTx(ctx context.Context, tx store.Tx, portfolioID string) (valuation.Mark, error)
}

// Service handles trade execution. It holds no mutable state of its own;
// concurrent trades on one portfolio are serialised by the store's row lock.
type Service struct {
	store        store.Store
	oracle       quote.Oracle
	marker       Marker
	hub          *ws.Hub
	now          func() time.Time
	testMode     bool
	quoteTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithTestMode disables the market-hours check.
func WithTestMode(on bool) Option { return func(s *Service) { s.testMode = on } }

// WithHub enables WebSocket broadcasts. A nil hub disables them.
func WithHub(h *ws.Hub) Option { return func(s *Service) { s.hub = h } }

// WithQuoteTimeout bounds each quote call.
func WithQuoteTimeout(d time.Duration) Option { return func(s *Service) { s.quoteTimeout = d } }

// NewService creates a new trade service.
func NewService(st store.Store, oracle quote.Oracle, marker Marker, opts ...Option) *Service {
	s := &Service{
		store:        st,
		oracle:       oracle,
		marker:       marker,
		now:          func() time.Time { return time.Now().UTC() },
		quoteTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// --- Request/Response types ---

// TradeRequest is a single-leg order.
type TradeRequest struct {
	Symbol           string          `json:"symbol"`            // underlying; derived from the instrument if empty
	InstrumentSymbol string          `json:"instrument_symbol"` // AAPL260204C00250000
	Direction        model.Direction `json:"direction"`
	Right            model.Right     `json:"right"` // derived from the instrument if empty
	Quantity         int64           `json:"quantity"`
}

// TradeResult is returned from PlaceTrade.
type TradeResult struct {
	Trade       model.Trade     `json:"trade"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	TotalValue  decimal.Decimal `json:"total_value"`
}

// PlaceTrade executes a BUY or SELL of one option contract series at the
// current quote.
func (s *Service) PlaceTrade(ctx context.Context, userID, competitionID string, req TradeRequest) (res *TradeResult, err error) {
	start := time.Now()
	defer func() { observe("trade", start, err) }()

	c, err := validateTrade(&req)
	if err != nil {
		return nil, err
	}
	if req.Direction == model.Buy {
		if err := s.checkExpiry(c); err != nil {
			return nil, err
		}
	}
	if err := s.checkMarket(); err != nil {
		return nil, err
	}
	prices, err := s.quotes(ctx, c.Symbol)
	if err != nil {
		return nil, err
	}
	price := prices[c.Symbol]
	cost := model.Notional(price, req.Quantity)

	res = &TradeResult{}
	var mark valuation.Mark
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPortfolio(ctx, userID, competitionID)
		if err != nil {
			return notFound(err, ErrPortfolioNotFound)
		}
		at := s.now()

		switch req.Direction {
		case model.Buy:
			if p.CashBalance.LessThan(cost) {
				return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, p.CashBalance)
			}
			if _, err := tx.AdjustCash(ctx, p.ID, cost.Neg()); err != nil {
				return err
			}
			if err := s.addToHolding(ctx, tx, p.ID, c, req, price, at); err != nil {
				return err
			}
		case model.Sell:
			if err := s.reduceHolding(ctx, tx, p.ID, c.Symbol, req.Quantity, at); err != nil {
				return err
			}
			if _, err := tx.AdjustCash(ctx, p.ID, cost); err != nil {
				return err
			}
		}

		t := model.Trade{
			PortfolioID:      p.ID,
			Symbol:           req.Symbol,
			InstrumentSymbol: c.Symbol,
			Direction:        req.Direction,
			Right:            req.Right,
			Quantity:         req.Quantity,
			Price:            price,
			Timestamp:        at,
			ExpirationDate:   c.ExpirationDate(),
		}
		if err := tx.InsertTrade(ctx, &t); err != nil {
			return err
		}

		m, err := s.marker.MarkTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		res.Trade = t
		res.CashBalance = m.CashBalance
		res.TotalValue = m.TotalValue
		mark = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("place trade: %w", err)
	}
	mark.Record()

	metrics.TradesTotal.WithLabelValues(string(req.Direction)).Inc()
	slog.Info("trade executed",
		"trade", res.Trade.ID,
		"portfolio", res.Trade.PortfolioID,
		"user", userID,
		"instrument", c.Symbol,
		"direction", req.Direction,
		"quantity", req.Quantity,
		"price", price.String(),
		"cash", res.CashBalance.String(),
	)
	s.hub.Broadcast(ws.Event{
		Type:             ws.TradeExecuted,
		CompetitionID:    competitionID,
		PortfolioID:      res.Trade.PortfolioID,
		UserID:           userID,
		InstrumentSymbol: c.Symbol,
		Direction:        string(req.Direction),
		Quantity:         req.Quantity,
		Price:            price.String(),
		Amount:           cost.String(),
		Timestamp:        res.Trade.Timestamp,
	})
	return res, nil
}

// addToHolding folds a BUY into the standalone row, creating it if needed.
func (s *Service) addToHolding(ctx context.Context, tx store.Tx, portfolioID string, c *contract.Contract,
	req TradeRequest, price decimal.Decimal, at time.Time) error {
	h, err := tx.GetStandaloneHolding(ctx, portfolioID, c.Symbol)
	if errors.Is(err, store.ErrNotFound) {
		h = &model.Holding{
			PortfolioID:      portfolioID,
			Symbol:           req.Symbol,
			InstrumentSymbol: c.Symbol,
			Right:            req.Right,
			CostBasis:        decimal.Zero,
			CreatedAt:        at,
			UpdatedAt:        at,
		}
		position.ApplyBuy(h, price, req.Quantity)
		return tx.InsertHolding(ctx, h)
	}
	if err != nil {
		return err
	}
	position.ApplyBuy(h, price, req.Quantity)
	h.UpdatedAt = at
	return tx.UpdateHolding(ctx, h)
}

// reduceHolding removes qty contracts from the instrument's long rows,
// oldest first. Short spread legs are never touched.
func (s *Service) reduceHolding(ctx context.Context, tx store.Tx, portfolioID, instrument string, qty int64, at time.Time) error {
	rows, err := tx.ListInstrumentHoldings(ctx, portfolioID, instrument)
	if err != nil {
		return err
	}
	red, err := position.ReduceLots(rows, qty)
	if errors.Is(err, position.ErrInsufficientQuantity) {
		return fmt.Errorf("%w: %v", ErrInsufficientPosition, err)
	}
	if err != nil {
		return err
	}
	for i := range red.Updated {
		red.Updated[i].UpdatedAt = at
		if err := tx.UpdateHolding(ctx, &red.Updated[i]); err != nil {
			return err
		}
	}
	for _, h := range red.Deleted {
		if err := tx.DeleteHolding(ctx, h.ID); err != nil {
			return err
		}
	}
	return nil
}

// validateTrade checks a single-leg request and fills the fields derivable
// from the instrument symbol.
func validateTrade(req *TradeRequest) (*contract.Contract, error) {
	if !req.Direction.Valid() {
		return nil, invalid("direction must be BUY or SELL, got %q", req.Direction)
	}
	if req.Quantity <= 0 {
		return nil, invalid("quantity must be positive, got %d", req.Quantity)
	}
	c, err := contract.ParseSymbol(req.InstrumentSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Symbol == "" {
		req.Symbol = c.Underlying
	} else if req.Symbol != c.Underlying {
		return nil, invalid("symbol %s does not match instrument underlying %s", req.Symbol, c.Underlying)
	}
	if req.Right == "" {
		req.Right = c.Right
	} else if !req.Right.Valid() {
		return nil, invalid("right must be CALL or PUT, got %q", req.Right)
	} else if req.Right != c.Right {
		return nil, invalid("right %s does not match instrument right %s", req.Right, c.Right)
	}
	return c, nil
}

// checkExpiry refuses opening positions in instruments that have expired.
func (s *Service) checkExpiry(cs ...*contract.Contract) error {
	today := markethours.Today(s.now())
	for _, c := range cs {
		if c.ExpirationDate() < today {
			return invalid("%s expired on %s", c.Symbol, c.ExpirationDate())
		}
	}
	return nil
}

func (s *Service) checkMarket() error {
	if s.testMode || markethours.IsOpen(s.now()) {
		return nil
	}
	return ErrMarketClosed
}

// quotes prices every symbol or fails with ErrQuoteUnavailable.
func (s *Service) quotes(ctx context.Context, symbols ...string) (map[string]decimal.Decimal, error) {
	qctx, cancel := context.WithTimeout(ctx, s.quoteTimeout)
	defer cancel()

	prices, err := s.oracle.GetQuotes(qctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	for _, sym := range symbols {
		p, ok := prices[sym]
		if !ok || !p.IsPositive() {
			return nil, fmt.Errorf("%w: no price for %s", ErrQuoteUnavailable, sym)
		}
	}
	return prices, nil
}

func observe(op string, start time.Time, err error) {
	metrics.TradeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TradeRejections.WithLabelValues(reason(err)).Inc()
	}
}
