package valuation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/model"
	"github.com/optarena/trading-engine/internal/position"
	"github.com/optarena/trading-engine/internal/store"
)

// HoldingView is a standalone position with its derived figures.
type HoldingView struct {
	model.Holding
	AveragePrice decimal.Decimal  `json:"average_price"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	MarketValue  *decimal.Decimal `json:"market_value,omitempty"`
}

// SpreadView is a paired spread with its derived figures.
type SpreadView struct {
	model.Spread
	LongPrice   *decimal.Decimal `json:"long_price,omitempty"`
	ShortPrice  *decimal.Decimal `json:"short_price,omitempty"`
	MarketValue *decimal.Decimal `json:"market_value,omitempty"`
}

// View is everything a client needs to render one portfolio.
type View struct {
	Portfolio   model.Portfolio `json:"portfolio"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	TotalValue  decimal.Decimal `json:"total_value"`
	ValuedAt    *time.Time      `json:"valued_at,omitempty"`
	// Stale reports that TotalValue is the cached figure, not a fresh mark.
	Stale    bool            `json:"stale"`
	Missing  []string        `json:"missing,omitempty"`
	Holdings []HoldingView   `json:"holdings"`
	Spreads  []SpreadView    `json:"spreads"`
	Orphans  []model.Holding `json:"orphan_legs,omitempty"`
	Trades   []model.Trade   `json:"trades"`
}

// PortfolioView loads the user's portfolio in a competition. With fresh, the
// portfolio is marked to market first and per-holding prices are included;
// otherwise the cached total is returned and labelled stale.
func (s *Service) PortfolioView(ctx context.Context, userID, competitionID string, fresh bool) (*View, error) {
	var (
		v      View
		quotes map[string]decimal.Decimal
		mark   *Mark
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetUserPortfolio(ctx, userID, competitionID)
		if err != nil {
			return err
		}
		rows, err := tx.ListHoldings(ctx, p.ID)
		if err != nil {
			return err
		}
		if fresh {
			var degraded bool
			quotes, degraded = s.fetchQuotes(ctx, Symbols(rows))
			m, err := s.persist(ctx, tx, p.ID, rows, quotes, degraded, s.now())
			if err != nil {
				return err
			}
			v.Missing = m.Missing
			mark = &m
			if p, err = tx.GetPortfolio(ctx, p.ID); err != nil {
				return err
			}
		}
		trades, err := tx.ListTrades(ctx, p.ID)
		if err != nil {
			return err
		}

		v.Portfolio = *p
		v.CashBalance = p.CashBalance
		v.TotalValue = p.TotalValue
		v.ValuedAt = p.ValuedAt
		v.Stale = !fresh
		v.Trades = trades
		if v.Trades == nil {
			v.Trades = []model.Trade{}
		}
		fillPositions(&v, rows, quotes)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("portfolio view for user %s in %s: %w", userID, competitionID, err)
	}
	if mark != nil {
		mark.Record()
	}
	return &v, nil
}

func fillPositions(v *View, rows []model.Holding, quotes map[string]decimal.Decimal) {
	split := position.PairSpreads(rows)
	lookup := func(sym string) *decimal.Decimal {
		if p, ok := quotes[sym]; ok {
			return &p
		}
		return nil
	}

	v.Holdings = make([]HoldingView, 0, len(split.Standalone))
	for _, h := range split.Standalone {
		hv := HoldingView{Holding: h, AveragePrice: h.AveragePrice().Round(4)}
		if p := lookup(h.InstrumentSymbol); p != nil {
			mv := model.Notional(*p, h.Quantity)
			hv.CurrentPrice, hv.MarketValue = p, &mv
		}
		v.Holdings = append(v.Holdings, hv)
	}

	v.Spreads = make([]SpreadView, 0, len(split.Spreads))
	for _, sp := range split.Spreads {
		sv := SpreadView{Spread: sp}
		sv.LongPrice = lookup(sp.Long.InstrumentSymbol)
		sv.ShortPrice = lookup(sp.Short.InstrumentSymbol)
		if sv.LongPrice != nil && sv.ShortPrice != nil {
			mv := model.Notional(sv.LongPrice.Sub(*sv.ShortPrice), sp.Quantity)
			sv.MarketValue = &mv
		}
		v.Spreads = append(v.Spreads, sv)
	}
	v.Orphans = split.Orphans
}

// Portfolios lists every portfolio the user holds, with cached values.
func (s *Service) Portfolios(ctx context.Context, userID string) ([]model.Portfolio, error) {
	var out []model.Portfolio
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListPortfoliosByUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("portfolios for user %s: %w", userID, err)
	}
	if out == nil {
		out = []model.Portfolio{}
	}
	return out, nil
}
