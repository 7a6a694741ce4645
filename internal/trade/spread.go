package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/contract"
	"github.com/optarena/trading-engine/internal/metrics"
	"github.com/optarena/trading-engine/internal/model"
	"github.com/optarena/trading-engine/internal/position"
	"github.com/optarena/trading-engine/internal/store"
	"github.com/optarena/trading-engine/internal/valuation"
	"github.com/optarena/trading-engine/internal/ws"
)

// SpreadRequest opens a vertical debit spread: buy LongLeg, sell ShortLeg.
type SpreadRequest struct {
	Symbol     string           `json:"symbol"`
	SpreadType model.SpreadType `json:"spread_type"`
	LongLeg    string           `json:"long_leg"`
	ShortLeg   string           `json:"short_leg"`
	Quantity   int64            `json:"quantity"`
}

// SpreadResult is returned from PlaceSpreadTrade.
type SpreadResult struct {
	SpreadID    string          `json:"spread_id"`
	NetDebit    decimal.Decimal `json:"net_debit"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Trades      []model.Trade   `json:"trades"`
}

// CloseResult is returned from CloseSpreadTrade.
type CloseResult struct {
	SpreadID    string          `json:"spread_id"`
	NetCredit   decimal.Decimal `json:"net_credit"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Trades      []model.Trade   `json:"trades"`
}

// PlaceSpreadTrade opens a CALL_DEBIT or PUT_DEBIT vertical. Both legs are
// priced in one quote call and the net debit is charged in one transaction.
func (s *Service) PlaceSpreadTrade(ctx context.Context, userID, competitionID string, req SpreadRequest) (res *SpreadResult, err error) {
	start := time.Now()
	defer func() { observe("spread_open", start, err) }()

	long, short, err := validateSpread(&req)
	if err != nil {
		return nil, err
	}
	if err := s.checkExpiry(long, short); err != nil {
		return nil, err
	}
	if err := s.checkMarket(); err != nil {
		return nil, err
	}
	prices, err := s.quotes(ctx, long.Symbol, short.Symbol)
	if err != nil {
		return nil, err
	}
	longPrice, shortPrice := prices[long.Symbol], prices[short.Symbol]

	legs := position.OpenSpreadLegs("", "", req.Symbol, long.Right, long.Symbol, short.Symbol,
		longPrice, shortPrice, req.Quantity, time.Time{})
	netDebit := legs[0].CostBasis.Add(legs[1].CostBasis)
	if !netDebit.IsPositive() {
		return nil, fmt.Errorf("%w: net debit %s must be positive", ErrInvalidSpreadEconomics, netDebit)
	}

	res = &SpreadResult{SpreadID: uuid.New().String(), NetDebit: netDebit}
	var mark valuation.Mark
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPortfolio(ctx, userID, competitionID)
		if err != nil {
			return notFound(err, ErrPortfolioNotFound)
		}
		if p.CashBalance.LessThan(netDebit) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, netDebit, p.CashBalance)
		}
		if _, err := tx.AdjustCash(ctx, p.ID, netDebit.Neg()); err != nil {
			return err
		}

		at := s.now()
		rows := position.OpenSpreadLegs(p.ID, res.SpreadID, req.Symbol, long.Right, long.Symbol, short.Symbol,
			longPrice, shortPrice, req.Quantity, at)
		for i := range rows {
			if err := tx.InsertHolding(ctx, &rows[i]); err != nil {
				return err
			}
		}

		spreadID := res.SpreadID
		trades := []model.Trade{
			spreadTrade(p.ID, req.Symbol, long, model.Buy, req.Quantity, longPrice, at, spreadID),
			spreadTrade(p.ID, req.Symbol, short, model.Sell, req.Quantity, shortPrice, at, spreadID),
		}
		for i := range trades {
			if err := tx.InsertTrade(ctx, &trades[i]); err != nil {
				return err
			}
		}

		m, err := s.marker.MarkTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		res.Trades = trades
		res.CashBalance = m.CashBalance
		res.TotalValue = m.TotalValue
		mark = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("place spread trade: %w", err)
	}
	mark.Record()

	metrics.SpreadsTotal.WithLabelValues("open").Inc()
	metrics.TradesTotal.WithLabelValues(string(model.Buy)).Inc()
	metrics.TradesTotal.WithLabelValues(string(model.Sell)).Inc()
	slog.Info("spread opened",
		"spread", res.SpreadID,
		"user", userID,
		"type", req.SpreadType,
		"long", long.Symbol,
		"short", short.Symbol,
		"quantity", req.Quantity,
		"net_debit", netDebit.String(),
	)
	s.hub.Broadcast(ws.Event{
		Type:          ws.SpreadOpened,
		CompetitionID: competitionID,
		PortfolioID:   res.Trades[0].PortfolioID,
		UserID:        userID,
		SpreadID:      res.SpreadID,
		Quantity:      req.Quantity,
		Amount:        netDebit.String(),
		Timestamp:     res.Trades[0].Timestamp,
	})
	return res, nil
}

// CloseSpreadTrade sells the long leg and buys back the short leg of an open
// spread owned by userID, crediting the net proceeds.
func (s *Service) CloseSpreadTrade(ctx context.Context, userID, spreadID string) (res *CloseResult, err error) {
	start := time.Now()
	defer func() { observe("spread_close", start, err) }()

	if spreadID == "" {
		return nil, invalid("spread id is required")
	}
	if err := s.checkMarket(); err != nil {
		return nil, err
	}

	// Read the legs to know what to price; they are re-read under lock below.
	var legs []model.Holding
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		legs, err = tx.ListSpreadLegs(ctx, userID, spreadID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("close spread: %w", err)
	}
	long, short, ok := position.Legs(legs)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSpreadNotFound, spreadID)
	}
	prices, err := s.quotes(ctx, long.InstrumentSymbol, short.InstrumentSymbol)
	if err != nil {
		return nil, err
	}

	res = &CloseResult{SpreadID: spreadID}
	var competitionID string
	var mark valuation.Mark
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPortfolioByID(ctx, long.PortfolioID)
		if err != nil {
			return notFound(err, ErrPortfolioNotFound)
		}
		competitionID = p.CompetitionID

		rows, err := tx.ListSpreadLegs(ctx, userID, spreadID)
		if err != nil {
			return err
		}
		long, short, ok := position.Legs(rows)
		if !ok {
			return fmt.Errorf("%w: %s", ErrSpreadNotFound, spreadID)
		}
		longPrice, okL := prices[long.InstrumentSymbol]
		shortPrice, okS := prices[short.InstrumentSymbol]
		if !okL || !okS {
			return fmt.Errorf("%w: spread %s changed while pricing", ErrQuoteUnavailable, spreadID)
		}

		longQty, shortQty := long.Quantity, -short.Quantity
		credit := model.Notional(longPrice, longQty).Sub(model.Notional(shortPrice, shortQty))
		if credit.IsNegative() {
			return fmt.Errorf("%w: net credit %s is negative", ErrInvalidSpreadEconomics, credit)
		}

		at := s.now()
		longC, err := contract.ParseSymbol(long.InstrumentSymbol)
		if err != nil {
			return err
		}
		shortC, err := contract.ParseSymbol(short.InstrumentSymbol)
		if err != nil {
			return err
		}
		trades := []model.Trade{
			spreadTrade(p.ID, long.Symbol, longC, model.Sell, longQty, longPrice, at, spreadID),
			spreadTrade(p.ID, short.Symbol, shortC, model.Buy, shortQty, shortPrice, at, spreadID),
		}
		for i := range trades {
			if err := tx.InsertTrade(ctx, &trades[i]); err != nil {
				return err
			}
		}
		for _, h := range rows {
			if err := tx.DeleteHolding(ctx, h.ID); err != nil {
				return err
			}
		}
		if _, err := tx.AdjustCash(ctx, p.ID, credit); err != nil {
			return err
		}

		m, err := s.marker.MarkTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		res.NetCredit = credit
		res.Trades = trades
		res.CashBalance = m.CashBalance
		res.TotalValue = m.TotalValue
		mark = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("close spread: %w", err)
	}
	mark.Record()

	metrics.SpreadsTotal.WithLabelValues("close").Inc()
	metrics.TradesTotal.WithLabelValues(string(model.Buy)).Inc()
	metrics.TradesTotal.WithLabelValues(string(model.Sell)).Inc()
	slog.Info("spread closed",
		"spread", spreadID,
		"user", userID,
		"net_credit", res.NetCredit.String(),
		"cash", res.CashBalance.String(),
	)
	s.hub.Broadcast(ws.Event{
		Type:          ws.SpreadClosed,
		CompetitionID: competitionID,
		PortfolioID:   long.PortfolioID,
		UserID:        userID,
		SpreadID:      spreadID,
		Amount:        res.NetCredit.String(),
		Timestamp:     res.Trades[0].Timestamp,
	})
	return res, nil
}

func spreadTrade(portfolioID, symbol string, c *contract.Contract, dir model.Direction, qty int64,
	price decimal.Decimal, at time.Time, spreadID string) model.Trade {
	id := spreadID
	return model.Trade{
		PortfolioID:      portfolioID,
		Symbol:           symbol,
		InstrumentSymbol: c.Symbol,
		Direction:        dir,
		Right:            c.Right,
		Quantity:         qty,
		Price:            price,
		Timestamp:        at,
		SpreadID:         &id,
		ExpirationDate:   c.ExpirationDate(),
	}
}

// validateSpread checks leg consistency and strike ordering for the spread type.
func validateSpread(req *SpreadRequest) (long, short *contract.Contract, err error) {
	var right model.Right
	switch req.SpreadType {
	case model.CallDebit:
		right = model.Call
	case model.PutDebit:
		right = model.Put
	default:
		return nil, nil, invalid("spread type must be CALL_DEBIT or PUT_DEBIT, got %q", req.SpreadType)
	}
	if req.Quantity <= 0 {
		return nil, nil, invalid("quantity must be positive, got %d", req.Quantity)
	}
	if long, err = contract.ParseSymbol(req.LongLeg); err != nil {
		return nil, nil, fmt.Errorf("%w: long leg: %v", ErrValidation, err)
	}
	if short, err = contract.ParseSymbol(req.ShortLeg); err != nil {
		return nil, nil, fmt.Errorf("%w: short leg: %v", ErrValidation, err)
	}

	if long.Underlying != short.Underlying {
		return nil, nil, invalid("legs have different underlyings %s and %s", long.Underlying, short.Underlying)
	}
	if req.Symbol == "" {
		req.Symbol = long.Underlying
	} else if req.Symbol != long.Underlying {
		return nil, nil, invalid("symbol %s does not match leg underlying %s", req.Symbol, long.Underlying)
	}
	if long.Right != right || short.Right != right {
		return nil, nil, invalid("%s requires two %s legs", req.SpreadType, right)
	}
	if !long.Expiry.Equal(short.Expiry) {
		return nil, nil, invalid("legs expire on different dates %s and %s", long.ExpirationDate(), short.ExpirationDate())
	}

	switch req.SpreadType {
	case model.CallDebit:
		if !long.Strike.LessThan(short.Strike) {
			return nil, nil, fmt.Errorf("%w: call debit needs long strike %s below short strike %s",
				ErrInvalidSpreadStrikes, long.Strike, short.Strike)
		}
	case model.PutDebit:
		if !long.Strike.GreaterThan(short.Strike) {
			return nil, nil, fmt.Errorf("%w: put debit needs long strike %s above short strike %s",
				ErrInvalidSpreadStrikes, long.Strike, short.Strike)
		}
	}
	return long, short, nil
}
