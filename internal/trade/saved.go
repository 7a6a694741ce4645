package trade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/optarena/trading-engine/internal/model"
	"github.com/optarena/trading-engine/internal/store"
)

// SaveTradeRequest stages a single-leg order for later execution.
type SaveTradeRequest struct {
	TradeRequest
	Note string `json:"note,omitempty"`
}

// SaveTrade validates and stores a staged order in the user's portfolio. No
// cash or holdings are touched and no quote is taken.
func (s *Service) SaveTrade(ctx context.Context, userID, competitionID string, req SaveTradeRequest) (*model.SavedTrade, error) {
	c, err := validateTrade(&req.TradeRequest)
	if err != nil {
		return nil, err
	}

	st := &model.SavedTrade{
		Symbol:           req.Symbol,
		InstrumentSymbol: c.Symbol,
		Direction:        req.Direction,
		Right:            req.Right,
		Quantity:         req.Quantity,
		StrikePrice:      c.Strike,
		ExpirationDate:   c.Expiry.Unix(),
		CreatedAt:        s.now(),
	}
	if note := strings.TrimSpace(req.Note); note != "" {
		st.Note = &note
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetUserPortfolio(ctx, userID, competitionID)
		if err != nil {
			return notFound(err, ErrPortfolioNotFound)
		}
		st.PortfolioID = p.ID
		return tx.InsertSavedTrade(ctx, st)
	})
	if err != nil {
		return nil, fmt.Errorf("save trade: %w", err)
	}
	slog.Info("trade saved", "saved_trade", st.ID, "user", userID, "instrument", st.InstrumentSymbol)
	return st, nil
}

// ListSavedTrades returns the user's staged orders in a competition, newest first.
func (s *Service) ListSavedTrades(ctx context.Context, userID, competitionID string) ([]model.SavedTrade, error) {
	var out []model.SavedTrade
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetUserPortfolio(ctx, userID, competitionID)
		if err != nil {
			return notFound(err, ErrPortfolioNotFound)
		}
		out, err = tx.ListSavedTrades(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list saved trades: %w", err)
	}
	if out == nil {
		out = []model.SavedTrade{}
	}
	return out, nil
}

// DeleteSavedTrade removes a staged order owned by userID.
func (s *Service) DeleteSavedTrade(ctx context.Context, userID, id string) error {
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetSavedTrade(ctx, userID, id); err != nil {
			return notFound(err, ErrSavedTradeNotFound)
		}
		return tx.DeleteSavedTrade(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete saved trade %s: %w", id, err)
	}
	return nil
}

// ExecuteSavedTrade places a staged order at the current quote and removes
// it once the trade has committed. A failed trade leaves it staged.
func (s *Service) ExecuteSavedTrade(ctx context.Context, userID, id string) (*TradeResult, error) {
	var (
		saved         *model.SavedTrade
		competitionID string
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if saved, err = tx.GetSavedTrade(ctx, userID, id); err != nil {
			return notFound(err, ErrSavedTradeNotFound)
		}
		p, err := tx.GetPortfolio(ctx, saved.PortfolioID)
		if err != nil {
			return notFound(err, ErrPortfolioNotFound)
		}
		competitionID = p.CompetitionID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("execute saved trade %s: %w", id, err)
	}

	res, err := s.PlaceTrade(ctx, userID, competitionID, TradeRequest{
		Symbol:           saved.Symbol,
		InstrumentSymbol: saved.InstrumentSymbol,
		Direction:        saved.Direction,
		Right:            saved.Right,
		Quantity:         saved.Quantity,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.DeleteSavedTrade(ctx, id)
	})
	if err != nil {
		slog.Warn("saved trade executed but not removed", "saved_trade", id, "trade", res.Trade.ID, "err", err)
	}
	return res, nil
}
