package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/optarena/trading-engine/internal/model"
	"github.com/optarena/trading-engine/internal/store"
	"github.com/optarena/trading-engine/internal/ws"
)

// GetLeaderboard ranks a competition's portfolios by total value, highest
// first. With refresh, every portfolio is marked to market first; a portfolio
// that fails to mark keeps its cached value. Without refresh, the cached
// values are returned as-is, each with the time it was computed.
func (s *Service) GetLeaderboard(ctx context.Context, competitionID string, refresh bool) ([]model.LeaderboardEntry, error) {
	portfolios, err := s.competitionPortfolios(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	if refresh && len(portfolios) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, p := range portfolios {
			id := p.ID
			g.Go(func() error {
				if _, err := s.MarkToMarket(gctx, id); err != nil {
					slog.Warn("leaderboard refresh: keeping cached value", "portfolio", id, "err", err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if portfolios, err = s.competitionPortfolios(ctx, competitionID); err != nil {
			return nil, err
		}
		s.hub.Broadcast(ws.Event{Type: ws.LeaderboardReady, CompetitionID: competitionID, Count: len(portfolios)})
	}

	return Rank(portfolios), nil
}

func (s *Service) competitionPortfolios(ctx context.Context, competitionID string) ([]model.Portfolio, error) {
	var out []model.Portfolio
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetCompetition(ctx, competitionID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListPortfoliosByCompetition(ctx, competitionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("leaderboard %s: %w", competitionID, err)
	}
	return out, nil
}

// Rank orders portfolios by cached total value, descending. Ties keep their
// input order. Ranks start at 1.
func Rank(portfolios []model.Portfolio) []model.LeaderboardEntry {
	ordered := make([]model.Portfolio, len(portfolios))
	copy(ordered, portfolios)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TotalValue.GreaterThan(ordered[j].TotalValue)
	})

	entries := make([]model.LeaderboardEntry, len(ordered))
	for i, p := range ordered {
		entries[i] = model.LeaderboardEntry{
			Rank:        i + 1,
			PortfolioID: p.ID,
			UserID:      p.UserID,
			TotalValue:  p.TotalValue,
			CashBalance: p.CashBalance,
			ValuedAt:    p.ValuedAt,
		}
	}
	return entries
}
