package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/optarena/trading-engine/internal/model"
	"github.com/optarena/trading-engine/internal/position"
	"github.com/optarena/trading-engine/internal/store"
	"github.com/optarena/trading-engine/internal/valuation"
)

// RebuildReport describes one holdings rebuild.
type RebuildReport struct {
	PortfolioID string             `json:"portfolio_id"`
	Holdings    []model.Holding    `json:"holdings"`
	Drift       []position.Drift   `json:"drift"`
	Anomalies   []position.Anomaly `json:"anomalies"`
}

// RebuildHoldings replaces a portfolio's holdings with a fresh replay of its
// trade log and reports how the persisted projection had drifted. Cash is
// left alone; the cached valuation is refreshed.
//
// If the replay finds anomalies nothing is written: the report is returned
// together with ErrLedgerAnomalies.
func (s *Service) RebuildHoldings(ctx context.Context, portfolioID string) (*RebuildReport, error) {
	rep := &RebuildReport{PortfolioID: portfolioID}
	var mark valuation.Mark
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockPortfolioByID(ctx, portfolioID); err != nil {
			return notFound(err, ErrPortfolioNotFound)
		}
		trades, err := tx.ListTrades(ctx, portfolioID)
		if err != nil {
			return err
		}
		persisted, err := tx.ListHoldings(ctx, portfolioID)
		if err != nil {
			return err
		}

		rebuilt := position.Reconstruct(portfolioID, trades)
		rep.Drift = position.Diff(persisted, rebuilt.Holdings)
		rep.Anomalies = rebuilt.Anomalies
		if len(rep.Anomalies) > 0 {
			rep.Holdings = persisted
			return ErrLedgerAnomalies
		}

		if err := tx.DeleteAllHoldings(ctx, portfolioID); err != nil {
			return err
		}
		at := s.now()
		for i := range rebuilt.Holdings {
			h := &rebuilt.Holdings[i]
			h.ID = ""
			if h.CreatedAt.IsZero() {
				h.CreatedAt = at
			}
			h.UpdatedAt = at
			if err := tx.InsertHolding(ctx, h); err != nil {
				return err
			}
		}
		rep.Holdings = rebuilt.Holdings

		mark, err = s.marker.MarkTx(ctx, tx, portfolioID)
		return err
	})
	refused := errors.Is(err, ErrLedgerAnomalies)
	if err != nil && !refused {
		return nil, fmt.Errorf("rebuild holdings for %s: %w", portfolioID, err)
	}

	if rep.Holdings == nil {
		rep.Holdings = []model.Holding{}
	}
	if rep.Drift == nil {
		rep.Drift = []position.Drift{}
	}
	if rep.Anomalies == nil {
		rep.Anomalies = []position.Anomaly{}
	}
	if refused {
		slog.Warn("holdings rebuild refused",
			"portfolio", portfolioID,
			"drift", len(rep.Drift),
			"anomalies", len(rep.Anomalies),
		)
		return rep, fmt.Errorf("rebuild holdings for %s: %w", portfolioID, err)
	}
	mark.Record()

	if len(rep.Drift) > 0 {
		slog.Warn("holdings rebuilt with drift", "portfolio", portfolioID, "drift", len(rep.Drift))
	} else {
		slog.Info("holdings rebuilt", "portfolio", portfolioID, "rows", len(rep.Holdings))
	}
	return rep, nil
}
