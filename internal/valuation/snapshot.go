package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/optarena/trading-engine/internal/metrics"
	"github.com/optarena/trading-engine/internal/model"
	"github.com/optarena/trading-engine/internal/store"
	"github.com/optarena/trading-engine/internal/ws"
)

// SnapshotResult summarises one snapshot run.
type SnapshotResult struct {
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// SnapshotAllPortfolios marks every portfolio of every active competition and
// appends one history row each, all in one transaction with one batched quote
// call. Either every row is written or none is.
func (s *Service) SnapshotAllPortfolios(ctx context.Context) (SnapshotResult, error) {
	var (
		res   SnapshotResult
		marks []Mark
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		portfolios, err := tx.ListActivePortfolios(ctx)
		if err != nil {
			return err
		}

		rows := make(map[string][]model.Holding, len(portfolios))
		var symbols []string
		for _, p := range portfolios {
			h, err := tx.ListHoldings(ctx, p.ID)
			if err != nil {
				return err
			}
			rows[p.ID] = h
			symbols = append(symbols, Symbols(h)...)
		}
		quotes, degraded := s.fetchQuotes(ctx, symbols)

		res.At = s.now()
		marks = marks[:0]
		for _, p := range portfolios {
			m, err := s.persist(ctx, tx, p.ID, rows[p.ID], quotes, degraded, res.At)
			if err != nil {
				return err
			}
			point := &model.HistoryPoint{
				PortfolioID: p.ID,
				TotalValue:  m.TotalValue,
				CashBalance: m.CashBalance,
				Timestamp:   res.At,
			}
			if err := tx.InsertHistory(ctx, point); err != nil {
				return err
			}
			marks = append(marks, m)
			res.Count++
		}
		return nil
	})
	if err != nil {
		slog.Error("portfolio snapshot failed", "err", err)
		return SnapshotResult{}, fmt.Errorf("snapshot portfolios: %w", err)
	}

	for _, m := range marks {
		m.Record()
	}
	metrics.SnapshotRows.Add(float64(res.Count))
	slog.Info("portfolio snapshot complete", "count", res.Count, "at", res.At)
	s.hub.Broadcast(ws.Event{Type: ws.SnapshotTaken, Count: res.Count, Timestamp: res.At})
	return res, nil
}
