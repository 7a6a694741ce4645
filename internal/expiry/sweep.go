// Package expiry closes long option positions on their expiration date.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/optarena/trading-engine/internal/contract"
	"github.com/optarena/trading-engine/internal/markethours"
	"github.com/optarena/trading-engine/internal/metrics"
	"github.com/optarena/trading-engine/internal/model"
	"github.com/optarena/trading-engine/internal/store"
	"github.com/optarena/trading-engine/internal/trade"
	"github.com/optarena/trading-engine/internal/ws"
)

// ErrInvalidDate is returned for a sweep date not in YYYY-MM-DD form.
var ErrInvalidDate = errors.New("expiry: invalid date")

// Trader places the closing sale for each expiring position.
type Trader interface {
	PlaceTrade(ctx context.Context, userID, competitionID string, req trade.TradeRequest) (*trade.TradeResult, error)
}

// Failure is one position the sweep could not close.
type Failure struct {
	Position model.ExpiringPosition `json:"position"`
	Error    string                 `json:"error"`
}

// Report summarises one sweep.
type Report struct {
	Date   string    `json:"date"`
	Found  int       `json:"found"`
	Closed int       `json:"closed"`
	Failed []Failure `json:"failed"`
}

// Sweeper sells every net-long position expiring on a given date.
type Sweeper struct {
	store   store.Store
	trader  Trader
	hub     *ws.Hub
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source used by RunToday.
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// WithHub enables the sweep-complete broadcast.
func WithHub(h *ws.Hub) Option { return func(s *Sweeper) { s.hub = h } }

// WithPositionTimeout bounds each closing trade.
func WithPositionTimeout(d time.Duration) Option { return func(s *Sweeper) { s.timeout = d } }

// NewSweeper creates a sweeper.
func NewSweeper(st store.Store, trader Trader, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:   st,
		trader:  trader,
		now:     func() time.Time { return time.Now().UTC() },
		timeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RunToday sweeps positions expiring on the current exchange date.
func (s *Sweeper) RunToday(ctx context.Context) (Report, error) {
	return s.Run(ctx, markethours.Today(s.now()))
}

// Run sells the full net quantity of every position expiring on date
// (YYYY-MM-DD). A failed sale is recorded in the report and the sweep moves
// on; only failing to list the positions aborts the run.
func (s *Sweeper) Run(ctx context.Context, date string) (Report, error) {
	rep := Report{Date: date, Failed: []Failure{}}
	if _, err := time.Parse(contract.DateLayout, date); err != nil {
		return rep, fmt.Errorf("%w %q", ErrInvalidDate, date)
	}

	var positions []model.ExpiringPosition
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		positions, err = tx.ListExpiringPositions(ctx, date)
		return err
	})
	if err != nil {
		slog.Error("expiry sweep: listing positions failed", "date", date, "err", err)
		return rep, fmt.Errorf("expiry sweep %s: %w", date, err)
	}
	rep.Found = len(positions)

	for _, pos := range positions {
		if ctx.Err() != nil {
			rep.Failed = append(rep.Failed, Failure{Position: pos, Error: ctx.Err().Error()})
			metrics.ExpiryPositions.WithLabelValues("failed").Inc()
			continue
		}
		if err := s.close(ctx, pos); err != nil {
			slog.Warn("expiry sweep: close failed",
				"portfolio", pos.PortfolioID,
				"instrument", pos.InstrumentSymbol,
				"quantity", pos.NetQuantity,
				"err", err,
			)
			rep.Failed = append(rep.Failed, Failure{Position: pos, Error: err.Error()})
			metrics.ExpiryPositions.WithLabelValues("failed").Inc()
			continue
		}
		rep.Closed++
		metrics.ExpiryPositions.WithLabelValues("closed").Inc()
	}

	slog.Info("expiry sweep complete", "date", date, "found", rep.Found, "closed", rep.Closed, "failed", len(rep.Failed))
	s.hub.Broadcast(ws.Event{Type: ws.ExpirySweepDone, Count: rep.Closed, Timestamp: s.now()})
	return rep, nil
}

func (s *Sweeper) close(ctx context.Context, pos model.ExpiringPosition) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.trader.PlaceTrade(ctx, pos.UserID, pos.CompetitionID, trade.TradeRequest{
		Symbol:           pos.Symbol,
		InstrumentSymbol: pos.InstrumentSymbol,
		Direction:        model.Sell,
		Quantity:         pos.NetQuantity,
	})
	return err
}
