package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/optarena/trading-engine/internal/expiry"
	"github.com/optarena/trading-engine/internal/markethours"
	"github.com/optarena/trading-engine/internal/valuation"
)

// nextSweep returns the first weekday at hour:minute exchange time strictly
// after now.
func nextSweep(now time.Time, hour, minute int) time.Time {
	local := now.In(markethours.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, markethours.Location)
	for !next.After(local) || next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// runSweeps fires the expiry sweep once per trading day until ctx ends.
func runSweeps(ctx context.Context, sw *expiry.Sweeper, hour, minute int) {
	for {
		at := nextSweep(time.Now(), hour, minute)
		slog.Info("next expiry sweep scheduled", "at", at)
		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := sw.RunToday(ctx); err != nil {
			slog.Error("scheduled expiry sweep failed", "err", err)
		}
	}
}

// runSnapshots appends a portfolio history row for every active portfolio
// on each tick until ctx ends.
func runSnapshots(ctx context.Context, vals *valuation.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are logged by the service.
			_, _ = vals.SnapshotAllPortfolios(ctx)
		}
	}
}
