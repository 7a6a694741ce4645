package position

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 2, 2, 15, 0, 0, 0, time.UTC)

func trade(id string, offset int, dir model.Direction, symbol string, qty int64, price float64) model.Trade {
	return model.Trade{
		ID:               id,
		PortfolioID:      "p1",
		Symbol:           "AAPL",
		InstrumentSymbol: symbol,
		Direction:        dir,
		Right:            model.Call,
		Quantity:         qty,
		Price:            d(price),
		Timestamp:        t0.Add(time.Duration(offset) * time.Minute),
		ExpirationDate:   "2026-02-04",
	}
}

func spreadTrade(id string, offset int, dir model.Direction, symbol, spreadID string, qty int64, price float64) model.Trade {
	t := trade(id, offset, dir, symbol, qty, price)
	t.Symbol = "SPY"
	t.SpreadID = &spreadID
	return t
}

const (
	aapl200 = "AAPL260204C00200000"
	aapl210 = "AAPL260204C00210000"
	spy590  = "SPY260206C00590000"
	spy595  = "SPY260206C00595000"
)

// --- Standalone fold ---

func TestReconstruct_SingleBuy(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{trade("t1", 0, model.Buy, aapl200, 1, 10)})

	if len(res.Holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(res.Holdings))
	}
	h := res.Holdings[0]
	if h.Quantity != 1 {
		t.Errorf("expected quantity=1, got %d", h.Quantity)
	}
	if !h.CostBasis.Equal(d(1000)) {
		t.Errorf("expected cost basis=1000, got %s", h.CostBasis)
	}
	if h.SpreadID != nil {
		t.Error("standalone holding should have no spread id")
	}
}

func TestReconstruct_AverageCostSell(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{
		trade("t1", 0, model.Buy, aapl200, 2, 10), // cost 2000
		trade("t2", 1, model.Buy, aapl200, 2, 14), // cost 2800, avg 12
		trade("t3", 2, model.Sell, aapl200, 1, 20),
	})

	if len(res.Holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(res.Holdings))
	}
	h := res.Holdings[0]
	if h.Quantity != 3 {
		t.Errorf("expected quantity=3, got %d", h.Quantity)
	}
	// 4800 - 1 × 100 × 12 = 3600, independent of the sell price.
	if !h.CostBasis.Equal(d(3600)) {
		t.Errorf("expected cost basis=3600, got %s", h.CostBasis)
	}
	if !h.AveragePrice().Equal(d(12)) {
		t.Errorf("expected avg price=12, got %s", h.AveragePrice())
	}
}

func TestReconstruct_FullSellDropsHolding(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{
		trade("t1", 0, model.Buy, aapl200, 1, 10),
		trade("t2", 1, model.Sell, aapl200, 1, 12),
	})
	if len(res.Holdings) != 0 {
		t.Fatalf("expected no holdings, got %+v", res.Holdings)
	}
	if len(res.Anomalies) != 0 {
		t.Errorf("expected no anomalies, got %+v", res.Anomalies)
	}
}

func TestReconstruct_OrdersByTimestamp(t *testing.T) {
	// Input order is not chronological; the buy happened first.
	res := Reconstruct("p1", []model.Trade{
		trade("t2", 5, model.Sell, aapl200, 1, 12),
		trade("t1", 0, model.Buy, aapl200, 3, 10),
	})
	if len(res.Holdings) != 1 || res.Holdings[0].Quantity != 2 {
		t.Fatalf("expected one holding of 2, got %+v", res.Holdings)
	}
	if !res.Holdings[0].CostBasis.Equal(d(2000)) {
		t.Errorf("expected cost basis=2000, got %s", res.Holdings[0].CostBasis)
	}
}

func TestReconstruct_OversellNeverGoesNegative(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{
		trade("t1", 0, model.Buy, aapl200, 1, 10),
		trade("t2", 1, model.Sell, aapl200, 5, 12),
		trade("t3", 2, model.Sell, aapl210, 1, 3),
	})
	for _, h := range res.Holdings {
		if h.Quantity <= 0 {
			t.Errorf("standalone holding with non-positive quantity: %+v", h)
		}
	}
	if len(res.Holdings) != 0 {
		t.Errorf("expected no holdings, got %+v", res.Holdings)
	}
	if len(res.Anomalies) != 2 {
		t.Errorf("expected 2 anomalies, got %+v", res.Anomalies)
	}
}

func TestReconstruct_Idempotent(t *testing.T) {
	log := []model.Trade{
		trade("t1", 0, model.Buy, aapl200, 3, 10.15),
		trade("t2", 1, model.Buy, aapl210, 2, 4.4),
		trade("t3", 2, model.Sell, aapl200, 1, 11),
		spreadTrade("t4", 3, model.Buy, spy590, "s1", 1, 12),
		spreadTrade("t5", 3, model.Sell, spy595, "s1", 1, 8),
	}
	first := Reconstruct("p1", log)
	second := Reconstruct("p1", log)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("reconstruction is not deterministic:\n%+v\n%+v", first, second)
	}
}

// --- Spread pairing ---

func TestReconstruct_SpreadPairing(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{
		spreadTrade("t1", 0, model.Buy, spy590, "s1", 1, 12),
		spreadTrade("t2", 0, model.Sell, spy595, "s1", 1, 8),
	})
	if len(res.Holdings) != 2 {
		t.Fatalf("expected 2 leg rows, got %d", len(res.Holdings))
	}

	split := PairSpreads(res.Holdings)
	if len(split.Spreads) != 1 {
		t.Fatalf("expected exactly one spread, got %d", len(split.Spreads))
	}
	s := split.Spreads[0]
	if s.Quantity != 1 {
		t.Errorf("expected spread quantity=1, got %d", s.Quantity)
	}
	if !s.Long.CostBasis.Equal(d(1200)) || s.Long.Quantity != 1 {
		t.Errorf("unexpected long leg: %+v", s.Long)
	}
	if !s.Short.CostBasis.Equal(d(-800)) || s.Short.Quantity != -1 {
		t.Errorf("unexpected short leg: %+v", s.Short)
	}
	if !s.NetCostBasis.Equal(d(400)) {
		t.Errorf("expected net cost=400 (buyCost - sellCost), got %s", s.NetCostBasis)
	}
}

func TestReconstruct_ClosedSpreadHoldsNothing(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{
		spreadTrade("t1", 0, model.Buy, spy590, "s1", 1, 12),
		spreadTrade("t2", 0, model.Sell, spy595, "s1", 1, 8),
		spreadTrade("t3", 10, model.Sell, spy590, "s1", 1, 13),
		spreadTrade("t4", 10, model.Buy, spy595, "s1", 1, 7),
	})
	if len(res.Holdings) != 0 {
		t.Errorf("expected no holdings, got %+v", res.Holdings)
	}
	if len(res.Anomalies) != 0 {
		t.Errorf("closed spread is not an anomaly, got %+v", res.Anomalies)
	}
}

func TestReconstruct_IncompleteSpreadIsAnomaly(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{
		spreadTrade("t1", 0, model.Buy, spy590, "s1", 1, 12),
		spreadTrade("t2", 0, model.Buy, spy590, "s2", 1, 12),
		spreadTrade("t3", 0, model.Sell, spy595, "s2", 2, 8),
	})
	if len(res.Holdings) != 0 {
		t.Errorf("expected no holdings from invalid groups, got %+v", res.Holdings)
	}
	if len(res.Anomalies) != 2 {
		t.Fatalf("expected 2 anomalies, got %+v", res.Anomalies)
	}
	if res.Anomalies[0].SpreadID != "s1" || res.Anomalies[1].SpreadID != "s2" {
		t.Errorf("unexpected anomalies: %+v", res.Anomalies)
	}
}

func TestReconstruct_SpreadLegsExcludedFromStandalone(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{
		trade("t0", 0, model.Buy, spy590, 2, 11),
		spreadTrade("t1", 1, model.Buy, spy590, "s1", 1, 12),
		spreadTrade("t2", 1, model.Sell, spy595, "s1", 1, 8),
	})
	split := PairSpreads(res.Holdings)
	if len(split.Standalone) != 1 || split.Standalone[0].Quantity != 2 {
		t.Fatalf("expected standalone of 2, got %+v", split.Standalone)
	}
	if !split.Standalone[0].CostBasis.Equal(d(2200)) {
		t.Errorf("expected standalone cost 2200, got %s", split.Standalone[0].CostBasis)
	}
	if len(split.Spreads) != 1 {
		t.Errorf("expected one spread, got %d", len(split.Spreads))
	}
}

func TestReconstruct_StandaloneSellDrawsDownSpreadLongLeg(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{
		spreadTrade("t1", 0, model.Buy, spy590, "s1", 1, 12),
		spreadTrade("t2", 0, model.Sell, spy595, "s1", 1, 8),
		trade("t3", 5, model.Sell, spy590, 1, 13),
	})
	if len(res.Anomalies) != 0 {
		t.Errorf("leg out is not an anomaly, got %+v", res.Anomalies)
	}
	if len(res.Holdings) != 1 {
		t.Fatalf("expected only the short leg, got %+v", res.Holdings)
	}
	h := res.Holdings[0]
	if h.InstrumentSymbol != spy595 || h.Quantity != -1 || !h.CostBasis.Equal(d(-800)) || h.SpreadID == nil {
		t.Errorf("unexpected remaining leg: %+v", h)
	}
}

func TestReconstruct_SellIsFIFOAcrossStandaloneAndSpread(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{
		trade("t0", 0, model.Buy, spy590, 2, 11),
		spreadTrade("t1", 1, model.Buy, spy590, "s1", 2, 12),
		spreadTrade("t2", 1, model.Sell, spy595, "s1", 2, 8),
		trade("t3", 2, model.Sell, spy590, 3, 13),
	})
	if len(res.Anomalies) != 0 {
		t.Fatalf("unexpected anomalies: %+v", res.Anomalies)
	}
	split := PairSpreads(res.Holdings)
	if len(split.Standalone) != 0 {
		t.Errorf("older standalone lot should be sold first, got %+v", split.Standalone)
	}
	if len(split.Orphans) != 2 {
		t.Fatalf("expected a 1/-2 leg group, got %+v", split)
	}
	long, short, ok := Legs(split.Orphans)
	if !ok || long.Quantity != 1 || !long.CostBasis.Equal(d(1200)) || short.Quantity != -2 {
		t.Errorf("unexpected legs: %+v %+v", long, short)
	}
}

func TestReconstruct_PartialLegOutThenClose(t *testing.T) {
	res := Reconstruct("p1", []model.Trade{
		spreadTrade("t1", 0, model.Buy, spy590, "s1", 2, 12),
		spreadTrade("t2", 0, model.Sell, spy595, "s1", 2, 8),
		trade("t3", 1, model.Sell, spy590, 1, 13),
		spreadTrade("t4", 2, model.Sell, spy590, "s1", 1, 13),
		spreadTrade("t5", 2, model.Buy, spy595, "s1", 2, 7),
	})
	if len(res.Holdings) != 0 || len(res.Anomalies) != 0 {
		t.Errorf("expected a clean empty replay, got %+v", res)
	}
}

// --- Incremental helpers ---

func TestApplyBuyThenSell_ConservesCost(t *testing.T) {
	h := model.Holding{CostBasis: decimal.Zero}
	ApplyBuy(&h, d(10), 1)
	removed := ApplySell(&h, 1)
	if !removed.Equal(d(1000)) {
		t.Errorf("expected removed=1000, got %s", removed)
	}
	if h.Quantity != 0 || !h.CostBasis.IsZero() {
		t.Errorf("expected empty holding, got %+v", h)
	}
}

func TestApplySell_PartialRoundsToCents(t *testing.T) {
	h := model.Holding{Quantity: 3, CostBasis: d(1000)}
	removed := ApplySell(&h, 1)
	if !removed.Equal(d(333.33)) {
		t.Errorf("expected removed=333.33, got %s", removed)
	}
	if !h.CostBasis.Equal(d(666.67)) {
		t.Errorf("expected remaining=666.67, got %s", h.CostBasis)
	}
}

func TestReduceLots_FIFOAcrossRows(t *testing.T) {
	sid := "s1"
	rows := []model.Holding{
		{ID: "b", InstrumentSymbol: spy590, Quantity: 2, CostBasis: d(2400), SpreadID: &sid, CreatedAt: t0.Add(time.Hour)},
		{ID: "a", InstrumentSymbol: spy590, Quantity: 1, CostBasis: d(1000), CreatedAt: t0},
	}

	red, err := ReduceLots(rows, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(red.Deleted) != 1 || red.Deleted[0].ID != "a" {
		t.Fatalf("expected oldest row deleted, got %+v", red.Deleted)
	}
	if len(red.Updated) != 1 || red.Updated[0].ID != "b" || red.Updated[0].Quantity != 1 {
		t.Fatalf("expected row b reduced to 1, got %+v", red.Updated)
	}
	if !red.Updated[0].CostBasis.Equal(d(1200)) {
		t.Errorf("expected row b cost 1200, got %s", red.Updated[0].CostBasis)
	}
	if !red.CostRemoved.Equal(d(2200)) {
		t.Errorf("expected cost removed 2200, got %s", red.CostRemoved)
	}
}

func TestReduceLots_IgnoresShortLegs(t *testing.T) {
	sid := "s1"
	rows := []model.Holding{
		{ID: "short", InstrumentSymbol: spy595, Quantity: -1, CostBasis: d(-800), SpreadID: &sid},
	}
	if HeldQuantity(rows) != 0 {
		t.Errorf("short leg must not count as held")
	}
	if _, err := ReduceLots(rows, 1); !errors.Is(err, ErrInsufficientQuantity) {
		t.Errorf("expected ErrInsufficientQuantity, got %v", err)
	}
}

func TestReduceLots_RejectsOversell(t *testing.T) {
	rows := []model.Holding{{ID: "a", Quantity: 1, CostBasis: d(1000)}}
	if _, err := ReduceLots(rows, 100); !errors.Is(err, ErrInsufficientQuantity) {
		t.Errorf("expected ErrInsufficientQuantity, got %v", err)
	}
	if _, err := ReduceLots(rows, 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

// --- PairSpreads / Diff ---

func TestPairSpreads_OrphanLeg(t *testing.T) {
	sid := "s1"
	rows := []model.Holding{
		{InstrumentSymbol: spy595, Quantity: -1, CostBasis: d(-800), SpreadID: &sid},
		{InstrumentSymbol: aapl200, Quantity: 1, CostBasis: d(1000)},
	}
	split := PairSpreads(rows)
	if len(split.Spreads) != 0 {
		t.Errorf("expected no spreads, got %+v", split.Spreads)
	}
	if len(split.Orphans) != 1 || len(split.Standalone) != 1 {
		t.Errorf("unexpected split: %+v", split)
	}
}

func TestDiff(t *testing.T) {
	sid := "s1"
	persisted := []model.Holding{
		{InstrumentSymbol: aapl200, Quantity: 2, CostBasis: d(2000)},
		{InstrumentSymbol: spy590, Quantity: 1, CostBasis: d(1200), SpreadID: &sid},
	}
	rebuilt := []model.Holding{
		{InstrumentSymbol: aapl200, Quantity: 1, CostBasis: d(1000)},
		{InstrumentSymbol: spy590, Quantity: 1, CostBasis: d(1200), SpreadID: &sid},
	}
	drifts := Diff(persisted, rebuilt)
	if len(drifts) != 1 {
		t.Fatalf("expected 1 drift, got %+v", drifts)
	}
	if drifts[0].InstrumentSymbol != aapl200 || drifts[0].PersistedQty != 2 || drifts[0].RebuiltQty != 1 {
		t.Errorf("unexpected drift: %+v", drifts[0])
	}
	if len(Diff(rebuilt, rebuilt)) != 0 {
		t.Error("identical projections should not drift")
	}
}
