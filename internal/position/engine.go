// Package position derives option holdings from the trade log.
//
// The trade log is the source of truth; the holdings table is a projection
// over it. Reconstruct is the reference semantics for that projection, and
// the incremental helpers (ApplyBuy, ReduceLots, OpenSpreadLegs) apply the
// same fold one trade at a time. Cost basis uses the average-cost method.
//
// The package is pure: no I/O, no clocks, no globals.
package position

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/model"
)

var (
	// ErrInsufficientQuantity is returned when a sell exceeds the long
	// quantity held across the eligible rows.
	ErrInsufficientQuantity = errors.New("position: sell exceeds held quantity")

	// ErrInvalidQuantity is returned for non-positive trade quantities.
	ErrInvalidQuantity = errors.New("position: quantity must be positive")
)

// Anomaly is a data-integrity warning found while replaying trades.
type Anomaly struct {
	SpreadID         string   `json:"spread_id,omitempty"`
	InstrumentSymbol string   `json:"instrument_symbol,omitempty"`
	Reason           string   `json:"reason"`
	TradeIDs         []string `json:"trade_ids"`
}

// Result is the outcome of replaying a trade log.
type Result struct {
	Holdings  []model.Holding `json:"holdings"`
	Anomalies []Anomaly       `json:"anomalies,omitempty"`
}

// Reconstruct replays a portfolio's trades into its holdings projection.
//
// Trades fold in timestamp order with the same rules live trading applies.
// A standalone BUY adds to the instrument's standalone row. A standalone SELL
// reduces every long row of the instrument oldest first, spread long legs
// included, so selling a spread's long leg on its own leaves the short leg
// behind. Trades carrying a spread ID are paired per group: the first BUY and
// SELL open the spread, a second pair closes it and removes its legs. Any
// other group shape is reported as an anomaly and contributes nothing, as is
// a sell exceeding what the replay holds. The output is sorted, so replaying
// the same log always yields the same result.
func Reconstruct(portfolioID string, trades []model.Trade) Result {
	ordered := make([]model.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	groups := make(map[string][]model.Trade)
	var groupIDs []string
	for _, t := range ordered {
		if t.SpreadID == nil {
			continue
		}
		id := *t.SpreadID
		if _, ok := groups[id]; !ok {
			groupIDs = append(groupIDs, id)
		}
		groups[id] = append(groups[id], t)
	}

	r := &replay{portfolioID: portfolioID, plans: make(map[string]spreadPlan)}
	for _, id := range groupIDs {
		plan, anomaly := planGroup(id, groups[id])
		if anomaly != nil {
			r.anomalies = append(r.anomalies, *anomaly)
			continue
		}
		r.plans[id] = plan
	}

	for _, t := range ordered {
		if t.SpreadID == nil {
			r.standalone(t)
			continue
		}
		plan, ok := r.plans[*t.SpreadID]
		if !ok {
			continue
		}
		switch t.ID {
		case plan.openAt:
			r.openSpread(*t.SpreadID, plan)
		case plan.closeAt:
			r.closeSpread(*t.SpreadID)
		}
	}

	res := Result{Holdings: r.rows, Anomalies: r.anomalies}
	for i := range res.Holdings {
		res.Holdings[i].ID = ""
	}
	SortHoldings(res.Holdings)
	return res
}

// spreadPlan is a valid spread group: its opening legs and the trade IDs
// at which the replay opens and closes it.
type spreadPlan struct {
	long, short     model.Trade
	openAt, closeAt string
}

// planGroup checks one spread group's shape. One BUY and one SELL of equal
// quantity form an open spread; two of each form an opened-then-closed one.
func planGroup(spreadID string, trades []model.Trade) (spreadPlan, *Anomaly) {
	var buys, sells []model.Trade
	ids := make([]string, 0, len(trades))
	for _, t := range trades {
		ids = append(ids, t.ID)
		if t.Direction == model.Buy {
			buys = append(buys, t)
		} else {
			sells = append(sells, t)
		}
	}

	if !(len(buys) == 1 && len(sells) == 1) && !(len(buys) == 2 && len(sells) == 2) {
		return spreadPlan{}, &Anomaly{
			SpreadID: spreadID,
			Reason:   fmt.Sprintf("spread group has %d buys and %d sells", len(buys), len(sells)),
			TradeIDs: ids,
		}
	}
	plan := spreadPlan{long: buys[0], short: sells[0], openAt: trades[0].ID}
	if plan.long.Quantity != plan.short.Quantity {
		return spreadPlan{}, &Anomaly{
			SpreadID: spreadID,
			Reason:   fmt.Sprintf("leg quantities differ: long %d, short %d", plan.long.Quantity, plan.short.Quantity),
			TradeIDs: ids,
		}
	}
	for _, t := range trades {
		if t.ID != plan.long.ID && t.ID != plan.short.ID {
			plan.closeAt = t.ID
			break
		}
	}
	return plan, nil
}

// replay is the projection being folded. Rows carry synthetic IDs so
// ReduceLots can report which ones it changed.
type replay struct {
	portfolioID string
	plans       map[string]spreadPlan
	rows        []model.Holding
	anomalies   []Anomaly
	seq         int
}

func (r *replay) insert(h model.Holding) {
	r.seq++
	h.ID = fmt.Sprintf("%08d", r.seq)
	r.rows = append(r.rows, h)
}

func (r *replay) remove(keep func(model.Holding) bool) {
	kept := r.rows[:0]
	for _, h := range r.rows {
		if keep(h) {
			kept = append(kept, h)
		}
	}
	r.rows = kept
}

func (r *replay) standalone(t model.Trade) {
	switch t.Direction {
	case model.Buy:
		for i := range r.rows {
			h := &r.rows[i]
			if h.SpreadID == nil && h.InstrumentSymbol == t.InstrumentSymbol {
				ApplyBuy(h, t.Price, t.Quantity)
				h.UpdatedAt = t.Timestamp
				return
			}
		}
		h := model.Holding{
			PortfolioID:      r.portfolioID,
			Symbol:           t.Symbol,
			InstrumentSymbol: t.InstrumentSymbol,
			Right:            t.Right,
			CostBasis:        decimal.Zero,
			CreatedAt:        t.Timestamp,
			UpdatedAt:        t.Timestamp,
		}
		ApplyBuy(&h, t.Price, t.Quantity)
		r.insert(h)
	case model.Sell:
		var rows []model.Holding
		for _, h := range r.rows {
			if h.InstrumentSymbol == t.InstrumentSymbol {
				rows = append(rows, h)
			}
		}
		red, err := ReduceLots(rows, t.Quantity)
		if err != nil {
			r.anomalies = append(r.anomalies, Anomaly{
				InstrumentSymbol: t.InstrumentSymbol,
				Reason:           fmt.Sprintf("sell of %d exceeds held %d", t.Quantity, HeldQuantity(rows)),
				TradeIDs:         []string{t.ID},
			})
			// Drain what is held; quantities never go negative on a sell.
			r.remove(func(h model.Holding) bool {
				return h.InstrumentSymbol != t.InstrumentSymbol || h.Quantity < 0
			})
			return
		}
		changed := make(map[string]model.Holding, len(red.Updated))
		for _, h := range red.Updated {
			h.UpdatedAt = t.Timestamp
			changed[h.ID] = h
		}
		deleted := make(map[string]bool, len(red.Deleted))
		for _, h := range red.Deleted {
			deleted[h.ID] = true
		}
		for i, h := range r.rows {
			if u, ok := changed[h.ID]; ok {
				r.rows[i] = u
			}
		}
		r.remove(func(h model.Holding) bool { return !deleted[h.ID] })
	}
}

func (r *replay) openSpread(spreadID string, p spreadPlan) {
	legs := OpenSpreadLegs(r.portfolioID, spreadID, p.long.Symbol, p.long.Right,
		p.long.InstrumentSymbol, p.short.InstrumentSymbol,
		p.long.Price, p.short.Price, p.long.Quantity, p.long.Timestamp)
	r.insert(legs[0])
	r.insert(legs[1])
}

func (r *replay) closeSpread(spreadID string) {
	r.remove(func(h model.Holding) bool { return h.SpreadID == nil || *h.SpreadID != spreadID })
}

// ApplyBuy folds a BUY of qty contracts at price into h.
func ApplyBuy(h *model.Holding, price decimal.Decimal, qty int64) {
	h.Quantity += qty
	h.CostBasis = model.Cents(h.CostBasis.Add(model.Notional(price, qty)))
}

// ApplySell removes qty contracts from h at the current weighted-average
// cost and returns the cost basis removed. Selling the whole quantity removes
// the whole cost basis so no rounding residue is left behind.
func ApplySell(h *model.Holding, qty int64) decimal.Decimal {
	if qty >= h.Quantity {
		removed := h.CostBasis
		h.Quantity -= qty
		h.CostBasis = decimal.Zero
		return removed
	}
	removed := model.Cents(h.CostBasis.Mul(decimal.NewFromInt(qty)).Div(decimal.NewFromInt(h.Quantity)))
	h.Quantity -= qty
	h.CostBasis = h.CostBasis.Sub(removed)
	return removed
}

// Reduction is the set of row changes produced by a standalone SELL.
type Reduction struct {
	Updated     []model.Holding
	Deleted     []model.Holding
	CostRemoved decimal.Decimal
}

// HeldQuantity sums the long quantity of rows eligible to be sold.
// Short spread legs (negative quantity) are not sellable.
func HeldQuantity(rows []model.Holding) int64 {
	var total int64
	for _, h := range rows {
		if h.Quantity > 0 {
			total += h.Quantity
		}
	}
	return total
}

// ReduceLots sells qty contracts out of rows of one instrument, oldest row
// first (FIFO by creation time, then ID). Standalone rows and long spread
// legs are both eligible, which is how a leg-out is expressed. Rows that
// reach zero are returned in Deleted.
func ReduceLots(rows []model.Holding, qty int64) (Reduction, error) {
	if qty <= 0 {
		return Reduction{}, ErrInvalidQuantity
	}
	held := HeldQuantity(rows)
	if qty > held {
		return Reduction{}, fmt.Errorf("%w: want %d, held %d", ErrInsufficientQuantity, qty, held)
	}

	lots := make([]model.Holding, 0, len(rows))
	for _, h := range rows {
		if h.Quantity > 0 {
			lots = append(lots, h)
		}
	}
	sortFIFO(lots)

	red := Reduction{CostRemoved: decimal.Zero}
	remaining := qty
	for _, lot := range lots {
		if remaining == 0 {
			break
		}
		take := lot.Quantity
		if take > remaining {
			take = remaining
		}
		removed := ApplySell(&lot, take)
		red.CostRemoved = red.CostRemoved.Add(removed)
		remaining -= take
		if lot.Quantity == 0 {
			red.Deleted = append(red.Deleted, lot)
		} else {
			red.Updated = append(red.Updated, lot)
		}
	}
	return red, nil
}

// OpenSpreadLegs builds the two holding rows of a newly opened debit spread:
// the long leg at +qty with the debit paid, the short leg at -qty with the
// credit received as a negative cost basis.
func OpenSpreadLegs(
	portfolioID, spreadID, symbol string,
	right model.Right,
	longSymbol, shortSymbol string,
	longPrice, shortPrice decimal.Decimal,
	qty int64,
	at time.Time,
) [2]model.Holding {
	sid := spreadID
	return [2]model.Holding{
		{
			PortfolioID:      portfolioID,
			Symbol:           symbol,
			InstrumentSymbol: longSymbol,
			Right:            right,
			Quantity:         qty,
			CostBasis:        model.Notional(longPrice, qty),
			SpreadID:         &sid,
			CreatedAt:        at,
			UpdatedAt:        at,
		},
		{
			PortfolioID:      portfolioID,
			Symbol:           symbol,
			InstrumentSymbol: shortSymbol,
			Right:            right,
			Quantity:         -qty,
			CostBasis:        model.Notional(shortPrice, qty).Neg(),
			SpreadID:         &sid,
			CreatedAt:        at,
			UpdatedAt:        at,
		},
	}
}

// SortHoldings orders rows by spread ID (standalone first), then instrument,
// then quantity descending so a spread's long leg precedes its short leg.
func SortHoldings(rows []model.Holding) {
	sort.SliceStable(rows, func(i, j int) bool {
		si, sj := spreadKey(rows[i]), spreadKey(rows[j])
		if si != sj {
			return si < sj
		}
		if rows[i].InstrumentSymbol != rows[j].InstrumentSymbol {
			return rows[i].InstrumentSymbol < rows[j].InstrumentSymbol
		}
		return rows[i].Quantity > rows[j].Quantity
	})
}

func sortFIFO(rows []model.Holding) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}

func spreadKey(h model.Holding) string {
	if h.SpreadID == nil {
		return ""
	}
	return *h.SpreadID
}
