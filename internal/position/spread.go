package position

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/model"
)

// Split is a holdings list partitioned into its economic units.
type Split struct {
	Standalone []model.Holding `json:"standalone"`
	Spreads    []model.Spread  `json:"spreads"`
	// Orphans are spread-tagged rows that no longer form a +q/-q pair,
	// e.g. the short leg left behind after its long leg was sold on its own.
	Orphans []model.Holding `json:"orphans,omitempty"`
}

// PairSpreads groups holding rows by spread ID. A group with exactly one long
// and one short row of matching size becomes a model.Spread.
func PairSpreads(rows []model.Holding) Split {
	var out Split
	groups := make(map[string][]model.Holding)
	var ids []string

	for _, h := range rows {
		if h.SpreadID == nil {
			out.Standalone = append(out.Standalone, h)
			continue
		}
		id := *h.SpreadID
		if _, ok := groups[id]; !ok {
			ids = append(ids, id)
		}
		groups[id] = append(groups[id], h)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if s, ok := pairLegs(id, groups[id]); ok {
			out.Spreads = append(out.Spreads, s)
			continue
		}
		out.Orphans = append(out.Orphans, groups[id]...)
	}
	return out
}

// Legs returns the long and short rows of a spread group, if the group is a
// valid pair. Quantities need not match; callers closing a spread use each
// leg's own size.
func Legs(rows []model.Holding) (long, short model.Holding, ok bool) {
	if len(rows) != 2 {
		return model.Holding{}, model.Holding{}, false
	}
	a, b := rows[0], rows[1]
	if a.Quantity < 0 {
		a, b = b, a
	}
	if a.Quantity <= 0 || b.Quantity >= 0 {
		return model.Holding{}, model.Holding{}, false
	}
	return a, b, true
}

func pairLegs(id string, rows []model.Holding) (model.Spread, bool) {
	long, short, ok := Legs(rows)
	if !ok || long.Quantity != -short.Quantity {
		return model.Spread{}, false
	}
	return model.Spread{
		SpreadID:     id,
		Symbol:       long.Symbol,
		Right:        long.Right,
		Long:         long,
		Short:        short,
		Quantity:     long.Quantity,
		NetCostBasis: long.CostBasis.Add(short.CostBasis),
	}, true
}

// Drift is a difference between the persisted and the replayed projection
// for one (instrument, spread) key.
type Drift struct {
	InstrumentSymbol string          `json:"instrument_symbol"`
	SpreadID         string          `json:"spread_id,omitempty"`
	PersistedQty     int64           `json:"persisted_qty"`
	RebuiltQty       int64           `json:"rebuilt_qty"`
	PersistedCost    decimal.Decimal `json:"persisted_cost"`
	RebuiltCost      decimal.Decimal `json:"rebuilt_cost"`
}

// Diff compares two projections and returns every key whose quantity or
// cost basis differs.
func Diff(persisted, rebuilt []model.Holding) []Drift {
	type agg struct {
		pQty, rQty   int64
		pCost, rCost decimal.Decimal
	}
	type key struct{ instrument, spread string }

	totals := make(map[key]*agg)
	get := func(h model.Holding) *agg {
		k := key{h.InstrumentSymbol, spreadKey(h)}
		a, ok := totals[k]
		if !ok {
			a = &agg{pCost: decimal.Zero, rCost: decimal.Zero}
			totals[k] = a
		}
		return a
	}
	for _, h := range persisted {
		a := get(h)
		a.pQty += h.Quantity
		a.pCost = a.pCost.Add(h.CostBasis)
	}
	for _, h := range rebuilt {
		a := get(h)
		a.rQty += h.Quantity
		a.rCost = a.rCost.Add(h.CostBasis)
	}

	var drifts []Drift
	for k, a := range totals {
		if a.pQty == a.rQty && a.pCost.Equal(a.rCost) {
			continue
		}
		drifts = append(drifts, Drift{
			InstrumentSymbol: k.instrument,
			SpreadID:         k.spread,
			PersistedQty:     a.pQty,
			RebuiltQty:       a.rQty,
			PersistedCost:    a.pCost,
			RebuiltCost:      a.rCost,
		})
	}
	sort.Slice(drifts, func(i, j int) bool {
		if drifts[i].SpreadID != drifts[j].SpreadID {
			return drifts[i].SpreadID < drifts[j].SpreadID
		}
		return drifts[i].InstrumentSymbol < drifts[j].InstrumentSymbol
	})
	return drifts
}
