package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialised by a single mutex and run against a copy of
// the state; the copy replaces the state only when fn succeeds, so a failed
// transaction leaves no trace.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	competitions map[string]model.Competition
	portfolios   map[string]model.Portfolio
	trades       []model.Trade
	holdings     map[string]model.Holding
	history      []model.HistoryPoint
	saved        map[string]model.SavedTrade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		competitions: make(map[string]model.Competition),
		portfolios:   make(map[string]model.Portfolio),
		holdings:     make(map[string]model.Holding),
		saved:        make(map[string]model.SavedTrade),
	}}
}

// InTx runs fn against a private copy of the state and publishes it on success.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (st *memState) clone() *memState {
	c := &memState{
		competitions: make(map[string]model.Competition, len(st.competitions)),
		portfolios:   make(map[string]model.Portfolio, len(st.portfolios)),
		trades:       append([]model.Trade(nil), st.trades...),
		holdings:     make(map[string]model.Holding, len(st.holdings)),
		history:      append([]model.HistoryPoint(nil), st.history...),
		saved:        make(map[string]model.SavedTrade, len(st.saved)),
	}
	for k, v := range st.competitions {
		c.competitions[k] = v
	}
	for k, v := range st.portfolios {
		c.portfolios[k] = v
	}
	for k, v := range st.holdings {
		c.holdings[k] = v
	}
	for k, v := range st.saved {
		c.saved[k] = v
	}
	return c
}

type memTx struct {
	st *memState
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

// --- Competitions ---

func (t *memTx) CreateCompetition(_ context.Context, c *model.Competition) error {
	c.ID = newID(c.ID)
	if _, ok := t.st.competitions[c.ID]; ok {
		return fmt.Errorf("%w: competition %s", ErrConflict, c.ID)
	}
	t.st.competitions[c.ID] = *c
	return nil
}

func (t *memTx) GetCompetition(_ context.Context, id string) (*model.Competition, error) {
	c, ok := t.st.competitions[id]
	if !ok {
		return nil, fmt.Errorf("competition %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (t *memTx) ListCompetitions(_ context.Context) ([]model.Competition, error) {
	out := make([]model.Competition, 0, len(t.st.competitions))
	for _, c := range t.st.competitions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- Portfolios ---

func (t *memTx) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	if _, ok := t.st.competitions[p.CompetitionID]; !ok {
		return fmt.Errorf("competition %s: %w", p.CompetitionID, ErrNotFound)
	}
	for _, existing := range t.st.portfolios {
		if existing.UserID == p.UserID && existing.CompetitionID == p.CompetitionID {
			return fmt.Errorf("%w: user %s already has a portfolio in %s", ErrConflict, p.UserID, p.CompetitionID)
		}
	}
	p.ID = newID(p.ID)
	t.st.portfolios[p.ID] = *p
	return nil
}

func (t *memTx) GetPortfolio(_ context.Context, id string) (*model.Portfolio, error) {
	p, ok := t.st.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) GetUserPortfolio(_ context.Context, userID, competitionID string) (*model.Portfolio, error) {
	for _, p := range t.st.portfolios {
		if p.UserID == userID && p.CompetitionID == competitionID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("portfolio for user %s in %s: %w", userID, competitionID, ErrNotFound)
}

// LockPortfolio needs no lock here: the whole transaction holds the store mutex.
func (t *memTx) LockPortfolio(ctx context.Context, userID, competitionID string) (*model.Portfolio, error) {
	return t.GetUserPortfolio(ctx, userID, competitionID)
}

func (t *memTx) LockPortfolioByID(ctx context.Context, id string) (*model.Portfolio, error) {
	return t.GetPortfolio(ctx, id)
}

func (t *memTx) ListPortfoliosByCompetition(_ context.Context, competitionID string) ([]model.Portfolio, error) {
	return t.filterPortfolios(func(p model.Portfolio) bool { return p.CompetitionID == competitionID }), nil
}

func (t *memTx) ListPortfoliosByUser(_ context.Context, userID string) ([]model.Portfolio, error) {
	return t.filterPortfolios(func(p model.Portfolio) bool { return p.UserID == userID }), nil
}

func (t *memTx) ListActivePortfolios(_ context.Context) ([]model.Portfolio, error) {
	return t.filterPortfolios(func(p model.Portfolio) bool {
		c, ok := t.st.competitions[p.CompetitionID]
		return ok && c.Status == model.StatusActive
	}), nil
}

// filterPortfolios returns matches in creation order, like the SQL store.
func (t *memTx) filterPortfolios(keep func(model.Portfolio) bool) []model.Portfolio {
	var out []model.Portfolio
	for _, p := range t.st.portfolios {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memTx) AdjustCash(_ context.Context, portfolioID string, delta decimal.Decimal) (decimal.Decimal, error) {
	p, ok := t.st.portfolios[portfolioID]
	if !ok {
		return decimal.Zero, fmt.Errorf("portfolio %s: %w", portfolioID, ErrNotFound)
	}
	p.CashBalance = model.Cents(p.CashBalance.Add(delta))
	t.st.portfolios[portfolioID] = p
	return p.CashBalance, nil
}

func (t *memTx) UpdateValuation(_ context.Context, portfolioID string, total decimal.Decimal, at time.Time) error {
	p, ok := t.st.portfolios[portfolioID]
	if !ok {
		return fmt.Errorf("portfolio %s: %w", portfolioID, ErrNotFound)
	}
	p.TotalValue = model.Cents(total)
	p.ValuedAt = &at
	t.st.portfolios[portfolioID] = p
	return nil
}

// --- Immutable trade log ---

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	if _, ok := t.st.portfolios[tr.PortfolioID]; !ok {
		return fmt.Errorf("portfolio %s: %w", tr.PortfolioID, ErrNotFound)
	}
	tr.ID = newID(tr.ID)
	t.st.trades = append(t.st.trades, *tr)
	return nil
}

func (t *memTx) ListTrades(_ context.Context, portfolioID string) ([]model.Trade, error) {
	var out []model.Trade
	for _, tr := range t.st.trades {
		if tr.PortfolioID == portfolioID {
			out = append(out, tr)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) ListExpiringPositions(_ context.Context, date string) ([]model.ExpiringPosition, error) {
	type key struct{ portfolio, instrument string }
	net := make(map[key]*model.ExpiringPosition)

	for _, tr := range t.st.trades {
		if tr.ExpirationDate != date {
			continue
		}
		p, ok := t.st.portfolios[tr.PortfolioID]
		if !ok {
			continue
		}
		k := key{tr.PortfolioID, tr.InstrumentSymbol}
		pos, ok := net[k]
		if !ok {
			pos = &model.ExpiringPosition{
				PortfolioID:      p.ID,
				UserID:           p.UserID,
				CompetitionID:    p.CompetitionID,
				Symbol:           tr.Symbol,
				InstrumentSymbol: tr.InstrumentSymbol,
			}
			net[k] = pos
		}
		if tr.Direction == model.Buy {
			pos.NetQuantity += tr.Quantity
		} else {
			pos.NetQuantity -= tr.Quantity
		}
	}

	var out []model.ExpiringPosition
	for _, pos := range net {
		if pos.NetQuantity > 0 {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PortfolioID != out[j].PortfolioID {
			return out[i].PortfolioID < out[j].PortfolioID
		}
		return out[i].InstrumentSymbol < out[j].InstrumentSymbol
	})
	return out, nil
}

// --- Holdings projection ---

func (t *memTx) ListHoldings(_ context.Context, portfolioID string) ([]model.Holding, error) {
	return t.filterHoldings(func(h model.Holding) bool { return h.PortfolioID == portfolioID }), nil
}

func (t *memTx) ListInstrumentHoldings(_ context.Context, portfolioID, instrumentSymbol string) ([]model.Holding, error) {
	return t.filterHoldings(func(h model.Holding) bool {
		return h.PortfolioID == portfolioID && h.InstrumentSymbol == instrumentSymbol
	}), nil
}

func (t *memTx) GetStandaloneHolding(_ context.Context, portfolioID, instrumentSymbol string) (*model.Holding, error) {
	for _, h := range t.st.holdings {
		if h.PortfolioID == portfolioID && h.InstrumentSymbol == instrumentSymbol && h.SpreadID == nil {
			return &h, nil
		}
	}
	return nil, fmt.Errorf("holding %s in %s: %w", instrumentSymbol, portfolioID, ErrNotFound)
}

func (t *memTx) ListSpreadLegs(_ context.Context, userID, spreadID string) ([]model.Holding, error) {
	return t.filterHoldings(func(h model.Holding) bool {
		if h.SpreadID == nil || *h.SpreadID != spreadID {
			return false
		}
		p, ok := t.st.portfolios[h.PortfolioID]
		return ok && p.UserID == userID
	}), nil
}

// filterHoldings returns matches oldest first.
func (t *memTx) filterHoldings(keep func(model.Holding) bool) []model.Holding {
	var out []model.Holding
	for _, h := range t.st.holdings {
		if keep(h) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memTx) InsertHolding(_ context.Context, h *model.Holding) error {
	if _, ok := t.st.portfolios[h.PortfolioID]; !ok {
		return fmt.Errorf("portfolio %s: %w", h.PortfolioID, ErrNotFound)
	}
	if h.SpreadID == nil {
		for _, existing := range t.st.holdings {
			if existing.PortfolioID == h.PortfolioID && existing.InstrumentSymbol == h.InstrumentSymbol && existing.SpreadID == nil {
				return fmt.Errorf("%w: standalone holding %s exists", ErrConflict, h.InstrumentSymbol)
			}
		}
	}
	h.ID = newID(h.ID)
	t.st.holdings[h.ID] = *h
	return nil
}

func (t *memTx) UpdateHolding(_ context.Context, h *model.Holding) error {
	if _, ok := t.st.holdings[h.ID]; !ok {
		return fmt.Errorf("holding %s: %w", h.ID, ErrNotFound)
	}
	t.st.holdings[h.ID] = *h
	return nil
}

func (t *memTx) DeleteHolding(_ context.Context, id string) error {
	if _, ok := t.st.holdings[id]; !ok {
		return fmt.Errorf("holding %s: %w", id, ErrNotFound)
	}
	delete(t.st.holdings, id)
	return nil
}

func (t *memTx) DeleteAllHoldings(_ context.Context, portfolioID string) error {
	for id, h := range t.st.holdings {
		if h.PortfolioID == portfolioID {
			delete(t.st.holdings, id)
		}
	}
	return nil
}

// --- Append-only history ---

func (t *memTx) InsertHistory(_ context.Context, p *model.HistoryPoint) error {
	if _, ok := t.st.portfolios[p.PortfolioID]; !ok {
		return fmt.Errorf("portfolio %s: %w", p.PortfolioID, ErrNotFound)
	}
	p.ID = newID(p.ID)
	t.st.history = append(t.st.history, *p)
	return nil
}

func (t *memTx) ListHistory(_ context.Context, portfolioID string) ([]model.HistoryPoint, error) {
	var out []model.HistoryPoint
	for _, p := range t.st.history {
		if p.PortfolioID == portfolioID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- Saved trades ---

func (t *memTx) InsertSavedTrade(_ context.Context, s *model.SavedTrade) error {
	if _, ok := t.st.portfolios[s.PortfolioID]; !ok {
		return fmt.Errorf("portfolio %s: %w", s.PortfolioID, ErrNotFound)
	}
	s.ID = newID(s.ID)
	t.st.saved[s.ID] = *s
	return nil
}

func (t *memTx) GetSavedTrade(_ context.Context, userID, id string) (*model.SavedTrade, error) {
	s, ok := t.st.saved[id]
	if !ok {
		return nil, fmt.Errorf("saved trade %s: %w", id, ErrNotFound)
	}
	if p, ok := t.st.portfolios[s.PortfolioID]; !ok || p.UserID != userID {
		return nil, fmt.Errorf("saved trade %s: %w", id, ErrNotFound)
	}
	return &s, nil
}

func (t *memTx) ListSavedTrades(_ context.Context, portfolioID string) ([]model.SavedTrade, error) {
	var out []model.SavedTrade
	for _, s := range t.st.saved {
		if s.PortfolioID == portfolioID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) DeleteSavedTrade(_ context.Context, id string) error {
	if _, ok := t.st.saved[id]; !ok {
		return fmt.Errorf("saved trade %s: %w", id, ErrNotFound)
	}
	delete(t.st.saved, id)
	return nil
}
