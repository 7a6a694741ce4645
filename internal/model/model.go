// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Valid reports whether d is BUY or SELL.
func (d Direction) Valid() bool { return d == Buy || d == Sell }

// Right is the option right of an instrument.
type Right string

const (
	Call Right = "CALL"
	Put  Right = "PUT"
)

// Valid reports whether r is CALL or PUT.
func (r Right) Valid() bool { return r == Call || r == Put }

// SpreadType identifies the supported vertical debit spreads.
type SpreadType string

const (
	CallDebit SpreadType = "CALL_DEBIT"
	PutDebit  SpreadType = "PUT_DEBIT"
)

// Competition statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Competition is a time-boxed contest. Every participant gets one Portfolio
// funded with InitialBalance.
type Competition struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	StartDate      time.Time       `json:"start_date" db:"start_date"`
	EndDate        time.Time       `json:"end_date" db:"end_date"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	Status         string          `json:"status" db:"status"`
	CreatedBy      string          `json:"created_by" db:"created_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Portfolio holds one user's cash inside one competition, plus the cached
// result of the last mark-to-market.
type Portfolio struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	CompetitionID string          `json:"competition_id" db:"competition_id"`
	CashBalance   decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	TotalValue    decimal.Decimal `json:"total_value" db:"total_value"`
	ValuedAt      *time.Time      `json:"valued_at,omitempty" db:"valued_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Trade is an immutable record of one execution. Once created, trades are
// never modified or deleted; holdings are a projection over them.
type Trade struct {
	ID               string          `json:"id" db:"id"`
	PortfolioID      string          `json:"portfolio_id" db:"portfolio_id"`
	Symbol           string          `json:"symbol" db:"symbol"`                       // underlying
	InstrumentSymbol string          `json:"instrument_symbol" db:"instrument_symbol"` // AAPL260204C00250000
	Direction        Direction       `json:"direction" db:"direction"`
	Right            Right           `json:"right" db:"option_right"`
	Quantity         int64           `json:"quantity" db:"quantity"` // contracts, always > 0
	Price            decimal.Decimal `json:"price" db:"price"`       // per share
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
	SpreadID         *string         `json:"spread_id,omitempty" db:"spread_id"`
	ExpirationDate   string          `json:"expiration_date" db:"expiration_date"` // YYYY-MM-DD
}

// Holding is one row of the persisted position projection.
// Standalone rows always have Quantity > 0. Spread legs carry a SpreadID and
// are stored as a +q / -q pair; the short leg has a negative cost basis
// (credit received).
type Holding struct {
	ID               string          `json:"id" db:"id"`
	PortfolioID      string          `json:"portfolio_id" db:"portfolio_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	InstrumentSymbol string          `json:"instrument_symbol" db:"instrument_symbol"`
	Right            Right           `json:"right" db:"option_right"`
	Quantity         int64           `json:"quantity" db:"quantity"`
	CostBasis        decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	SpreadID         *string         `json:"spread_id,omitempty" db:"spread_id"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// AveragePrice is the weighted-average per-share cost of the holding.
func (h Holding) AveragePrice() decimal.Decimal {
	if h.Quantity == 0 {
		return decimal.Zero
	}
	return h.CostBasis.Div(decimal.NewFromInt(h.Quantity * ContractMultiplier))
}

// Spread is a debit vertical reconstructed from two holding rows that share a
// spread ID. It is never stored.
type Spread struct {
	SpreadID     string          `json:"spread_id"`
	Symbol       string          `json:"symbol"`
	Right        Right           `json:"right"`
	Long         Holding         `json:"long_leg"`
	Short        Holding         `json:"short_leg"`
	Quantity     int64           `json:"quantity"`       // long leg quantity
	NetCostBasis decimal.Decimal `json:"net_cost_basis"` // long cost + short (negative) cost
}

// HistoryPoint is one append-only portfolio value snapshot.
type HistoryPoint struct {
	ID          string          `json:"id" db:"id"`
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	TotalValue  decimal.Decimal `json:"total_value" db:"total_value"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// SavedTrade is a staged trade intent. It is not part of the ledger.
type SavedTrade struct {
	ID               string          `json:"id" db:"id"`
	PortfolioID      string          `json:"portfolio_id" db:"portfolio_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	InstrumentSymbol string          `json:"instrument_symbol" db:"instrument_symbol"`
	Direction        Direction       `json:"direction" db:"direction"`
	Right            Right           `json:"right" db:"option_right"`
	Quantity         int64           `json:"quantity" db:"quantity"`
	StrikePrice      decimal.Decimal `json:"strike_price" db:"strike_price"`
	ExpirationDate   int64           `json:"expiration_date" db:"expiration_date"` // unix seconds
	Note             *string         `json:"note,omitempty" db:"note"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// ExpiringPosition is a net-long (portfolio, instrument) pair whose
// instrument expires on a given date, aggregated from the trade log.
type ExpiringPosition struct {
	PortfolioID      string `json:"portfolio_id"`
	UserID           string `json:"user_id"`
	CompetitionID    string `json:"competition_id"`
	Symbol           string `json:"symbol"`
	InstrumentSymbol string `json:"instrument_symbol"`
	NetQuantity      int64  `json:"net_quantity"`
}

// LeaderboardEntry is one ranked row of a competition leaderboard.
type LeaderboardEntry struct {
	Rank        int             `json:"rank"`
	PortfolioID string          `json:"portfolio_id"`
	UserID      string          `json:"user_id"`
	TotalValue  decimal.Decimal `json:"total_value"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	ValuedAt    *time.Time      `json:"valued_at,omitempty"`
}
