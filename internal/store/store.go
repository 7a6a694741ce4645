// Package store defines the ledger persistence interface. Implementations
// include PostgreSQL (source of truth) and in-memory (for testing).
//
// Every read and write happens inside a transaction obtained from InTx.
// Trade execution relies on that: the authoritative cash and holdings rows
// are re-read inside the same transaction that mutates them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert violates a unique constraint.
	ErrConflict = errors.New("store: conflict")
)

// Store is the transactional entry point.
type Store interface {
	// InTx runs fn inside one ACID transaction. If fn returns an error (or
	// panics) the transaction is rolled back and nothing fn wrote is
	// observable. A commit failure is returned as-is.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// --- Competitions ---

	CreateCompetition(ctx context.Context, c *model.Competition) error
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)
	ListCompetitions(ctx context.Context) ([]model.Competition, error)

	// --- Portfolios ---

	// CreatePortfolio returns ErrConflict if the user already has a
	// portfolio in the competition.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error
	GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error)

	// GetUserPortfolio loads the user's portfolio in a competition without locking.
	GetUserPortfolio(ctx context.Context, userID, competitionID string) (*model.Portfolio, error)

	// LockPortfolio loads the user's portfolio in a competition and holds a
	// row lock on it until the transaction ends.
	LockPortfolio(ctx context.Context, userID, competitionID string) (*model.Portfolio, error)

	// LockPortfolioByID is LockPortfolio keyed by portfolio ID.
	LockPortfolioByID(ctx context.Context, id string) (*model.Portfolio, error)

	ListPortfoliosByCompetition(ctx context.Context, competitionID string) ([]model.Portfolio, error)
	ListPortfoliosByUser(ctx context.Context, userID string) ([]model.Portfolio, error)

	// ListActivePortfolios returns every portfolio of every active competition.
	ListActivePortfolios(ctx context.Context) ([]model.Portfolio, error)

	// AdjustCash atomically adds delta (which may be negative) to the cash
	// balance and returns the new balance.
	AdjustCash(ctx context.Context, portfolioID string, delta decimal.Decimal) (decimal.Decimal, error)

	// UpdateValuation persists the cached total value and its timestamp.
	UpdateValuation(ctx context.Context, portfolioID string, total decimal.Decimal, at time.Time) error

	// --- Immutable trade log ---

	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTrades returns a portfolio's trades ordered by timestamp, then ID.
	ListTrades(ctx context.Context, portfolioID string) ([]model.Trade, error)

	// ListExpiringPositions aggregates the trade log across all portfolios
	// and returns each (portfolio, instrument) expiring on date (YYYY-MM-DD)
	// whose net signed quantity is positive.
	ListExpiringPositions(ctx context.Context, date string) ([]model.ExpiringPosition, error)

	// --- Holdings projection ---

	ListHoldings(ctx context.Context, portfolioID string) ([]model.Holding, error)

	// ListInstrumentHoldings returns every row (standalone and spread legs)
	// for one instrument, oldest first.
	ListInstrumentHoldings(ctx context.Context, portfolioID, instrumentSymbol string) ([]model.Holding, error)

	// GetStandaloneHolding returns the untagged row for an instrument.
	GetStandaloneHolding(ctx context.Context, portfolioID, instrumentSymbol string) (*model.Holding, error)

	// ListSpreadLegs returns the rows of a spread group whose portfolio is
	// owned by userID.
	ListSpreadLegs(ctx context.Context, userID, spreadID string) ([]model.Holding, error)

	InsertHolding(ctx context.Context, h *model.Holding) error
	UpdateHolding(ctx context.Context, h *model.Holding) error
	DeleteHolding(ctx context.Context, id string) error
	DeleteAllHoldings(ctx context.Context, portfolioID string) error

	// --- Append-only history ---

	InsertHistory(ctx context.Context, p *model.HistoryPoint) error
	ListHistory(ctx context.Context, portfolioID string) ([]model.HistoryPoint, error)

	// --- Saved trades ---

	InsertSavedTrade(ctx context.Context, s *model.SavedTrade) error

	// GetSavedTrade returns a staged trade whose portfolio is owned by userID.
	GetSavedTrade(ctx context.Context, userID, id string) (*model.SavedTrade, error)
	ListSavedTrades(ctx context.Context, portfolioID string) ([]model.SavedTrade, error)
	DeleteSavedTrade(ctx context.Context, id string) error
}
