package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// InTx runs fn in a READ COMMITTED transaction. Row locks taken through
// LockPortfolio serialise writers on the same portfolio.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// No-op after a successful commit.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

// wrapErr maps driver errors onto the store sentinels.
func wrapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", what, ErrConflict)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func expectRow(tag pgconn.CommandTag, format string, args ...any) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return nil
}

// --- Competitions ---

const competitionCols = `id, name, start_date, end_date, initial_balance::TEXT, status, created_by, created_at`

func (t *pgTx) CreateCompetition(ctx context.Context, c *model.Competition) error {
	c.ID = newID(c.ID)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO competitions (id, name, start_date, end_date, initial_balance, status, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		c.ID, c.Name, c.StartDate, c.EndDate, c.InitialBalance.String(), c.Status, c.CreatedBy, c.CreatedAt,
	)
	return wrapErr(err, "create competition %s", c.ID)
}

func (t *pgTx) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+competitionCols+` FROM competitions WHERE id = $1`, id)
	c, err := scanCompetition(row)
	if err != nil {
		return nil, wrapErr(err, "get competition %s", id)
	}
	return c, nil
}

func (t *pgTx) ListCompetitions(ctx context.Context) ([]model.Competition, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+competitionCols+` FROM competitions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, wrapErr(err, "list competitions")
	}
	defer rows.Close()

	var out []model.Competition
	for rows.Next() {
		c, err := scanCompetition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// --- Portfolios ---

const portfolioCols = `id, user_id, competition_id, cash_balance::TEXT, total_value::TEXT, valued_at, created_at`

func (t *pgTx) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	p.ID = newID(p.ID)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO portfolios (id, user_id, competition_id, cash_balance, total_value, valued_at, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
		p.ID, p.UserID, p.CompetitionID, p.CashBalance.String(), p.TotalValue.String(), p.ValuedAt, p.CreatedAt,
	)
	return wrapErr(err, "create portfolio for user %s in %s", p.UserID, p.CompetitionID)
}

func (t *pgTx) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	p, err := scanPortfolio(t.tx.QueryRow(ctx, `SELECT `+portfolioCols+` FROM portfolios WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr(err, "get portfolio %s", id)
	}
	return p, nil
}

func (t *pgTx) GetUserPortfolio(ctx context.Context, userID, competitionID string) (*model.Portfolio, error) {
	p, err := scanPortfolio(t.tx.QueryRow(ctx,
		`SELECT `+portfolioCols+` FROM portfolios WHERE user_id = $1 AND competition_id = $2`,
		userID, competitionID))
	if err != nil {
		return nil, wrapErr(err, "get portfolio for user %s in %s", userID, competitionID)
	}
	return p, nil
}

func (t *pgTx) LockPortfolio(ctx context.Context, userID, competitionID string) (*model.Portfolio, error) {
	p, err := scanPortfolio(t.tx.QueryRow(ctx,
		`SELECT `+portfolioCols+` FROM portfolios WHERE user_id = $1 AND competition_id = $2 FOR UPDATE`,
		userID, competitionID))
	if err != nil {
		return nil, wrapErr(err, "lock portfolio for user %s in %s", userID, competitionID)
	}
	return p, nil
}

func (t *pgTx) LockPortfolioByID(ctx context.Context, id string) (*model.Portfolio, error) {
	p, err := scanPortfolio(t.tx.QueryRow(ctx, `SELECT `+portfolioCols+` FROM portfolios WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapErr(err, "lock portfolio %s", id)
	}
	return p, nil
}

func (t *pgTx) ListPortfoliosByCompetition(ctx context.Context, competitionID string) ([]model.Portfolio, error) {
	return t.queryPortfolios(ctx,
		`SELECT `+portfolioCols+` FROM portfolios WHERE competition_id = $1 ORDER BY created_at, id`, competitionID)
}

func (t *pgTx) ListPortfoliosByUser(ctx context.Context, userID string) ([]model.Portfolio, error) {
	return t.queryPortfolios(ctx,
		`SELECT `+portfolioCols+` FROM portfolios WHERE user_id = $1 ORDER BY created_at, id`, userID)
}

func (t *pgTx) ListActivePortfolios(ctx context.Context) ([]model.Portfolio, error) {
	return t.queryPortfolios(ctx,
		`SELECT p.id, p.user_id, p.competition_id, p.cash_balance::TEXT, p.total_value::TEXT, p.valued_at, p.created_at
		 FROM portfolios p
		 JOIN competitions c ON c.id = p.competition_id
		 WHERE c.status = $1
		 ORDER BY p.created_at, p.id`, model.StatusActive)
}

func (t *pgTx) queryPortfolios(ctx context.Context, sql string, args ...any) ([]model.Portfolio, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapErr(err, "list portfolios")
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) AdjustCash(ctx context.Context, portfolioID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balS string
	err := t.tx.QueryRow(ctx,
		`UPDATE portfolios SET cash_balance = ROUND(cash_balance + $2::NUMERIC, 2)
		 WHERE id = $1 RETURNING cash_balance::TEXT`,
		portfolioID, delta.String()).Scan(&balS)
	if err != nil {
		return decimal.Zero, wrapErr(err, "adjust cash %s", portfolioID)
	}
	bal, _ := decimal.NewFromString(balS)
	return bal, nil
}

func (t *pgTx) UpdateValuation(ctx context.Context, portfolioID string, total decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE portfolios SET total_value = ROUND($2::NUMERIC, 2), valued_at = $3 WHERE id = $1`,
		portfolioID, total.String(), at)
	if err != nil {
		return wrapErr(err, "update valuation %s", portfolioID)
	}
	return expectRow(tag, "update valuation %s", portfolioID)
}

// --- Immutable trade log ---

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	tr.ID = newID(tr.ID)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, portfolio_id, symbol, instrument_symbol, direction, option_right,
		                     quantity, price, timestamp, spread_id, expiration_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10, $11::DATE)`,
		tr.ID, tr.PortfolioID, tr.Symbol, tr.InstrumentSymbol, string(tr.Direction), string(tr.Right),
		tr.Quantity, tr.Price.String(), tr.Timestamp, tr.SpreadID, tr.ExpirationDate,
	)
	return wrapErr(err, "insert trade %s", tr.ID)
}

func (t *pgTx) ListTrades(ctx context.Context, portfolioID string) ([]model.Trade, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, portfolio_id, symbol, instrument_symbol, direction, option_right,
		        quantity, price::TEXT, timestamp, spread_id, to_char(expiration_date, 'YYYY-MM-DD')
		 FROM trades WHERE portfolio_id = $1 ORDER BY timestamp, id`, portfolioID)
	if err != nil {
		return nil, wrapErr(err, "list trades %s", portfolioID)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (t *pgTx) ListExpiringPositions(ctx context.Context, date string) ([]model.ExpiringPosition, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT t.portfolio_id, p.user_id, p.competition_id, t.symbol, t.instrument_symbol,
		        SUM(CASE WHEN t.direction = 'BUY' THEN t.quantity ELSE -t.quantity END) AS net_qty
		 FROM trades t
		 JOIN portfolios p ON p.id = t.portfolio_id
		 WHERE t.expiration_date = $1::DATE
		 GROUP BY t.portfolio_id, p.user_id, p.competition_id, t.symbol, t.instrument_symbol
		 HAVING SUM(CASE WHEN t.direction = 'BUY' THEN t.quantity ELSE -t.quantity END) > 0
		 ORDER BY t.portfolio_id, t.instrument_symbol`, date)
	if err != nil {
		return nil, wrapErr(err, "list expiring positions %s", date)
	}
	defer rows.Close()

	var out []model.ExpiringPosition
	for rows.Next() {
		var e model.ExpiringPosition
		if err := rows.Scan(&e.PortfolioID, &e.UserID, &e.CompetitionID,
			&e.Symbol, &e.InstrumentSymbol, &e.NetQuantity); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Holdings projection ---

const holdingCols = `id, portfolio_id, symbol, instrument_symbol, option_right, quantity, cost_basis::TEXT, spread_id, created_at, updated_at`

func (t *pgTx) ListHoldings(ctx context.Context, portfolioID string) ([]model.Holding, error) {
	return t.queryHoldings(ctx,
		`SELECT `+holdingCols+` FROM holdings WHERE portfolio_id = $1 ORDER BY created_at, id`, portfolioID)
}

func (t *pgTx) ListInstrumentHoldings(ctx context.Context, portfolioID, instrumentSymbol string) ([]model.Holding, error) {
	return t.queryHoldings(ctx,
		`SELECT `+holdingCols+` FROM holdings
		 WHERE portfolio_id = $1 AND instrument_symbol = $2
		 ORDER BY created_at, id FOR UPDATE`, portfolioID, instrumentSymbol)
}

func (t *pgTx) GetStandaloneHolding(ctx context.Context, portfolioID, instrumentSymbol string) (*model.Holding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx,
		`SELECT `+holdingCols+` FROM holdings
		 WHERE portfolio_id = $1 AND instrument_symbol = $2 AND spread_id IS NULL
		 FOR UPDATE`, portfolioID, instrumentSymbol))
	if err != nil {
		return nil, wrapErr(err, "get holding %s in %s", instrumentSymbol, portfolioID)
	}
	return h, nil
}

func (t *pgTx) ListSpreadLegs(ctx context.Context, userID, spreadID string) ([]model.Holding, error) {
	return t.queryHoldings(ctx,
		`SELECT h.id, h.portfolio_id, h.symbol, h.instrument_symbol, h.option_right, h.quantity,
		        h.cost_basis::TEXT, h.spread_id, h.created_at, h.updated_at
		 FROM holdings h
		 JOIN portfolios p ON p.id = h.portfolio_id
		 WHERE h.spread_id = $1 AND p.user_id = $2
		 ORDER BY h.created_at, h.id
		 FOR UPDATE OF h`, spreadID, userID)
}

func (t *pgTx) queryHoldings(ctx context.Context, sql string, args ...any) ([]model.Holding, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapErr(err, "list holdings")
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	h.ID = newID(h.ID)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (id, portfolio_id, symbol, instrument_symbol, option_right,
		                       quantity, cost_basis, spread_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
		h.ID, h.PortfolioID, h.Symbol, h.InstrumentSymbol, string(h.Right),
		h.Quantity, h.CostBasis.String(), h.SpreadID, h.CreatedAt, h.UpdatedAt,
	)
	return wrapErr(err, "insert holding %s", h.InstrumentSymbol)
}

func (t *pgTx) UpdateHolding(ctx context.Context, h *model.Holding) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE holdings SET quantity = $2, cost_basis = $3::NUMERIC, updated_at = $4 WHERE id = $1`,
		h.ID, h.Quantity, h.CostBasis.String(), h.UpdatedAt)
	if err != nil {
		return wrapErr(err, "update holding %s", h.ID)
	}
	return expectRow(tag, "update holding %s", h.ID)
}

func (t *pgTx) DeleteHolding(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM holdings WHERE id = $1`, id)
	if err != nil {
		return wrapErr(err, "delete holding %s", id)
	}
	return expectRow(tag, "delete holding %s", id)
}

func (t *pgTx) DeleteAllHoldings(ctx context.Context, portfolioID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM holdings WHERE portfolio_id = $1`, portfolioID)
	return wrapErr(err, "delete holdings %s", portfolioID)
}

// --- Append-only history ---

func (t *pgTx) InsertHistory(ctx context.Context, p *model.HistoryPoint) error {
	p.ID = newID(p.ID)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO portfolio_history (id, portfolio_id, total_value, cash_balance, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		p.ID, p.PortfolioID, p.TotalValue.String(), p.CashBalance.String(), p.Timestamp)
	return wrapErr(err, "insert history %s", p.PortfolioID)
}

func (t *pgTx) ListHistory(ctx context.Context, portfolioID string) ([]model.HistoryPoint, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, portfolio_id, total_value::TEXT, cash_balance::TEXT, timestamp
		 FROM portfolio_history WHERE portfolio_id = $1 ORDER BY timestamp`, portfolioID)
	if err != nil {
		return nil, wrapErr(err, "list history %s", portfolioID)
	}
	defer rows.Close()

	var out []model.HistoryPoint
	for rows.Next() {
		var p model.HistoryPoint
		var totalS, cashS string
		if err := rows.Scan(&p.ID, &p.PortfolioID, &totalS, &cashS, &p.Timestamp); err != nil {
			return nil, err
		}
		p.TotalValue, _ = decimal.NewFromString(totalS)
		p.CashBalance, _ = decimal.NewFromString(cashS)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Saved trades ---

const savedCols = `s.id, s.portfolio_id, s.symbol, s.instrument_symbol, s.direction, s.option_right,
	s.quantity, s.strike_price::TEXT, s.expiration_date, s.note, s.created_at`

func (t *pgTx) InsertSavedTrade(ctx context.Context, s *model.SavedTrade) error {
	s.ID = newID(s.ID)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO saved_trades (id, portfolio_id, symbol, instrument_symbol, direction, option_right,
		                           quantity, strike_price, expiration_date, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10, $11)`,
		s.ID, s.PortfolioID, s.Symbol, s.InstrumentSymbol, string(s.Direction), string(s.Right),
		s.Quantity, s.StrikePrice.String(), s.ExpirationDate, s.Note, s.CreatedAt)
	return wrapErr(err, "insert saved trade %s", s.ID)
}

func (t *pgTx) GetSavedTrade(ctx context.Context, userID, id string) (*model.SavedTrade, error) {
	s, err := scanSavedTrade(t.tx.QueryRow(ctx,
		`SELECT `+savedCols+`
		 FROM saved_trades s
		 JOIN portfolios p ON p.id = s.portfolio_id
		 WHERE s.id = $1 AND p.user_id = $2`, id, userID))
	if err != nil {
		return nil, wrapErr(err, "get saved trade %s", id)
	}
	return s, nil
}

func (t *pgTx) ListSavedTrades(ctx context.Context, portfolioID string) ([]model.SavedTrade, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+savedCols+` FROM saved_trades s WHERE s.portfolio_id = $1 ORDER BY s.created_at DESC, s.id`,
		portfolioID)
	if err != nil {
		return nil, wrapErr(err, "list saved trades %s", portfolioID)
	}
	defer rows.Close()

	var out []model.SavedTrade
	for rows.Next() {
		s, err := scanSavedTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (t *pgTx) DeleteSavedTrade(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM saved_trades WHERE id = $1`, id)
	if err != nil {
		return wrapErr(err, "delete saved trade %s", id)
	}
	return expectRow(tag, "delete saved trade %s", id)
}

// --- Row scanners ---

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanCompetition(row rowScanner) (*model.Competition, error) {
	var c model.Competition
	var balS string
	if err := row.Scan(&c.ID, &c.Name, &c.StartDate, &c.EndDate, &balS, &c.Status, &c.CreatedBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.InitialBalance, _ = decimal.NewFromString(balS)
	return &c, nil
}

func scanPortfolio(row rowScanner) (*model.Portfolio, error) {
	var p model.Portfolio
	var cashS, totalS string
	if err := row.Scan(&p.ID, &p.UserID, &p.CompetitionID, &cashS, &totalS, &p.ValuedAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CashBalance, _ = decimal.NewFromString(cashS)
	p.TotalValue, _ = decimal.NewFromString(totalS)
	return &p, nil
}

func scanHolding(row rowScanner) (*model.Holding, error) {
	var h model.Holding
	var right, costS string
	if err := row.Scan(&h.ID, &h.PortfolioID, &h.Symbol, &h.InstrumentSymbol, &right,
		&h.Quantity, &costS, &h.SpreadID, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.Right = model.Right(right)
	h.CostBasis, _ = decimal.NewFromString(costS)
	return &h, nil
}

func scanSavedTrade(row rowScanner) (*model.SavedTrade, error) {
	var s model.SavedTrade
	var dir, right, strikeS string
	if err := row.Scan(&s.ID, &s.PortfolioID, &s.Symbol, &s.InstrumentSymbol, &dir, &right,
		&s.Quantity, &strikeS, &s.ExpirationDate, &s.Note, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Direction = model.Direction(dir)
	s.Right = model.Right(right)
	s.StrikePrice, _ = decimal.NewFromString(strikeS)
	return &s, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var tr model.Trade
		var dir, right, priceS string
		if err := rows.Scan(&tr.ID, &tr.PortfolioID, &tr.Symbol, &tr.InstrumentSymbol, &dir, &right,
			&tr.Quantity, &priceS, &tr.Timestamp, &tr.SpreadID, &tr.ExpirationDate); err != nil {
			return nil, err
		}
		tr.Direction = model.Direction(dir)
		tr.Right = model.Right(right)
		tr.Price, _ = decimal.NewFromString(priceS)
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}
