package store

// schemaDDL creates the ledger tables. Every statement is idempotent.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS competitions (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	start_date      TIMESTAMPTZ NOT NULL,
	end_date        TIMESTAMPTZ NOT NULL,
	initial_balance NUMERIC(14,2) NOT NULL CHECK (initial_balance >= 0),
	status          TEXT NOT NULL DEFAULT 'active',
	created_by      TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS portfolios (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	competition_id TEXT NOT NULL REFERENCES competitions(id) ON DELETE CASCADE,
	cash_balance   NUMERIC(14,2) NOT NULL,
	total_value    NUMERIC(14,2) NOT NULL DEFAULT 0,
	valued_at      TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, competition_id)
);

CREATE INDEX IF NOT EXISTS idx_portfolios_competition ON portfolios(competition_id);

CREATE TABLE IF NOT EXISTS trades (
	id                TEXT PRIMARY KEY,
	portfolio_id      TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	symbol            TEXT NOT NULL,
	instrument_symbol TEXT NOT NULL,
	direction         TEXT NOT NULL CHECK (direction IN ('BUY', 'SELL')),
	option_right      TEXT NOT NULL CHECK (option_right IN ('CALL', 'PUT')),
	quantity          INTEGER NOT NULL CHECK (quantity > 0),
	price             NUMERIC(14,4) NOT NULL CHECK (price >= 0),
	timestamp         TIMESTAMPTZ NOT NULL,
	spread_id         TEXT,
	expiration_date   DATE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_portfolio ON trades(portfolio_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trades_expiration ON trades(expiration_date);
CREATE INDEX IF NOT EXISTS idx_trades_spread ON trades(spread_id) WHERE spread_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS holdings (
	id                TEXT PRIMARY KEY,
	portfolio_id      TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	symbol            TEXT NOT NULL,
	instrument_symbol TEXT NOT NULL,
	option_right      TEXT NOT NULL,
	quantity          INTEGER NOT NULL CHECK (quantity <> 0),
	cost_basis        NUMERIC(14,2) NOT NULL,
	spread_id         TEXT,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_holdings_portfolio ON holdings(portfolio_id, instrument_symbol);
CREATE INDEX IF NOT EXISTS idx_holdings_spread ON holdings(spread_id) WHERE spread_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_holdings_standalone
	ON holdings(portfolio_id, instrument_symbol) WHERE spread_id IS NULL;

CREATE TABLE IF NOT EXISTS portfolio_history (
	id           TEXT PRIMARY KEY,
	portfolio_id TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	total_value  NUMERIC(14,2) NOT NULL,
	cash_balance NUMERIC(14,2) NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_portfolio ON portfolio_history(portfolio_id, timestamp);

CREATE TABLE IF NOT EXISTS saved_trades (
	id                TEXT PRIMARY KEY,
	portfolio_id      TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	symbol            TEXT NOT NULL,
	instrument_symbol TEXT NOT NULL,
	direction         TEXT NOT NULL CHECK (direction IN ('BUY', 'SELL')),
	option_right      TEXT NOT NULL CHECK (option_right IN ('CALL', 'PUT')),
	quantity          INTEGER NOT NULL CHECK (quantity > 0),
	strike_price      NUMERIC(14,3) NOT NULL,
	expiration_date   BIGINT NOT NULL,
	note              TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_saved_trades_portfolio ON saved_trades(portfolio_id);
`
