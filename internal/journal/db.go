// Package journal is the single writer of persistent trading state:
// sessions, recommendation groups and legs, trades, session logs, and the
// read-only collector tables (market snapshots, events, daily bars,
// market metadata). Every other component reads through it.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection and the migration-versioned schema.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applies pending
// migrations, and returns a ready Store.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	slog.Info("journal opened", "path", path)
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB, for the read-only query guard.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	version := 0
	s.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS sessions (
				id                   TEXT PRIMARY KEY,
				started_at           TEXT NOT NULL,
				ended_at             TEXT,
				upstream_session_id  TEXT,
				summary              TEXT,
				trades_placed        INTEGER NOT NULL DEFAULT 0,
				recommendations_made INTEGER NOT NULL DEFAULT 0,
				pnl_usd              REAL
			);

			CREATE TABLE IF NOT EXISTS session_logs (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL REFERENCES sessions(id),
				created_at  TEXT NOT NULL,
				content     TEXT NOT NULL,
				is_stub     INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_session_logs_session ON session_logs(session_id);

			CREATE TABLE IF NOT EXISTS recommendation_groups (
				id                  INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id          TEXT NOT NULL REFERENCES sessions(id),
				created_at          TEXT NOT NULL,
				thesis              TEXT,
				strategy            TEXT,
				equivalence_notes   TEXT,
				status              TEXT NOT NULL DEFAULT 'pending',
				estimated_edge_pct  REAL,
				net_edge_pct        REAL,
				fees_usd            REAL,
				total_exposure_usd  REAL,
				hypothetical_pnl_usd REAL,
				expires_at          TEXT NOT NULL,
				reviewed_at         TEXT,
				executed_at         TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_rec_groups_session ON recommendation_groups(session_id);
			CREATE INDEX IF NOT EXISTS idx_rec_groups_status ON recommendation_groups(status, created_at DESC);

			CREATE TABLE IF NOT EXISTS recommendation_legs (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				group_id        INTEGER NOT NULL REFERENCES recommendation_groups(id),
				leg_index       INTEGER NOT NULL,
				exchange        TEXT NOT NULL,
				market_id       TEXT NOT NULL,
				market_title    TEXT,
				action          TEXT NOT NULL,
				side            TEXT NOT NULL,
				quantity        INTEGER NOT NULL,
				price_cents     INTEGER NOT NULL,
				is_maker        INTEGER NOT NULL DEFAULT 0,
				order_type      TEXT NOT NULL DEFAULT 'limit',
				status          TEXT NOT NULL DEFAULT 'pending',
				order_id        TEXT,
				fill_price_cents INTEGER,
				fill_quantity   INTEGER,
				orderbook_snapshot_json TEXT,
				settlement_value INTEGER,
				settled_at      TEXT,
				updated_at      TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_rec_legs_group ON recommendation_legs(group_id, leg_index);

			CREATE TABLE IF NOT EXISTS trades (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id    TEXT NOT NULL REFERENCES sessions(id),
				leg_id        INTEGER,
				exchange      TEXT NOT NULL,
				timestamp     TEXT NOT NULL,
				market_id     TEXT NOT NULL,
				action        TEXT NOT NULL,
				side          TEXT NOT NULL,
				count         INTEGER NOT NULL,
				price_cents   INTEGER,
				order_type    TEXT,
				order_id      TEXT,
				status        TEXT NOT NULL DEFAULT 'placed',
				result_json   TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_trades_session ON trades(session_id, timestamp DESC);
			CREATE INDEX IF NOT EXISTS idx_trades_leg ON trades(leg_id);
			CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

			CREATE TABLE IF NOT EXISTS events (
				event_ticker         TEXT NOT NULL,
				exchange             TEXT NOT NULL,
				series_ticker        TEXT,
				title                TEXT,
				category             TEXT,
				mutually_exclusive   INTEGER NOT NULL DEFAULT 0,
				last_updated         TEXT NOT NULL,
				markets_json         TEXT,
				PRIMARY KEY (event_ticker, exchange)
			);

			CREATE TABLE IF NOT EXISTS market_snapshots (
				id                   INTEGER PRIMARY KEY AUTOINCREMENT,
				captured_at          TEXT NOT NULL,
				source               TEXT,
				exchange             TEXT NOT NULL,
				ticker               TEXT NOT NULL,
				event_ticker         TEXT,
				series_ticker        TEXT,
				title                TEXT,
				category             TEXT,
				status               TEXT,
				yes_bid              INTEGER,
				yes_ask              INTEGER,
				no_bid               INTEGER,
				no_ask               INTEGER,
				last_price           INTEGER,
				volume               INTEGER,
				volume_24h           INTEGER,
				open_interest        INTEGER,
				spread_cents         INTEGER,
				mid_price_cents      INTEGER,
				implied_probability  REAL,
				days_to_expiration   REAL,
				close_time           TEXT,
				settlement_value     INTEGER,
				markets_in_event     INTEGER,
				raw_json             TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_snapshots_ticker ON market_snapshots(ticker, captured_at DESC);

			CREATE TABLE IF NOT EXISTS daily_bars (
				exchange    TEXT NOT NULL,
				ticker      TEXT NOT NULL,
				trade_date  TEXT NOT NULL,
				open_cents  INTEGER,
				high_cents  INTEGER,
				low_cents   INTEGER,
				close_cents INTEGER,
				volume      INTEGER,
				PRIMARY KEY (exchange, ticker, trade_date)
			);

			CREATE TABLE IF NOT EXISTS market_meta (
				exchange   TEXT NOT NULL,
				ticker     TEXT NOT NULL,
				key        TEXT NOT NULL,
				value      TEXT,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (exchange, ticker, key)
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		slog.Info("applied journal migration", "version", 1)
	}

	return nil
}
