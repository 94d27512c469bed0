package db

import (
	"database/sql"
	"fmt"
)

// Money and price columns are TEXT so decimals round-trip exactly.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    exchange TEXT NOT NULL DEFAULT '',
    exchange_type TEXT NOT NULL DEFAULT 'virtual',
    testnet INTEGER DEFAULT 0,
    is_virtual INTEGER DEFAULT 1,
    is_active INTEGER DEFAULT 1,
    balance TEXT NOT NULL DEFAULT '0',
    api_key_encrypted TEXT DEFAULT '',
    api_secret_encrypted TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    status TEXT NOT NULL,
    market TEXT NOT NULL DEFAULT 'FUTURES',
    total_size TEXT NOT NULL DEFAULT '0',
    filled_size TEXT NOT NULL DEFAULT '0',
    entry_price TEXT NOT NULL DEFAULT '0',
    current_price TEXT NOT NULL DEFAULT '0',
    leverage INTEGER NOT NULL DEFAULT 1,
    margin TEXT NOT NULL DEFAULT '0',
    liquidation_price TEXT NOT NULL DEFAULT '0',
    stop_loss TEXT,
    take_profit TEXT,
    tp_levels TEXT,
    tp_hits INTEGER DEFAULT 0,
    trailing TEXT,
    realized_pnl TEXT NOT NULL DEFAULT '0',
    unrealized_pnl TEXT NOT NULL DEFAULT '0',
    funding_accrued TEXT NOT NULL DEFAULT '0',
    last_funding_at DATETIME,
    source TEXT NOT NULL DEFAULT 'PLATFORM',
    escort_enabled INTEGER DEFAULT 0,
    escort_status TEXT DEFAULT '',
    exchange_position_id TEXT DEFAULT '',
    is_virtual INTEGER DEFAULT 0,
    signal_id TEXT DEFAULT '',
    max_hold_until DATETIME,
    close_reason TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);

CREATE INDEX IF NOT EXISTS idx_positions_status_symbol ON positions(status, symbol);
CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id, status);

CREATE TABLE IF NOT EXISTS external_positions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    position_id TEXT NOT NULL UNIQUE,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    size TEXT NOT NULL DEFAULT '0',
    entry_price TEXT NOT NULL DEFAULT '0',
    mark_price TEXT NOT NULL DEFAULT '0',
    unrealized_pnl TEXT NOT NULL DEFAULT '0',
    leverage INTEGER DEFAULT 1,
    margin_mode TEXT DEFAULT '',
    liquidation_price TEXT,
    exchange_position_id TEXT DEFAULT '',
    trailing TEXT,
    last_seen_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(position_id) REFERENCES positions(id)
);

CREATE TABLE IF NOT EXISTS virtual_orders (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    market TEXT NOT NULL DEFAULT 'FUTURES',
    quantity TEXT NOT NULL,
    leverage INTEGER NOT NULL DEFAULT 1,
    limit_price TEXT NOT NULL,
    stop_loss TEXT,
    take_profit TEXT,
    status TEXT NOT NULL,
    position_id TEXT DEFAULT '',
    cancel_reason TEXT DEFAULT '',
    expires_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_virtual_orders_status_symbol ON virtual_orders(status, symbol);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    position_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    price TEXT NOT NULL,
    quantity TEXT NOT NULL,
    fee TEXT NOT NULL DEFAULT '0',
    fee_role TEXT NOT NULL DEFAULT 'TAKER',
    realized_pnl TEXT NOT NULL DEFAULT '0',
    reason TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    position_id TEXT NOT NULL UNIQUE,
    symbol TEXT NOT NULL,
    stop_loss TEXT,
    tp_levels TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_reports (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    accounts INTEGER DEFAULT 0,
    created INTEGER DEFAULT 0,
    closed INTEGER DEFAULT 0,
    refreshed INTEGER DEFAULT 0,
    skipped INTEGER DEFAULT 0,
    errors TEXT
);
`

// ApplyMigrations creates tables if they do not exist.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "positions", "max_hold_until", "DATETIME"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "positions", "signal_id", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "external_positions", "trailing", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "sync_reports", "skipped", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
