package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fxdesk/fxdesk/internal/shared"
)

// TimeLayout is the text layout used for every timestamp column.
const TimeLayout = time.RFC3339Nano

// DateLayout is the text layout used for date-only columns.
const DateLayout = "2006-01-02"

// Open opens (or creates) a SQLite database and ensures the netting schema exists.
// Pass ":memory:" for an in-memory database. The pool is limited to one connection so
// transactions are serialized and an in-memory database is shared by every caller.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("platform/sqlite: %s: %w", pragma, err)
		}
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("platform/sqlite: create tables: %w", err)
	}
	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id INTEGER PRIMARY KEY,
			operation_type TEXT NOT NULL CHECK (operation_type IN ('BUY','SELL')),
			amount_usd TEXT NOT NULL CHECK (CAST(amount_usd AS REAL) >= 0),
			amount_pen TEXT NOT NULL CHECK (CAST(amount_pen AS REAL) >= 0),
			exchange_rate TEXT NOT NULL CHECK (CAST(exchange_rate AS REAL) > 0),
			client_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			completed_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS netting_batches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_code TEXT NOT NULL UNIQUE,
			entry_ref TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			netting_date TEXT NOT NULL,
			total_buys_usd TEXT NOT NULL DEFAULT '0',
			total_buys_pen TEXT NOT NULL DEFAULT '0',
			total_sells_usd TEXT NOT NULL DEFAULT '0',
			total_sells_pen TEXT NOT NULL DEFAULT '0',
			difference_usd TEXT NOT NULL DEFAULT '0',
			total_profit_pen TEXT NOT NULL DEFAULT '0',
			avg_buy_rate TEXT NOT NULL DEFAULT '0',
			avg_sell_rate TEXT NOT NULL DEFAULT '0',
			num_matches INTEGER NOT NULL DEFAULT 0,
			num_buy_operations INTEGER NOT NULL DEFAULT 0,
			num_sell_operations INTEGER NOT NULL DEFAULT 0,
			accounting_entry TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'OPEN' CHECK (status IN ('OPEN','CLOSED','VOIDED')),
			notes TEXT NOT NULL DEFAULT '',
			created_by INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			closed_by INTEGER,
			closed_at TEXT,
			voided_by INTEGER,
			voided_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_netting_batches_status ON netting_batches(status)`,

		`CREATE TABLE IF NOT EXISTS netting_matches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			buy_operation_id INTEGER NOT NULL REFERENCES operations(id),
			sell_operation_id INTEGER NOT NULL REFERENCES operations(id),
			matched_amount_usd TEXT NOT NULL,
			buy_exchange_rate TEXT NOT NULL,
			sell_exchange_rate TEXT NOT NULL,
			profit_pen TEXT NOT NULL,
			profit_percentage TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE','VOIDED')),
			batch_id INTEGER REFERENCES netting_batches(id),
			notes TEXT NOT NULL DEFAULT '',
			created_by INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			voided_by INTEGER,
			voided_at TEXT,
			CHECK (buy_operation_id <> sell_operation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_netting_matches_buy ON netting_matches(buy_operation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_netting_matches_sell ON netting_matches(sell_operation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_netting_matches_batch ON netting_matches(batch_id)`,
		`CREATE TRIGGER IF NOT EXISTS trg_netting_matches_batch_once
			BEFORE UPDATE OF batch_id ON netting_matches
			WHEN OLD.batch_id IS NOT NULL AND (NEW.batch_id IS NULL OR NEW.batch_id <> OLD.batch_id)
			BEGIN
				SELECT RAISE(ABORT, 'batch_id is immutable once set');
			END`,

		`CREATE TABLE IF NOT EXISTS netting_batch_sequence (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_value INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			meta TEXT NOT NULL DEFAULT '{}',
			occurred_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AuditLogger writes audit records into the local audit_logs table.
type AuditLogger struct {
	db *sql.DB
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(db *sql.DB) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log shared.AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		log.ActorID, log.Action, log.Entity, log.EntityID, string(meta), at.UTC().Format(TimeLayout))
	return err
}
