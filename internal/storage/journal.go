// Package storage provides a SQLite-backed audit journal for fired signals
// and daily trade batches. It is append-only: nothing here is read back into
// live trading state.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tapeflow/stockpulse/internal/models"
	_ "modernc.org/sqlite"
)

// SignalRecord is one journaled signal alert.
type SignalRecord struct {
	ID        string
	Symbol    string
	Direction models.Direction
	Imbalance float64
	Spread    float64
	Momentum  float64
	Price     float64
	FiredAt   time.Time
}

// TradeRow is one journaled batch entry.
type TradeRow struct {
	ID        string
	TradeDate string
	Symbol    string
	Side      models.Side
	Score     float64
	RefPrice  float64
	Submitted bool
	OpenedAt  time.Time
	ClosedAt  time.Time // zero until the batch is closed
}

// Journal wraps a SQLite database for all persistence operations.
type Journal struct {
	db         *sql.DB
	maxSignals int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/stockpulse/journal.db.
func New(maxSignals int, dbPath string) (*Journal, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "stockpulse", "journal.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	j := &Journal{db: db, maxSignals: maxSignals}
	if err := j.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id        TEXT PRIMARY KEY,
			symbol    TEXT NOT NULL,
			direction TEXT NOT NULL,
			imbalance REAL NOT NULL,
			spread    REAL NOT NULL,
			momentum  REAL NOT NULL,
			price     REAL NOT NULL,
			fired_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id         TEXT PRIMARY KEY,
			trade_date TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			side       TEXT NOT NULL,
			score      REAL NOT NULL,
			ref_price  REAL NOT NULL,
			submitted  INTEGER NOT NULL,
			opened_at  INTEGER NOT NULL,
			closed_at  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_fired_at ON signals(fired_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_date ON trades(trade_date)`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddSignal records one fired alert and trims the table to maxSignals newest.
func (j *Journal) AddSignal(symbol string, direction models.Direction, imbalance, spread, momentum, price float64, firedAt time.Time) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO signals (id, symbol, direction, imbalance, spread, momentum, price, fired_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		uuid.NewString(), symbol, string(direction), imbalance, spread, momentum, price, firedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	if _, err = tx.Exec(`
		DELETE FROM signals WHERE id NOT IN (
			SELECT id FROM signals ORDER BY fired_at DESC LIMIT ?
		)`, j.maxSignals); err != nil {
		return fmt.Errorf("failed to enforce signal cap: %w", err)
	}

	return tx.Commit()
}

// RecentSignals returns up to k signals, newest first.
func (j *Journal) RecentSignals(k int) ([]SignalRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, symbol, direction, imbalance, spread, momentum, price, fired_at
		FROM signals ORDER BY fired_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []SignalRecord
	for rows.Next() {
		var s SignalRecord
		var direction string
		var firedAtNano int64
		if err := rows.Scan(&s.ID, &s.Symbol, &direction, &s.Imbalance, &s.Spread, &s.Momentum, &s.Price, &firedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		s.Direction = models.Direction(direction)
		s.FiredAt = time.Unix(0, firedAtNano)
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// AddTrades records one day's batch in a single transaction.
func (j *Journal) AddTrades(date string, records []models.TradeRecord) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	openedAt := time.Now().UnixNano()
	for _, r := range records {
		_, err := tx.Exec(`
			INSERT INTO trades (id, trade_date, symbol, side, score, ref_price, submitted, opened_at, closed_at)
			VALUES (?,?,?,?,?,?,?,?,NULL)`,
			uuid.NewString(), date, r.Symbol, string(r.Side), r.Score, r.RefPrice, boolToInt(r.Submitted), openedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trade for %s: %w", r.Symbol, err)
		}
	}
	return tx.Commit()
}

// CloseBatch stamps every still-open trade of the given date as closed.
func (j *Journal) CloseBatch(date string) error {
	_, err := j.db.Exec(`
		UPDATE trades SET closed_at = ? WHERE trade_date = ? AND closed_at IS NULL`,
		time.Now().UnixNano(), date,
	)
	if err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}
	return nil
}

// TradesOn returns the journaled batch for one trading date.
func (j *Journal) TradesOn(date string) ([]TradeRow, error) {
	rows, err := j.db.Query(`
		SELECT id, trade_date, symbol, side, score, ref_price, submitted, opened_at, closed_at
		FROM trades WHERE trade_date = ? ORDER BY score DESC`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRow
	for rows.Next() {
		var t TradeRow
		var side string
		var submitted int
		var openedAtNano int64
		var closedAtNano sql.NullInt64
		if err := rows.Scan(&t.ID, &t.TradeDate, &t.Symbol, &side, &t.Score, &t.RefPrice, &submitted, &openedAtNano, &closedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = models.Side(side)
		t.Submitted = submitted != 0
		t.OpenedAt = time.Unix(0, openedAtNano)
		if closedAtNano.Valid {
			t.ClosedAt = time.Unix(0, closedAtNano.Int64)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
