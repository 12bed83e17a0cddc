// Package storage keeps the current trading session's signal log in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/quotesentinel/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for the session log. It is cleared at every
// daily boundary; nothing is retained across trading sessions.
type Storage struct {
	db         *sql.DB
	maxSignals int
}

// Delivery records the outcome of one dispatch attempt sequence.
type Delivery struct {
	ID        string
	SignalID  string
	Symbol    string
	Reason    string
	Status    string
	Decision  string
	Attempts  int
	Error     string
	CreatedAt time.Time
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/quotesentinel/session.db.
func New(maxSignals int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "quotesentinel", "session.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if maxSignals <= 0 {
		maxSignals = 10000
	}
	s := &Storage{db: db, maxSignals: maxSignals}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id            TEXT PRIMARY KEY,
			symbol        TEXT NOT NULL,
			signal_type   TEXT NOT NULL,
			value         REAL NOT NULL,
			threshold     REAL NOT NULL,
			priority      TEXT NOT NULL,
			detail        TEXT,
			trading_date  TEXT NOT NULL,
			detected_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id            TEXT PRIMARY KEY,
			signal_id     TEXT,
			symbol        TEXT NOT NULL,
			reason        TEXT NOT NULL,
			status        TEXT NOT NULL,
			decision      TEXT,
			attempts      INTEGER NOT NULL DEFAULT 0,
			error         TEXT,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prev_close (
			symbol        TEXT PRIMARY KEY,
			price         REAL NOT NULL,
			trading_date  TEXT NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_detected_at ON signals(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_created_at ON deliveries(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddSignal records a detected signal and trims the log to maxSignals newest rows.
func (s *Storage) AddSignal(sig *models.Signal, tradingDate string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO signals
			(id, symbol, signal_type, value, threshold, priority, detail, trading_date, detected_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		sig.ID, sig.Symbol, string(sig.Type), sig.Value, sig.Threshold, string(sig.Priority),
		sig.Detail, tradingDate, sig.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	if _, err = tx.Exec(`
		DELETE FROM signals WHERE id NOT IN (
			SELECT id FROM signals ORDER BY detected_at DESC LIMIT ?
		)`, s.maxSignals); err != nil {
		return fmt.Errorf("failed to enforce signal cap: %w", err)
	}

	return tx.Commit()
}

// ListSignals returns up to limit signals, newest first.
func (s *Storage) ListSignals(limit int) ([]models.Signal, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, signal_type, value, threshold, priority, detail, detected_at
		FROM signals ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []models.Signal
	for rows.Next() {
		var sig models.Signal
		var typ, prio string
		var detail sql.NullString
		var detectedAtNano int64
		if err := rows.Scan(&sig.ID, &sig.Symbol, &typ, &sig.Value, &sig.Threshold, &prio, &detail, &detectedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.Type = models.SignalType(typ)
		sig.Priority = models.Priority(prio)
		sig.Detail = detail.String
		sig.Timestamp = time.Unix(0, detectedAtNano)
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// CountSignals returns the number of signals logged for a trading date.
func (s *Storage) CountSignals(tradingDate string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM signals WHERE trading_date = ?`, tradingDate).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count signals: %w", err)
	}
	return n, nil
}

func (s *Storage) AddDelivery(d *Delivery) error {
	_, err := s.db.Exec(`
		INSERT INTO deliveries
			(id, signal_id, symbol, reason, status, decision, attempts, error, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, nullable(d.SignalID), d.Symbol, d.Reason, d.Status, nullable(d.Decision),
		d.Attempts, nullable(d.Error), d.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns up to limit deliveries, newest first.
func (s *Storage) ListDeliveries(limit int) ([]Delivery, error) {
	rows, err := s.db.Query(`
		SELECT id, signal_id, symbol, reason, status, decision, attempts, error, created_at
		FROM deliveries ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var signalID, decision, errText sql.NullString
		var createdAtNano int64
		if err := rows.Scan(&d.ID, &signalID, &d.Symbol, &d.Reason, &d.Status, &decision, &d.Attempts, &errText, &createdAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.SignalID = signalID.String
		d.Decision = decision.String
		d.Error = errText.String
		d.CreatedAt = time.Unix(0, createdAtNano)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SavePrevClose upserts the cached previous close for a symbol.
func (s *Storage) SavePrevClose(symbol string, price float64, tradingDate string) error {
	_, err := s.db.Exec(`
		INSERT INTO prev_close (symbol, price, trading_date, updated_at) VALUES (?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
			price = excluded.price,
			trading_date = excluded.trading_date,
			updated_at = excluded.updated_at`,
		symbol, price, tradingDate, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save prev close: %w", err)
	}
	return nil
}

// LoadPrevCloses returns the cached previous closes recorded for tradingDate.
func (s *Storage) LoadPrevCloses(tradingDate string) (map[string]float64, error) {
	rows, err := s.db.Query(`SELECT symbol, price FROM prev_close WHERE trading_date = ?`, tradingDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query prev close: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var symbol string
		var price float64
		if err := rows.Scan(&symbol, &price); err != nil {
			return nil, fmt.Errorf("failed to scan prev close: %w", err)
		}
		out[symbol] = price
	}
	return out, rows.Err()
}

// ClearSession removes everything logged for the ending trading session.
func (s *Storage) ClearSession() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"signals", "deliveries", "prev_close"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
