package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		date TEXT NOT NULL,
		symbol TEXT NOT NULL,
		signal TEXT NOT NULL,
		action TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		stop_price REAL,
		target_price REAL,
		strategy TEXT,
		status TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (date, symbol)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO transactions (date, symbol, signal, action, quantity, price, stop_price, target_price, strategy, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Date, rec.Symbol, rec.Signal, string(rec.Action), rec.Quantity, rec.Price,
		rec.StopPrice, rec.TargetPrice, rec.Strategy, string(rec.Status), rec.Reason, createdAt,
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, date, symbol string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM transactions WHERE date = ? AND symbol = ?`,
		date, symbol,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query transaction: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, date, symbol string) (Record, error) {
	var rec Record
	var action, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT date, symbol, signal, action, quantity, price, stop_price, target_price, strategy, status, reason, created_at
		FROM transactions WHERE date = ? AND symbol = ?`,
		date, symbol,
	).Scan(&rec.Date, &rec.Symbol, &rec.Signal, &action, &rec.Quantity, &rec.Price,
		&rec.StopPrice, &rec.TargetPrice, &rec.Strategy, &status, &rec.Reason, &rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("get transaction: %w", err)
	}
	rec.Action = Action(action)
	rec.Status = Status(status)
	return rec, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
