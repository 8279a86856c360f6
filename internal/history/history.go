// Package history keeps a per-day usage log in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.
)

const dateLayout = "2006-01-02"

// Day is one user's usage on one calendar day, in seconds.
type Day struct {
	User     string `json:"user"`
	Date     string `json:"date"`
	Spent    int64  `json:"spent"`
	Inactive int64  `json:"inactive"`
}

// Store wraps the usage database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// the daemon is the only writer
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		if cerr := db.Close(); cerr != nil {
			_ = cerr
		}
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage (
			username TEXT NOT NULL,
			date TEXT NOT NULL,
			spent INTEGER NOT NULL,
			inactive INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (username, date)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_date ON usage(date);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record stores the totals of user on date, replacing an earlier row.
func (s *Store) Record(ctx context.Context, user string, date time.Time, spent, inactive int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage (username, date, spent, inactive, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(username, date) DO UPDATE SET spent = excluded.spent, inactive = excluded.inactive, updated_at = excluded.updated_at`,
		user, date.Format(dateLayout), spent, inactive, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record usage of %s: %w", user, err)
	}
	return nil
}

// Recent returns up to days rows for user, newest first.
func (s *Store) Recent(ctx context.Context, user string, days int) ([]Day, error) {
	if days <= 0 {
		return []Day{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, date, spent, inactive FROM usage WHERE username = ? ORDER BY date DESC LIMIT ?`,
		user, days,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage of %s: %w", user, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			_ = cerr
		}
	}()

	out := []Day{}
	for rows.Next() {
		var d Day
		if err := rows.Scan(&d.User, &d.Date, &d.Spent, &d.Inactive); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
