// Package store keeps received line protocol records in a local SQLite
// database. It is the offline alternative to shipping them to InfluxDB.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one stored line.
type Record struct {
	ID          int64
	ReceivedAt  time.Time
	Measurement string
	Line        string
}

// Store handles SQLite operations for received lines
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serialises writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Path returns the database path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		received_at INTEGER NOT NULL,
		measurement TEXT NOT NULL,
		line TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lines_measurement ON lines(measurement);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// WriteLine stores one line protocol record. Blank lines are ignored.
func (s *Store) WriteLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	measurement := Measurement(line)
	if measurement == "" {
		return errors.New("line has no measurement")
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO lines (received_at, measurement, line) VALUES (?, ?, ?)",
		time.Now().UnixNano(), measurement, line)
	if err != nil {
		return fmt.Errorf("failed to insert line: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, received_at, measurement, line FROM lines ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r  Record
			ns int64
		)
		if err := rows.Scan(&r.ID, &ns, &r.Measurement, &r.Line); err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		r.ReceivedAt = time.Unix(0, ns)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM lines").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count lines: %w", err)
	}
	return n, nil
}

// Measurement returns the unescaped measurement name of a line protocol
// record: everything before the first unescaped comma or space.
func Measurement(line string) string {
	var b strings.Builder
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && i+1 < len(line) && (line[i+1] == ',' || line[i+1] == ' '):
			b.WriteByte(line[i+1])
			i++
		case c == ',' || c == ' ':
			return b.String()
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
