package linestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-notes/internal/transcript"
	_ "modernc.org/sqlite"
)

// SQLite persists lines in a single table; seq preserves insertion order.
type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, log *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps WAL writes and reads on the same session
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS lines (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    elapsed_label TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Insert appends a line.
func (s *SQLite) Insert(ctx context.Context, line transcript.Line) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lines(id, elapsed_label, text, created_at) VALUES(?, ?, ?, ?)`,
		line.ID, line.ElapsedLabel, line.Text, line.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert line: %w", err)
	}
	return nil
}

// Update replaces the text of an existing line.
func (s *SQLite) Update(ctx context.Context, line transcript.Line) error {
	res, err := s.db.ExecContext(ctx, `UPDATE lines SET text = ? WHERE id = ?`, line.Text, line.ID)
	if err != nil {
		return fmt.Errorf("update line: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update line: %w", err)
	}
	if n == 0 {
		return transcript.ErrNotFound
	}
	return nil
}

// Clear deletes every line.
func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lines`); err != nil {
		return fmt.Errorf("clear lines: %w", err)
	}
	return nil
}

// List returns all lines in insertion order.
func (s *SQLite) List(ctx context.Context) ([]transcript.Line, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, elapsed_label, text, created_at FROM lines ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	var lines []transcript.Line
	for rows.Next() {
		var l transcript.Line
		var created string
		if err := rows.Scan(&l.ID, &l.ElapsedLabel, &l.Text, &created); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			l.CreatedAt = ts
		} else {
			s.log.Warn("unparseable line timestamp", slog.String("id", l.ID), slog.String("created_at", created))
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
