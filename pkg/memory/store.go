// Package memory is the long-term fact store: a small SQLite table of
// key/value facts about the user, exposed to the pipeline as fast-lane
// tools and to the output layer as a formatted context block.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_facts (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Fact is one stored key/value pair.
type Fact struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Store persists user facts in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the fact database at path. Callers pass a file
// path; tests use files under a temporary directory so every connection in
// the pool sees the same database.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create memory schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadFact returns the value stored under key. The second return is false
// when no fact exists.
func (s *Store) LoadFact(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM memory_facts WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load fact %q: %w", key, err)
	}
	return value, true, nil
}

// SaveFact upserts one fact.
func (s *Store) SaveFact(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("fact key must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_facts (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save fact %q: %w", key, err)
	}
	return nil
}

// SearchFacts returns facts whose key or value contains the query substring,
// ordered by key.
func (s *Store) SearchFacts(ctx context.Context, query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM memory_facts
		WHERE key LIKE ? OR value LIKE ?
		ORDER BY key LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var updated string
		if err := rows.Scan(&f.Key, &f.Value, &updated); err != nil {
			return nil, err
		}
		f.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// snapshotMaxChars bounds the snapshot block injected into prompts.
const snapshotMaxChars = 600

// Snapshot renders all stored facts as a compact "key: value" block for
// prompt injection. Facts are global, not per conversation; the id is
// accepted for interface compatibility and ignored.
func (s *Store) Snapshot(ctx context.Context, _ string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM memory_facts ORDER BY key`)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot facts: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return "", err
		}
		lines = append(lines, fmt.Sprintf("%s: %s", k, v))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	sort.Strings(lines)
	snapshot := strings.Join(lines, "\n")
	if len(snapshot) > snapshotMaxChars {
		snapshot = snapshot[:snapshotMaxChars]
	}
	return snapshot, nil
}
