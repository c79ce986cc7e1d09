package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/triadhq/triad/pkg/protocol"
)

// blueprintConversationID marks graph nodes that mirror blueprint rows.
const blueprintConversationID = "_blueprints"

const storeSchema = `
CREATE TABLE IF NOT EXISTS blueprints (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	content    TEXT NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS graph_nodes (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	content         TEXT NOT NULL,
	metadata        TEXT NOT NULL DEFAULT '{}',
	embedding_id    INTEGER,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_graph_nodes_conversation
	ON graph_nodes (conversation_id);
`

// Store owns the blueprint truth table and, for publishing and
// reconciliation only, the graph node table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens (or creates) the blueprint/graph database at path.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create graph schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ActiveBlueprintIDs returns the set of non-deleted blueprint ids. This is
// the crosscheck source for the hygiene pipeline.
func (s *Store) ActiveBlueprintIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM blueprints WHERE deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to load active blueprint ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// UpsertBlueprint writes one blueprint row to the truth table.
func (s *Store) UpsertBlueprint(ctx context.Context, id, name, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blueprints (id, name, content, deleted, updated_at) VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, content = excluded.content,
			deleted = 0, updated_at = excluded.updated_at`,
		id, name, content, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert blueprint %q: %w", id, err)
	}
	return nil
}

// TombstoneBlueprint soft-deletes one blueprint. Its graph nodes become
// stale and are removed by the next reconciliation.
func (s *Store) TombstoneBlueprint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE blueprints SET deleted = 1, updated_at = ? WHERE id = ?`,
		s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to tombstone blueprint %q: %w", id, err)
	}
	return nil
}

// PublishTools mirrors the tool registry into the graph index: one blueprint
// row and one graph node per tool. The hub calls this only when the registry
// hash changed, so republishing is idempotent per registry version.
func (s *Store) PublishTools(ctx context.Context, tools []protocol.ToolDefinition) error {
	now := s.now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin publish transaction: %w", err)
	}
	defer tx.Rollback()

	for _, tool := range tools {
		id := "tool:" + tool.Name
		content := fmt.Sprintf("id: %s\n%s", id, tool.Description)
		meta, err := json.Marshal(map[string]any{
			"blueprint_id": id,
			"backend_id":   tool.BackendID,
			"execution":    tool.Execution,
			"updated_at":   now,
		})
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blueprints (id, name, content, deleted, updated_at) VALUES (?, ?, ?, 0, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, content = excluded.content,
				deleted = 0, updated_at = excluded.updated_at`,
			id, tool.Name, content, now); err != nil {
			return fmt.Errorf("failed to publish blueprint for %q: %w", tool.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM graph_nodes
			WHERE conversation_id = ? AND json_extract(metadata, '$.blueprint_id') = ?`,
			blueprintConversationID, id); err != nil {
			return fmt.Errorf("failed to clear graph node for %q: %w", tool.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO graph_nodes (conversation_id, content, metadata, updated_at)
			VALUES (?, ?, ?, ?)`,
			blueprintConversationID, content, string(meta), now); err != nil {
			return fmt.Errorf("failed to publish graph node for %q: %w", tool.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit publish: %w", err)
	}
	slog.Info("Published tool registry to graph index", "tools", len(tools))
	return nil
}

// SearchNodes queries the graph node table as the semantic index and returns
// raw hits for the hygiene pipeline. Matching is substring-based; a real
// vector index would rank by embedding distance instead.
func (s *Store) SearchNodes(ctx context.Context, conversationID, query string, limit int) ([]RawResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, metadata FROM graph_nodes
		WHERE conversation_id = ? AND content LIKE ?
		LIMIT ?`,
		conversationID, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search graph nodes: %w", err)
	}
	defer rows.Close()

	var results []RawResult
	for rows.Next() {
		var r RawResult
		if err := rows.Scan(&r.NodeID, &r.Content, &r.Meta); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
