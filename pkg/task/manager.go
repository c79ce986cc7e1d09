// Package task manages the per-conversation task lifecycle: an active table
// capped at ten rows per conversation, a TTL-based archive, and a best-effort
// background embedder for archived tasks.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/triadhq/triad/pkg/observability"
)

const (
	// TTL after which an active task is archived regardless of count.
	activeTTL = 48 * time.Hour

	// MaxActivePerConversation caps the active table per conversation;
	// overflow is archived oldest-first by last_updated.
	MaxActivePerConversation = 10
)

const schema = `
CREATE TABLE IF NOT EXISTS task_active (
	conversation_id  TEXT NOT NULL,
	task_id          TEXT PRIMARY KEY,
	content          TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	last_updated     TEXT NOT NULL,
	importance_score REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_task_active_conversation
	ON task_active (conversation_id, last_updated);

CREATE TABLE IF NOT EXISTS task_archive (
	conversation_id TEXT NOT NULL,
	task_id         TEXT PRIMARY KEY,
	content         TEXT NOT NULL,
	archived_at     TEXT NOT NULL,
	embedding_id    INTEGER
);

CREATE TABLE IF NOT EXISTS embeddings (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	content_type TEXT NOT NULL,
	content      TEXT NOT NULL,
	vector       BLOB NOT NULL,
	created_at   TEXT NOT NULL
);
`

// taskContent is the JSON payload stored in the content column.
type taskContent struct {
	UserText string         `json:"user_text,omitempty"`
	Status   string         `json:"status"`
	Result   string         `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Event    string         `json:"event,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Manager owns the task database. All methods are safe for concurrent use;
// SQLite serializes writers via the immediate transaction lock.
type Manager struct {
	db      *sql.DB
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches a metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// withClock overrides the clock, for tests.
func withClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// Open opens (or creates) the task database at path.
func Open(path string, opts ...Option) (*Manager, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create task schema: %w", err)
	}

	mgr := &Manager{db: db, now: time.Now}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr, nil
}

// Close closes the database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// StartTask records a running task for the conversation.
func (m *Manager) StartTask(ctx context.Context, taskID, conversationID, userText string) error {
	content, err := json.Marshal(taskContent{UserText: userText, Status: "running"})
	if err != nil {
		return err
	}
	now := m.now().UTC().Format(time.RFC3339Nano)
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO task_active (conversation_id, task_id, content, created_at, last_updated, importance_score)
		VALUES (?, ?, ?, ?, ?, 0)`,
		conversationID, taskID, string(content), now, now)
	if err != nil {
		return fmt.Errorf("failed to start task %s: %w", taskID, err)
	}
	return nil
}

// FinishTask marks a task done or failed, scores its importance, and flushes
// the conversation. A missing task id is a no-op.
func (m *Manager) FinishTask(ctx context.Context, taskID, result string, taskErr error) error {
	var conversationID, rawContent, createdAt string
	err := m.db.QueryRowContext(ctx, `
		SELECT conversation_id, content, created_at FROM task_active WHERE task_id = ?`,
		taskID).Scan(&conversationID, &rawContent, &createdAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	var content taskContent
	_ = json.Unmarshal([]byte(rawContent), &content)

	content.Result = result
	if taskErr != nil {
		content.Status = "failed"
		content.Error = taskErr.Error()
	} else {
		content.Status = "done"
	}

	var duration time.Duration
	if created, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
		duration = m.now().UTC().Sub(created)
	}
	importance := scoreImportance(taskErr != nil, duration, result != "")

	updated, err := json.Marshal(content)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `
		UPDATE task_active SET content = ?, last_updated = ?, importance_score = ?
		WHERE task_id = ?`,
		string(updated), m.now().UTC().Format(time.RFC3339Nano), importance, taskID)
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", taskID, err)
	}

	return m.CheckAndFlush(ctx, conversationID)
}

// scoreImportance computes the archive-ranking score: failed +0.3, duration
// over five seconds +0.2, non-empty result +0.1, clamped to [0,1].
func scoreImportance(failed bool, duration time.Duration, hasResult bool) float64 {
	score := 0.0
	if failed {
		score += 0.3
	}
	if duration > 5*time.Second {
		score += 0.2
	}
	if hasResult {
		score += 0.1
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// CheckAndFlush archives expired and overflowing tasks for one conversation
// in a single immediate transaction: first every row older than the TTL,
// then the oldest rows beyond the per-conversation cap.
func (m *Manager) CheckAndFlush(ctx context.Context, conversationID string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin flush transaction: %w", err)
	}
	defer tx.Rollback()

	now := m.now().UTC()
	cutoff := now.Add(-activeTTL).Format(time.RFC3339Nano)
	archivedAt := now.Format(time.RFC3339Nano)

	expired, err := archiveWhere(ctx, tx, archivedAt, `
		SELECT conversation_id, task_id, content FROM task_active
		WHERE conversation_id = ? AND last_updated < ?`,
		conversationID, cutoff)
	if err != nil {
		return err
	}

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_active WHERE conversation_id = ?`,
		conversationID).Scan(&active); err != nil {
		return fmt.Errorf("failed to count active tasks: %w", err)
	}

	var overflowed int
	if active > MaxActivePerConversation {
		overflowed, err = archiveWhere(ctx, tx, archivedAt, `
			SELECT conversation_id, task_id, content FROM task_active
			WHERE conversation_id = ?
			ORDER BY last_updated ASC LIMIT ?`,
			conversationID, active-MaxActivePerConversation)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flush: %w", err)
	}

	if m.metrics != nil {
		m.metrics.TaskFlushes.Inc()
		m.metrics.TasksArchived.Add(float64(expired + overflowed))
	}
	if expired+overflowed > 0 {
		slog.Debug("Flushed tasks to archive",
			"conversation_id", conversationID, "expired", expired, "overflow", overflowed)
	}
	return nil
}

// archiveWhere moves every row selected by the query into the archive and
// deletes it from the active table, returning how many rows moved.
func archiveWhere(ctx context.Context, tx *sql.Tx, archivedAt, query string, args ...any) (int, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to select tasks for archive: %w", err)
	}

	type row struct {
		conversationID, taskID, content string
	}
	var selected []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.conversationID, &r.taskID, &r.content); err != nil {
			rows.Close()
			return 0, err
		}
		selected = append(selected, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range selected {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO task_archive (conversation_id, task_id, content, archived_at, embedding_id)
			VALUES (?, ?, ?, ?, NULL)`,
			r.conversationID, r.taskID, r.content, archivedAt); err != nil {
			return 0, fmt.Errorf("failed to archive task %s: %w", r.taskID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_active WHERE task_id = ?`, r.taskID); err != nil {
			return 0, fmt.Errorf("failed to remove archived task %s: %w", r.taskID, err)
		}
	}
	return len(selected), nil
}

// ActiveCount returns the number of active tasks for a conversation.
func (m *Manager) ActiveCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_active WHERE conversation_id = ?`,
		conversationID).Scan(&n)
	return n, err
}

// RecordEvent stores a workspace event as an active task row. It satisfies
// the hub's fast-lane event sink.
func (m *Manager) RecordEvent(ctx context.Context, conversationID, event string, payload map[string]any) error {
	content, err := json.Marshal(taskContent{Status: "done", Event: event, Payload: payload})
	if err != nil {
		return err
	}
	now := m.now().UTC().Format(time.RFC3339Nano)
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO task_active (conversation_id, task_id, content, created_at, last_updated, importance_score)
		VALUES (?, ?, ?, ?, ?, 0)`,
		conversationID, uuid.NewString(), string(content), now, now)
	if err != nil {
		return fmt.Errorf("failed to record event %q: %w", event, err)
	}
	return m.CheckAndFlush(ctx, conversationID)
}
