package task

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"
)

// Embedder turns text into a vector. The model client implements it.
type Embedder interface {
	Embed(ctx context.Context, model, input string) ([]float32, error)
}

// embedBatchSize bounds how many unembedded rows one pass picks up.
const embedBatchSize = 10

// RunEmbeddingWorker embeds archived tasks in the background until ctx is
// cancelled. Failures are logged and left for the next pass; an archive row
// keeps embedding_id NULL until it succeeds.
func (m *Manager) RunEmbeddingWorker(ctx context.Context, embedder Embedder, model string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.embedPending(ctx, embedder, model); err != nil {
				slog.Debug("Embedding pass failed", "error", err)
			} else if n > 0 {
				slog.Debug("Embedded archived tasks", "count", n)
			}
		}
	}
}

// embedPending processes one batch of unembedded archive rows.
func (m *Manager) embedPending(ctx context.Context, embedder Embedder, model string) (int, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT task_id, content FROM task_archive
		WHERE embedding_id IS NULL
		ORDER BY archived_at ASC LIMIT ?`, embedBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to select unembedded tasks: %w", err)
	}

	type pending struct{ taskID, content string }
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.taskID, &p.content); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	embedded := 0
	for _, p := range batch {
		vector, err := embedder.Embed(ctx, model, p.content)
		if err != nil {
			// Best effort: the row stays unembedded and is retried next pass.
			slog.Debug("Embedding failed, will retry", "task_id", p.taskID, "error", err)
			continue
		}
		if err := m.storeEmbedding(ctx, p.taskID, p.content, vector); err != nil {
			slog.Debug("Storing embedding failed, will retry", "task_id", p.taskID, "error", err)
			continue
		}
		embedded++
	}
	return embedded, nil
}

func (m *Manager) storeEmbedding(ctx context.Context, taskID, content string, vector []float32) error {
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO embeddings (content_type, content, vector, created_at)
		VALUES ('task_archive', ?, ?, ?)`,
		content, encodeVector(vector), m.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}
	embeddingID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx,
		`UPDATE task_archive SET embedding_id = ? WHERE task_id = ?`,
		embeddingID, taskID)
	if err != nil {
		return fmt.Errorf("failed to link embedding to task %s: %w", taskID, err)
	}
	return nil
}

// encodeVector packs float32 values little-endian into a BLOB.
func encodeVector(vector []float32) []byte {
	var buf bytes.Buffer
	buf.Grow(len(vector) * 4)
	_ = binary.Write(&buf, binary.LittleEndian, vector)
	return buf.Bytes()
}
