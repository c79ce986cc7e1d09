package graph

import (
	"context"
	"fmt"
	"log/slog"
)

// ReconcileReport summarizes one reconciliation run.
type ReconcileReport struct {
	Scanned        int      `json:"scanned"`
	Stale          int      `json:"stale"`
	Deleted        int      `json:"deleted"`
	DryRun         bool     `json:"dry_run"`
	StaleBlueprint []string `json:"stale_blueprints,omitempty"`
}

// Reconcile walks every blueprint graph node and removes the stale ones:
// nodes whose blueprint is tombstoned or absent from the truth table. Their
// embeddings are deleted with them. In dry-run mode nothing is modified.
func (s *Store) Reconcile(ctx context.Context, dryRun bool) (*ReconcileReport, error) {
	active, err := s.ActiveBlueprintIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active set for reconciliation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(json_extract(metadata, '$.blueprint_id'), ''), COALESCE(embedding_id, 0)
		FROM graph_nodes WHERE conversation_id = ?`,
		blueprintConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blueprint nodes: %w", err)
	}

	type node struct {
		id          int64
		blueprintID string
		embeddingID int64
	}
	var stale []node
	report := &ReconcileReport{DryRun: dryRun}

	for rows.Next() {
		var n node
		if err := rows.Scan(&n.id, &n.blueprintID, &n.embeddingID); err != nil {
			rows.Close()
			return nil, err
		}
		report.Scanned++
		if n.blueprintID == "" || !active[n.blueprintID] {
			stale = append(stale, n)
			report.StaleBlueprint = append(report.StaleBlueprint, n.blueprintID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	report.Stale = len(stale)

	if dryRun {
		slog.Info("Graph reconciliation dry run",
			"scanned", report.Scanned, "stale", report.Stale)
		return report, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reconciliation transaction: %w", err)
	}
	defer tx.Rollback()

	for _, n := range stale {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM graph_nodes WHERE id = ?`, n.id); err != nil {
			return nil, fmt.Errorf("failed to delete stale node %d: %w", n.id, err)
		}
		if n.embeddingID != 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM embeddings WHERE id = ?`, n.embeddingID); err != nil {
				// The embeddings table lives in the task database in some
				// deployments; a missing table is not fatal here.
				slog.Debug("Could not delete embedding", "embedding_id", n.embeddingID, "error", err)
			}
		}
		report.Deleted++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
	}

	slog.Info("Graph reconciliation applied",
		"scanned", report.Scanned, "stale", report.Stale, "deleted", report.Deleted)
	return report, nil
}
