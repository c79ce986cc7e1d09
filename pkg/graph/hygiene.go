// Package graph keeps the semantic index honest. SQLite is the source of
// truth; the graph is only an index over it. Every query against the index
// runs through the hygiene pipeline, which drops malformed, duplicate, and
// stale candidates before they reach a prompt.
package graph

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/triadhq/triad/pkg/protocol"
)

// Crosscheck modes reported in the hygiene step log.
const (
	CrosscheckStrict          = "strict"
	CrosscheckFailClosedNoSQL = "fail_closed_no_sqlite"
	CrosscheckFailOpenNoSQL   = "fail_open_no_sqlite"
)

// RawResult is one untyped hit from the semantic index.
type RawResult struct {
	NodeID  int64
	Content string
	Meta    string // JSON metadata blob as stored on the node
	Score   float64
}

// ActiveIDSource supplies the set of live blueprint ids from SQLite.
type ActiveIDSource interface {
	ActiveBlueprintIDs(ctx context.Context) (map[string]bool, error)
}

// Hygiene applies the four-step candidate pipeline. FailOpen skips the
// SQLite crosscheck when SQLite is down instead of returning nothing; it
// exists for legacy callers only and defaults to off.
type Hygiene struct {
	IDs      ActiveIDSource
	FailOpen bool
}

// Apply runs parse, extra filter, dedupe-latest, and SQLite crosscheck in
// order. The extra predicate may be nil. The returned step log records the
// candidate count after each stage.
func (h *Hygiene) Apply(ctx context.Context, raw []RawResult, extra func(protocol.GraphCandidate) bool) ([]protocol.GraphCandidate, map[string]any) {
	steps := map[string]any{"graph_candidates_raw": len(raw)}

	parsed := ParseCandidates(raw)
	steps["graph_candidates_parsed"] = len(parsed)

	filtered := parsed
	if extra != nil {
		filtered = make([]protocol.GraphCandidate, 0, len(parsed))
		for _, c := range parsed {
			if extra(c) {
				filtered = append(filtered, c)
			}
		}
	}
	steps["graph_candidates_after_extra"] = len(filtered)

	deduped := DedupeLatest(filtered)
	steps["graph_candidates_deduped"] = len(deduped)

	final, mode := h.crosscheck(ctx, deduped)
	steps["graph_candidates_after_sqlite_filter"] = len(final)
	steps["graph_crosscheck_mode"] = mode

	slog.Debug("Graph hygiene applied",
		"raw", len(raw), "parsed", len(parsed), "after_extra", len(filtered),
		"deduped", len(deduped), "final", len(final), "crosscheck_mode", mode)
	return final, steps
}

// ParseCandidates converts raw index hits into typed candidates. A hit with
// unparseable metadata is dropped; a missing blueprint_id falls back to an
// "id: …" content prefix; missing numeric fields become zero values.
func ParseCandidates(raw []RawResult) []protocol.GraphCandidate {
	var out []protocol.GraphCandidate
	for _, r := range raw {
		meta := map[string]any{}
		if r.Meta != "" {
			if err := json.Unmarshal([]byte(r.Meta), &meta); err != nil {
				slog.Debug("Dropping candidate with broken metadata", "node_id", r.NodeID, "error", err)
				continue
			}
		}

		id, _ := meta["blueprint_id"].(string)
		if id == "" {
			id = idFromContent(r.Content)
		}
		if id == "" {
			slog.Debug("Dropping candidate without blueprint id", "node_id", r.NodeID)
			continue
		}

		var updatedAt time.Time
		if s, ok := meta["updated_at"].(string); ok {
			updatedAt, _ = time.Parse(time.RFC3339, s)
		}

		out = append(out, protocol.GraphCandidate{
			BlueprintID: id,
			Score:       r.Score,
			Meta:        meta,
			Content:     r.Content,
			UpdatedAt:   updatedAt,
			NodeID:      r.NodeID,
		})
	}
	return out
}

// idFromContent recovers the blueprint id from an "id: …" first line.
func idFromContent(content string) string {
	line := content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, "id:"); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

// DedupeLatest keeps one candidate per blueprint id, the newest under the
// (updated_at, node_id) order, and sorts the survivors by score descending.
func DedupeLatest(candidates []protocol.GraphCandidate) []protocol.GraphCandidate {
	best := make(map[string]protocol.GraphCandidate, len(candidates))
	for _, c := range candidates {
		if current, ok := best[c.BlueprintID]; !ok || c.Newer(current) {
			best[c.BlueprintID] = c
		}
	}

	out := make([]protocol.GraphCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].BlueprintID < out[j].BlueprintID
	})
	return out
}

// crosscheck keeps only candidates whose id is live in SQLite. When SQLite
// is unavailable the default is to return nothing.
func (h *Hygiene) crosscheck(ctx context.Context, candidates []protocol.GraphCandidate) ([]protocol.GraphCandidate, string) {
	if h.IDs == nil {
		if h.FailOpen {
			return candidates, CrosscheckFailOpenNoSQL
		}
		return nil, CrosscheckFailClosedNoSQL
	}

	active, err := h.IDs.ActiveBlueprintIDs(ctx)
	if err != nil {
		if h.FailOpen {
			slog.Warn("SQLite crosscheck unavailable, failing open", "error", err)
			return candidates, CrosscheckFailOpenNoSQL
		}
		slog.Warn("SQLite crosscheck unavailable, failing closed", "error", err)
		return nil, CrosscheckFailClosedNoSQL
	}

	var out []protocol.GraphCandidate
	for _, c := range candidates {
		if active[c.BlueprintID] {
			out = append(out, c)
		}
	}
	return out, CrosscheckStrict
}
