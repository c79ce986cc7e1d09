package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadhq/triad/pkg/protocol"
)

// staticIDs is an ActiveIDSource backed by a fixed set, or an error.
type staticIDs struct {
	ids map[string]bool
	err error
}

func (s *staticIDs) ActiveBlueprintIDs(context.Context) (map[string]bool, error) {
	return s.ids, s.err
}

func rawHit(nodeID int64, blueprintID, updatedAt string, score float64) RawResult {
	return RawResult{
		NodeID:  nodeID,
		Content: "id: " + blueprintID + "\nsome description",
		Meta:    fmt.Sprintf(`{"blueprint_id":%q,"updated_at":%q}`, blueprintID, updatedAt),
		Score:   score,
	}
}

func TestParseCandidatesDropsBrokenMetadata(t *testing.T) {
	raw := []RawResult{
		{NodeID: 1, Content: "fine", Meta: `{"blueprint_id":"a"}`},
		{NodeID: 2, Content: "broken", Meta: `{not json`},
	}
	parsed := ParseCandidates(raw)
	require.Len(t, parsed, 1)
	assert.Equal(t, "a", parsed[0].BlueprintID)
}

func TestParseCandidatesRecoversIDFromContent(t *testing.T) {
	raw := []RawResult{
		{NodeID: 1, Content: "id: tool:file_read\nReads a file", Meta: `{}`},
		{NodeID: 2, Content: "no id anywhere", Meta: `{}`},
	}
	parsed := ParseCandidates(raw)
	require.Len(t, parsed, 1)
	assert.Equal(t, "tool:file_read", parsed[0].BlueprintID)
}

func TestParseCandidatesMissingNumericsBecomeZero(t *testing.T) {
	parsed := ParseCandidates([]RawResult{
		{NodeID: 7, Content: "x", Meta: `{"blueprint_id":"a"}`},
	})
	require.Len(t, parsed, 1)
	assert.True(t, parsed[0].UpdatedAt.IsZero())
	assert.Zero(t, parsed[0].Score)
}

func TestDedupeLatestKeepsNewestPerID(t *testing.T) {
	older := protocol.GraphCandidate{BlueprintID: "a", NodeID: 1,
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Score: 0.9}
	newer := protocol.GraphCandidate{BlueprintID: "a", NodeID: 2,
		UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), Score: 0.4}
	other := protocol.GraphCandidate{BlueprintID: "b", NodeID: 3, Score: 0.6}

	out := DedupeLatest([]protocol.GraphCandidate{older, newer, other})
	require.Len(t, out, 2)
	// Sorted by score descending; "b" (0.6) precedes the surviving "a" (0.4).
	assert.Equal(t, "b", out[0].BlueprintID)
	assert.Equal(t, "a", out[1].BlueprintID)
	assert.Equal(t, int64(2), out[1].NodeID, "the newer node wins")
}

func TestDedupeLatestTieBreaksOnNodeID(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	low := protocol.GraphCandidate{BlueprintID: "a", NodeID: 1, UpdatedAt: ts}
	high := protocol.GraphCandidate{BlueprintID: "a", NodeID: 9, UpdatedAt: ts}

	out := DedupeLatest([]protocol.GraphCandidate{low, high})
	require.Len(t, out, 1)
	assert.Equal(t, int64(9), out[0].NodeID)
}

func TestHygieneFullPipeline(t *testing.T) {
	h := &Hygiene{IDs: &staticIDs{ids: map[string]bool{"a": true, "b": true}}}

	raw := []RawResult{
		rawHit(1, "a", "2026-01-01T00:00:00Z", 0.5),
		rawHit(2, "a", "2026-02-01T00:00:00Z", 0.7), // newer duplicate of a
		rawHit(3, "b", "2026-01-01T00:00:00Z", 0.6),
		rawHit(4, "c", "2026-01-01T00:00:00Z", 0.9), // not in the active set
		{NodeID: 5, Content: "junk", Meta: `{broken`},
	}

	final, steps := h.Apply(context.Background(), raw, nil)

	require.Len(t, final, 2)
	assert.Equal(t, "a", final[0].BlueprintID)
	assert.Equal(t, int64(2), final[0].NodeID)
	assert.Equal(t, "b", final[1].BlueprintID)

	assert.Equal(t, 5, steps["graph_candidates_raw"])
	assert.Equal(t, 4, steps["graph_candidates_parsed"])
	assert.Equal(t, 4, steps["graph_candidates_after_extra"])
	assert.Equal(t, 3, steps["graph_candidates_deduped"])
	assert.Equal(t, 2, steps["graph_candidates_after_sqlite_filter"])
	assert.Equal(t, CrosscheckStrict, steps["graph_crosscheck_mode"])
}

func TestHygieneExtraFilter(t *testing.T) {
	h := &Hygiene{IDs: &staticIDs{ids: map[string]bool{"a": true, "b": true}}}
	raw := []RawResult{
		rawHit(1, "a", "2026-01-01T00:00:00Z", 0.5),
		rawHit(2, "b", "2026-01-01T00:00:00Z", 0.6),
	}

	final, steps := h.Apply(context.Background(), raw, func(c protocol.GraphCandidate) bool {
		return c.BlueprintID != "b"
	})
	require.Len(t, final, 1)
	assert.Equal(t, "a", final[0].BlueprintID)
	assert.Equal(t, 1, steps["graph_candidates_after_extra"])
}

func TestHygieneFailsClosedWhenSQLiteDown(t *testing.T) {
	h := &Hygiene{IDs: &staticIDs{err: errors.New("database is locked")}}
	raw := []RawResult{rawHit(1, "a", "2026-01-01T00:00:00Z", 0.5)}

	final, steps := h.Apply(context.Background(), raw, nil)
	assert.Empty(t, final)
	assert.Equal(t, CrosscheckFailClosedNoSQL, steps["graph_crosscheck_mode"])
}

func TestHygieneFailOpenSkipsCrosscheck(t *testing.T) {
	h := &Hygiene{IDs: &staticIDs{err: errors.New("database is locked")}, FailOpen: true}
	raw := []RawResult{rawHit(1, "a", "2026-01-01T00:00:00Z", 0.5)}

	final, steps := h.Apply(context.Background(), raw, nil)
	require.Len(t, final, 1)
	assert.Equal(t, CrosscheckFailOpenNoSQL, steps["graph_crosscheck_mode"])
}

func TestHygieneStagesOnlyShrink(t *testing.T) {
	h := &Hygiene{IDs: &staticIDs{ids: map[string]bool{"a": true}}}
	raw := []RawResult{
		rawHit(1, "a", "2026-01-01T00:00:00Z", 0.5),
		rawHit(2, "a", "2026-01-02T00:00:00Z", 0.5),
		rawHit(3, "x", "2026-01-01T00:00:00Z", 0.5),
		{NodeID: 4, Meta: `{bad`},
	}

	_, steps := h.Apply(context.Background(), raw, nil)
	counts := []int{
		steps["graph_candidates_raw"].(int),
		steps["graph_candidates_parsed"].(int),
		steps["graph_candidates_after_extra"].(int),
		steps["graph_candidates_deduped"].(int),
		steps["graph_candidates_after_sqlite_filter"].(int),
	}
	for i := 1; i < len(counts); i++ {
		assert.LessOrEqual(t, counts[i], counts[i-1], "stage %d grew", i)
	}
}
