package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoadFact(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveFact(ctx, "age", "31"))

	value, found, err := store.LoadFact(ctx, "age")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "31", value)

	_, found, err = store.LoadFact(ctx, "birthday")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveFactUpserts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveFact(ctx, "age", "31"))
	require.NoError(t, store.SaveFact(ctx, "age", "32"))

	value, _, err := store.LoadFact(ctx, "age")
	require.NoError(t, err)
	assert.Equal(t, "32", value)
}

func TestSaveFactRejectsEmptyKey(t *testing.T) {
	store := openTestStore(t)
	assert.Error(t, store.SaveFact(context.Background(), "  ", "value"))
}

func TestSearchFactsMatchesKeysAndValues(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveFact(ctx, "favorite_color", "blue"))
	require.NoError(t, store.SaveFact(ctx, "car", "blue sedan"))
	require.NoError(t, store.SaveFact(ctx, "age", "31"))

	facts, err := store.SearchFacts(ctx, "blue", 10)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "car", facts[0].Key)
	assert.Equal(t, "favorite_color", facts[1].Key)

	facts, err = store.SearchFacts(ctx, "color", 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "favorite_color", facts[0].Key)
}

func TestSnapshotFormatsAndCaps(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveFact(ctx, "age", "31"))
	require.NoError(t, store.SaveFact(ctx, "city", "Berlin"))

	snapshot, err := store.Snapshot(ctx, "ignored-conversation")
	require.NoError(t, err)
	assert.Equal(t, "age: 31\ncity: Berlin", snapshot)

	for i := 0; i < 50; i++ {
		require.NoError(t, store.SaveFact(ctx, fmt.Sprintf("key_%02d", i), strings.Repeat("x", 40)))
	}
	snapshot, err = store.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(snapshot), snapshotMaxChars)
}

func TestFastLaneToolHandlers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	tools := FastLaneTools(store)
	require.Len(t, tools, 3)

	byName := make(map[string]func(context.Context, map[string]any) (string, error))
	for _, tool := range tools {
		byName[tool.Definition.Name] = tool.Handler
	}

	out, err := byName["memory_fact_save"](ctx, map[string]any{"key": "age", "value": "31"})
	require.NoError(t, err)
	assert.Equal(t, "stored age", out)

	out, err = byName["memory_fact_load"](ctx, map[string]any{"key": "age"})
	require.NoError(t, err)
	assert.Equal(t, "31", out)

	out, err = byName["memory_fact_load"](ctx, map[string]any{"key": "missing"})
	require.NoError(t, err)
	assert.Equal(t, `no fact stored under "missing"`, out)

	out, err = byName["memory_search"](ctx, map[string]any{"query": "age"})
	require.NoError(t, err)
	assert.Contains(t, out, `"key":"age"`)

	out, err = byName["memory_search"](ctx, map[string]any{"query": "nothing here"})
	require.NoError(t, err)
	assert.Equal(t, "no matching facts", out)

	_, err = byName["memory_fact_save"](ctx, map[string]any{"key": "age"})
	assert.Error(t, err, "missing value must fail")
}

func TestFastLaneToolsShareResourceKey(t *testing.T) {
	tools := FastLaneTools(openTestStore(t))
	keys := make(map[string]bool)
	for _, tool := range tools {
		require.NotNil(t, tool.ResourceKey, "tool %s", tool.Definition.Name)
		keys[tool.ResourceKey(nil)] = true
	}
	assert.Len(t, keys, 1, "all memory tools serialize on one resource")
}
