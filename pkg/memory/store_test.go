package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/aide/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T, budget int, watch bool) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.Nop()
	s, err := NewStore(Config{
		WorkspacePath: dir,
		BudgetTokens:  budget,
		Watch:         watch,
		Logger:        &logger,
		Now:           func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewStore_RequiresWorkspace(t *testing.T) {
	_, err := NewStore(Config{})
	assert.Error(t, err)
}

func TestContextBlocks_TiersInOrder(t *testing.T) {
	s, dir := newTestStore(t, 4000, false)
	writeFile(t, dir, "SOUL.md", "You are calm.")
	writeFile(t, dir, "USER.md", "The user likes tea.")
	writeFile(t, dir, "MEMORY.md", "Long-term notes.")
	writeFile(t, dir, "memory/2026-05-01.md", "older")
	writeFile(t, dir, "memory/2026-05-02.md", "newer")
	writeFile(t, dir, "memory/ignore.txt", "not markdown")

	blocks, err := s.ContextBlocks(context.Background())
	require.NoError(t, err)
	require.Len(t, blocks, 5)

	assert.Equal(t, TierIdentity, blocks[0].Tier)
	assert.True(t, blocks[0].Cacheable)
	assert.Equal(t, TierProfile, blocks[1].Tier)
	assert.True(t, blocks[1].Cacheable)
	assert.Equal(t, "MEMORY.md", blocks[2].Name)
	assert.False(t, blocks[2].Cacheable)
	assert.Equal(t, "newer", blocks[3].Text)
	assert.Equal(t, "older", blocks[4].Text)
}

func TestContextBlocks_SkipsMissingAndEmpty(t *testing.T) {
	s, dir := newTestStore(t, 4000, false)
	writeFile(t, dir, "USER.md", "   \n")

	blocks, err := s.ContextBlocks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestContextBlocks_TrimsToBudget(t *testing.T) {
	// 5 tokens is 20 characters.
	s, dir := newTestStore(t, 5, false)
	writeFile(t, dir, "SOUL.md", "0123456789")
	writeFile(t, dir, "USER.md", strings.Repeat("u", 30))
	writeFile(t, dir, "MEMORY.md", "dropped")

	blocks, err := s.ContextBlocks(context.Background())
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "0123456789", blocks[0].Text)
	assert.Equal(t, strings.Repeat("u", 10)+"\n...[trimmed]", blocks[1].Text)
	assert.False(t, blocks[1].Cacheable)
}

func TestContextBlocks_CachedUntilDirty(t *testing.T) {
	s, dir := newTestStore(t, 4000, true)
	writeFile(t, dir, "SOUL.md", "first")

	blocks, err := s.ContextBlocks(context.Background())
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "first", blocks[0].Text)

	writeFile(t, dir, "SOUL.md", "second")
	s.MarkDirty()

	blocks, err = s.ContextBlocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", blocks[0].Text)
}

func TestContextBlocks_WatcherMarksDirty(t *testing.T) {
	s, dir := newTestStore(t, 4000, true)
	writeFile(t, dir, "SOUL.md", "first")
	_, err := s.ContextBlocks(context.Background())
	require.NoError(t, err)

	writeFile(t, dir, "SOUL.md", "changed")

	assert.Eventually(t, func() bool {
		blocks, err := s.ContextBlocks(context.Background())
		return err == nil && len(blocks) == 1 && blocks[0].Text == "changed"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAppend(t *testing.T) {
	s, dir := newTestStore(t, 4000, false)

	rel, err := s.Append(context.Background(), "", "buy milk")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("memory", "2026-05-02.md"), rel)

	_, err = s.Append(context.Background(), "", "call mom")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	assert.Equal(t, "- [09:30] buy milk\n- [09:30] call mom\n", string(data))

	_, err = s.Append(context.Background(), "../outside.md", "nope")
	assert.Error(t, err)

	_, err = s.Append(context.Background(), "", "  ")
	assert.Error(t, err)
}

func TestSearch_RanksChunksMatchingMoreTerms(t *testing.T) {
	s, dir := newTestStore(t, 4000, false)
	writeFile(t, dir, "MEMORY.md", "The user's cat is named Miso.")
	writeFile(t, dir, "memory/2026-05-01.md", "Cat food is in the pantry. The cat eats twice a day.")
	writeFile(t, dir, "USER.md", "Prefers coffee.")

	results, err := s.Search(context.Background(), "cat Miso", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "MEMORY.md", results[0].Path)
	assert.Equal(t, "memory/2026-05-01.md", results[1].Path)
	assert.Greater(t, results[0].Score, results[1].Score)

	_, err = s.Search(context.Background(), "   ", 10)
	assert.Error(t, err)
}

func TestChunkContent(t *testing.T) {
	line := strings.Repeat("a", 99)
	content := strings.Repeat(line+"\n", 25)

	chunks := chunkContent(content)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 1000)
	}
	assert.Empty(t, chunkContent("  \n"))
}

func TestTools_ThroughRegistry(t *testing.T) {
	s, dir := newTestStore(t, 4000, false)
	writeFile(t, dir, "MEMORY.md", "Anniversary is June 3.")

	reg, err := tools.NewRegistry(tools.Config{}, s.Tools()...)
	require.NoError(t, err)

	out := reg.Execute(context.Background(), "memory_search", json.RawMessage(`{"query":"anniversary"}`))
	require.False(t, out.IsError, out.Output)
	assert.Contains(t, out.Output, "June 3")

	out = reg.Execute(context.Background(), "memory_search", json.RawMessage(`{"query":"zebra"}`))
	require.False(t, out.IsError)
	assert.Equal(t, "no matches", out.Output)

	out = reg.Execute(context.Background(), "memory_append", json.RawMessage(`{"text":"likes jazz","file":"MEMORY.md"}`))
	require.False(t, out.IsError, out.Output)
	assert.Equal(t, "saved to MEMORY.md", out.Output)

	data, err := os.ReadFile(filepath.Join(dir, "MEMORY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "- [09:30] likes jazz")
}
