// Package memory reads the assistant's workspace memory files and turns them
// into context blocks for the model.
//
// Files and tiers:
//   - SOUL.md is the identity tier and USER.md the profile tier. Both are
//     stable and marked cache-eligible.
//   - MEMORY.md and memory/*.md form the notes tier, newest dated file first.
//
// Blocks are rebuilt only after the fsnotify watcher reports a change. The
// same signal marks the SQLite search index stale; memory_search resyncs it
// (by content hash) before querying. Ranking uses FTS5 bm25, which needs the
// binary built with -tags sqlite_fts5. Without the tag the index still works
// but ranks by the share of query terms a chunk contains.
//
// Usage:
//
//	store, _ := memory.NewStore(memory.Config{WorkspacePath: "/data/workspace", BudgetTokens: 4000})
//	defer store.Close()
//	blocks, _ := store.ContextBlocks(ctx)
package memory
