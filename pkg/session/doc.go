// Package session keeps per-sender conversations on disk.
//
// Each session lives in its own directory with an atomically replaced
// snapshot and append-only daily JSONL logs. An index maps sender keys to
// session ids.
//
// Invariants:
// - Messages are never reordered; compaction replaces a contiguous prefix with exactly one summary note.
// - The logs only grow and hold every entry ever appended, including compacted ones.
// - A snapshot on disk is always a complete old or complete new state.
// - At most one lease exists per session at a time.
// - Closing a session moves its files into the archive; nothing is deleted.
//
// Usage:
//
//	mgr, _ := session.New(session.Config{Dir: "/var/lib/aide/sessions"})
//	lease, err := mgr.Checkout(ctx, "telegram:42")
//	if err != nil { ... }
//	defer lease.Release()
//	_ = lease.Append(ctx, session.UserEntry("hello", nil))
package session
