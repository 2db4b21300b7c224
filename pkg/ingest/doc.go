// Package ingest is the single entry point for inbound work: a bounded FIFO
// queue feeding a per-sender debounce stage.
//
// Invariants:
//   - A full queue blocks the producer; accepted items are never dropped while the pipeline runs.
//   - Items leave the pipeline in acceptance order, except that a debounced
//     sender's items are held until its window expires and then leave as one merged item.
//   - Each window is flushed exactly once; a later arrival restarts it.
//   - Only sources listed as debounce-eligible are held; the rest pass straight through.
//   - Close flushes open windows and hands held items to the consumer before Items is closed.
//
// Usage:
//
//	p := ingest.New(ingest.Config{Capacity: 1000, Debounce: 500 * time.Millisecond})
//	defer p.Close()
//	_ = p.Enqueue(ctx, ingest.InboundItem{Source: ingest.SourceTelegram, SenderKey: "telegram:42", Content: ingest.Content{Text: "hi"}})
//	for item := range p.Items() { ... }
package ingest
