// Package agent runs the bounded think, act, observe loop for one session.
//
// Invariants:
//   - A Run issues at most MaxTurns provider calls. The last turn is sent
//     without tool descriptors so the model has to answer in text.
//   - Cumulative cost never decreases within a Run. Once it passes a positive
//     ceiling the current response is final.
//   - Tool calls of one turn run concurrently and all finish before the next
//     turn. Their results are recorded in call order.
//   - Providers never retry on their own. Only transient errors are retried,
//     in place, by the engine.
//
// Usage:
//
//	engine, _ := agent.NewEngine(agent.Config{MaxTurns: 10}, agent.Deps{Catalog: catalog, Tools: registry})
//	lease, _ := sessions.Checkout(ctx, "telegram:42")
//	defer lease.Release()
//	result, err := engine.Run(ctx, lease, "sonnet")
package agent
