// Package httpapi is the synchronous HTTP producer.
//
// Routes:
//
//	POST   /v1/messages           enqueue a message and wait for the reply
//	DELETE /v1/sessions/{sender}  archive the sender's session
//	GET    /v1/events             websocket stream of turn events
//	GET    /metrics               prometheus metrics
//	GET    /health                liveness
//
// A request that gives up waiting gets 504; the run it started still
// finishes and persists.
package httpapi
