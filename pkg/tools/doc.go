// Package tools is the static registry of capabilities the model may call.
//
// Invariants:
// - The registry is built once and never changes afterwards.
// - Execute never returns an error: unknown tools, invalid arguments, handler
//   errors and panics all come back as error outcomes the model can read.
// - Output longer than the budget is cut and ends with a truncation marker.
package tools
