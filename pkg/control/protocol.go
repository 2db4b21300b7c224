// Package control is the local control socket: a unix socket speaking one
// JSON request line and one JSON response line per connection.
package control

import (
	"strings"

	"github.com/harun/aide/pkg/session"
)

// Actions understood by the server.
const (
	ActionSend     = "send"
	ActionReset    = "reset"
	ActionSessions = "sessions"
)

// Request is one control command.
type Request struct {
	Action string `json:"action"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`
	Tier   string `json:"tier,omitempty"`
}

// Response answers a Request. Error is set when OK is false.
type Response struct {
	OK         bool              `json:"ok"`
	Text       string            `json:"text,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	StopReason string            `json:"stop_reason,omitempty"`
	Sessions   []session.Summary `json:"sessions,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// IsResetCommand reports whether text is one of the session reset commands.
func IsResetCommand(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/new", "/reset":
		return true
	}
	return false
}
