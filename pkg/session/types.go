package session

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrSessionBusy is returned when a session is already checked out.
	ErrSessionBusy = errors.New("session is busy")
	// ErrSessionNotFound is returned when no session exists for a sender.
	ErrSessionNotFound = errors.New("session not found")
	// ErrLeaseReleased is returned when a released lease is used.
	ErrLeaseReleased = errors.New("session lease released")
)

// Role tags the variant an Entry holds.
type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleToolResults Role = "tool_results"
	RoleSystemNote  Role = "system_note"
)

// SummaryTag marks the note that replaces a compacted prefix.
const SummaryTag = "previous conversation summary"

// Image is an inline image carried by a user entry.
type Image struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Entry is one conversation message. Which fields are set depends on Role.
type Entry struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	Images      []Image      `json:"images,omitempty"`
	Reasoning   string       `json:"reasoning,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Tag         string       `json:"tag,omitempty"`
	At          time.Time    `json:"at"`
}

func UserEntry(text string, images []Image) Entry {
	return Entry{Role: RoleUser, Text: text, Images: images}
}

func AssistantEntry(text, reasoning string, calls []ToolCall) Entry {
	return Entry{Role: RoleAssistant, Text: text, Reasoning: reasoning, ToolCalls: calls}
}

func ToolResultsEntry(results []ToolResult) Entry {
	return Entry{Role: RoleToolResults, ToolResults: results}
}

func SystemNote(tag, text string) Entry {
	return Entry{Role: RoleSystemNote, Tag: tag, Text: text}
}

// Usage counts tokens for one provider call.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Add returns the field-wise sum.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
	}
}

// Session is one sender's conversation.
type Session struct {
	ID              string    `json:"id"`
	SenderKey       string    `json:"sender_key"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Model           string    `json:"model,omitempty"`
	Messages        []Entry   `json:"messages"`
	CompactionCount int       `json:"compaction_count"`
	LastTurnUsage   Usage     `json:"last_turn_usage"`
	PendingWarning  string    `json:"pending_warning,omitempty"`

	// seq is the sequence number of the last log record applied.
	seq uint64
}

// Clone returns a deep enough copy for read-only callers.
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = append([]Entry(nil), s.Messages...)
	return &c
}

// Summary is a listing row.
type Summary struct {
	SenderKey string    `json:"sender_key"`
	SessionID string    `json:"session_id"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}
