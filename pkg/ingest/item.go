package ingest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Source identifies the producer of an item.
type Source string

const (
	SourceTelegram Source = "telegram"
	SourceHTTP     Source = "http"
	SourceControl  Source = "control"
	SourceSystem   Source = "system"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceTelegram, SourceHTTP, SourceControl, SourceSystem:
		return true
	}
	return false
}

// Kind distinguishes conversation input from session commands.
type Kind string

const (
	KindMessage Kind = ""
	// KindReset archives the sender's session instead of running the loop.
	KindReset Kind = "reset"
)

var (
	// ErrInvalidItem is returned for items that fail validation.
	ErrInvalidItem = errors.New("invalid inbound item")
	// ErrClosed is returned once the pipeline has shut down.
	ErrClosed = errors.New("ingest pipeline closed")
	// ErrDuplicate is returned for an item whose ID was accepted recently.
	ErrDuplicate = errors.New("duplicate inbound item")
)

// Attachment is an opaque media blob carried with an item.
type Attachment struct {
	MediaType string `json:"media_type"`
	Name      string `json:"name,omitempty"`
	Data      []byte `json:"data"`
}

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MediaType, "image/")
}

func (a Attachment) digest() [32]byte {
	h := sha256.New()
	h.Write([]byte(a.MediaType))
	h.Write([]byte{0})
	h.Write([]byte(a.Name))
	h.Write([]byte{0})
	h.Write(a.Data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Content is the payload of an item.
type Content struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Empty reports whether there is neither text nor an attachment.
func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Attachments) == 0
}

// Reply is what a synchronous caller receives for its item.
type Reply struct {
	Text       string
	SessionID  string
	StopReason string
	Err        error
}

// ReplyHandle carries one reply back to a waiting caller. Only the first
// Resolve is kept.
type ReplyHandle struct {
	ch   chan Reply
	once sync.Once
}

// NewReplyHandle creates a handle ready to be attached to an item.
func NewReplyHandle() *ReplyHandle {
	return &ReplyHandle{ch: make(chan Reply, 1)}
}

// Resolve delivers r. It never blocks.
func (h *ReplyHandle) Resolve(r Reply) {
	h.once.Do(func() {
		h.ch <- r
	})
}

// Wait blocks for the reply or until ctx is done. Giving up does not affect
// the processing of the item.
func (h *ReplyHandle) Wait(ctx context.Context) (Reply, error) {
	select {
	case r := <-h.ch:
		return r, r.Err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// InboundItem is one unit of inbound work. It is not modified after Enqueue.
type InboundItem struct {
	// ID is an optional producer-side identifier used for duplicate suppression.
	ID           string
	Kind         Kind
	Source       Source
	SenderKey    string
	Content      Content
	ReceivedAt   time.Time
	Replies      []*ReplyHandle
	TierOverride string
	// Folded counts the items merged into this one by the debounce stage.
	Folded int
}

// Validate rejects items that cannot be processed.
func (i InboundItem) Validate() error {
	if !i.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidItem, i.Source)
	}
	if strings.TrimSpace(i.SenderKey) == "" {
		return fmt.Errorf("%w: sender key is required", ErrInvalidItem)
	}
	switch i.Kind {
	case KindReset:
		return nil
	case KindMessage:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, i.Kind)
	}
	if i.Content.Empty() {
		return fmt.Errorf("%w: content is empty", ErrInvalidItem)
	}
	for n, a := range i.Content.Attachments {
		if a.MediaType == "" || len(a.Data) == 0 {
			return fmt.Errorf("%w: attachment %d has no media type or data", ErrInvalidItem, n)
		}
	}
	return nil
}

// HasImage reports whether any attachment is an image.
func (i InboundItem) HasImage() bool {
	for _, a := range i.Content.Attachments {
		if a.IsImage() {
			return true
		}
	}
	return false
}

// Resolve answers every reply handle attached to the item.
func (i InboundItem) Resolve(r Reply) {
	for _, h := range i.Replies {
		h.Resolve(r)
	}
}

// Merge folds items from one sender into a single item. Texts are joined with
// newlines in arrival order, attachments keep arrival order with exact
// duplicates removed, the earliest receive time wins and the last non-empty
// tier override wins.
func Merge(items []InboundItem) InboundItem {
	if len(items) == 0 {
		return InboundItem{}
	}
	if len(items) == 1 {
		return items[0]
	}

	first := items[0]
	merged := InboundItem{
		ID:         first.ID,
		Source:     first.Source,
		SenderKey:  first.SenderKey,
		ReceivedAt: first.ReceivedAt,
	}

	var texts []string
	seen := make(map[[32]byte]bool)
	for _, it := range items {
		if strings.TrimSpace(it.Content.Text) != "" {
			texts = append(texts, it.Content.Text)
		}
		for _, a := range it.Content.Attachments {
			d := a.digest()
			if seen[d] {
				continue
			}
			seen[d] = true
			merged.Content.Attachments = append(merged.Content.Attachments, a)
		}
		if !it.ReceivedAt.IsZero() && (merged.ReceivedAt.IsZero() || it.ReceivedAt.Before(merged.ReceivedAt)) {
			merged.ReceivedAt = it.ReceivedAt
		}
		merged.Replies = append(merged.Replies, it.Replies...)
		if it.TierOverride != "" {
			merged.TierOverride = it.TierOverride
		}
		merged.Folded += it.Folded
	}
	merged.Folded += len(items) - 1
	merged.Content.Text = strings.Join(texts, "\n")

	return merged
}
