package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/harun/aide/pkg/ingest"
	"github.com/harun/aide/pkg/session"
)

// MessageRequest is the body of POST /v1/messages.
type MessageRequest struct {
	// ID, when set, suppresses retried submissions of the same message.
	ID     string         `json:"id,omitempty"`
	Sender string         `json:"sender"`
	Text   string         `json:"text"`
	Images []ImagePayload `json:"images,omitempty"`
	Tier   string         `json:"tier,omitempty"`
}

// ImagePayload is a base64 encoded image.
type ImagePayload struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// MessageResponse is the reply to POST /v1/messages.
type MessageResponse struct {
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

// SenderKey namespaces an HTTP caller's sender id.
func SenderKey(sender string) string {
	return string(ingest.SourceHTTP) + ":" + sender
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if strings.TrimSpace(req.Sender) == "" {
		writeError(w, http.StatusBadRequest, "sender is required")
		return
	}

	item := ingest.InboundItem{
		ID:           req.ID,
		Source:       ingest.SourceHTTP,
		SenderKey:    SenderKey(req.Sender),
		Content:      ingest.Content{Text: req.Text},
		TierOverride: req.Tier,
	}
	for n, img := range req.Images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("image %d: invalid base64", n))
			return
		}
		item.Content.Attachments = append(item.Content.Attachments, ingest.Attachment{
			MediaType: img.MediaType,
			Data:      data,
		})
	}

	reply, err := s.submit(r.Context(), item)
	if err != nil {
		s.fail(w, item.SenderKey, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{
		SessionID:  reply.SessionID,
		Text:       reply.Text,
		StopReason: reply.StopReason,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sender := r.PathValue("sender")
	if strings.TrimSpace(sender) == "" {
		writeError(w, http.StatusBadRequest, "sender is required")
		return
	}
	item := ingest.InboundItem{
		Kind:      ingest.KindReset,
		Source:    ingest.SourceHTTP,
		SenderKey: SenderKey(sender),
	}
	if _, err := s.submit(r.Context(), item); err != nil {
		s.fail(w, item.SenderKey, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived", "sender_key": item.SenderKey})
}

// submit enqueues item with a reply handle and waits up to the reply
// timeout. Giving up does not cancel the run.
func (s *Server) submit(ctx context.Context, item ingest.InboundItem) (ingest.Reply, error) {
	s.mu.Lock()
	enqueue := s.enqueue
	s.mu.Unlock()
	if enqueue == nil {
		return ingest.Reply{}, ingest.ErrClosed
	}

	h := ingest.NewReplyHandle()
	item.Replies = []*ingest.ReplyHandle{h}
	if err := enqueue(ctx, item); err != nil {
		return ingest.Reply{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
	defer cancel()
	reply, err := h.Wait(waitCtx)
	if err != nil && waitCtx.Err() != nil {
		s.logger.Debug().Str("sender_key", item.SenderKey).Msg("Caller stopped waiting; run continues")
	}
	return reply, err
}

func (s *Server) fail(w http.ResponseWriter, senderKey string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("sender_key", senderKey).Int("status", status).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrInvalidItem):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrDuplicate), errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}
