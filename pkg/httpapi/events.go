package httpapi

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/aide/pkg/agent"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
	pingInterval     = 30 * time.Second
)

// Event is one turn event as sent to websocket subscribers.
type Event struct {
	Seq              uint64   `json:"seq"`
	Event            string   `json:"event"`
	Timestamp        int64    `json:"timestamp"`
	SessionID        string   `json:"session_id"`
	Model            string   `json:"model"`
	Turn             int      `json:"turn"`
	StopReason       string   `json:"stop_reason,omitempty"`
	InputTokens      int      `json:"input_tokens"`
	OutputTokens     int      `json:"output_tokens"`
	CacheReadTokens  int      `json:"cache_read_tokens"`
	CacheWriteTokens int      `json:"cache_write_tokens"`
	TurnCostUSD      float64  `json:"turn_cost_usd"`
	CumulativeUSD    float64  `json:"cumulative_cost_usd"`
	ToolCalls        []string `json:"tool_calls,omitempty"`
	ToolErrors       int      `json:"tool_errors,omitempty"`
	DurationMS       int64    `json:"duration_ms"`
}

// EventHub fans turn events out to websocket subscribers. It implements
// agent.Observer and never blocks the run: a subscriber whose buffer is full
// misses the event.
type EventHub struct {
	logger zerolog.Logger
	now    func() time.Time
	seq    atomic.Uint64

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewEventHub creates an empty hub.
func NewEventHub(logger zerolog.Logger) *EventHub {
	return &EventHub{
		logger: logger.With().Str("component", "events").Logger(),
		now:    time.Now,
		subs:   make(map[string]*subscriber),
	}
}

func (h *EventHub) OnResponse(_ context.Context, stats agent.TurnStats) {
	h.publish("turn.response", stats)
}

func (h *EventHub) OnToolResults(_ context.Context, stats agent.TurnStats) {
	h.publish("turn.tool_results", stats)
}

func (h *EventHub) publish(name string, stats agent.TurnStats) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subs) == 0 {
		return
	}

	ev := Event{
		Seq:              h.seq.Add(1),
		Event:            name,
		Timestamp:        h.now().UnixMilli(),
		SessionID:        stats.SessionID,
		Model:            stats.Model,
		Turn:             stats.Turn,
		StopReason:       stats.StopReason,
		InputTokens:      stats.Usage.InputTokens,
		OutputTokens:     stats.Usage.OutputTokens,
		CacheReadTokens:  stats.Usage.CacheReadTokens,
		CacheWriteTokens: stats.Usage.CacheWriteTokens,
		TurnCostUSD:      stats.TurnCost,
		CumulativeUSD:    stats.CumulativeCost,
		ToolCalls:        stats.ToolCalls,
		ToolErrors:       stats.ToolErrors,
		DurationMS:       stats.Duration.Milliseconds(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", name).Msg("Failed to marshal event")
		return
	}

	for _, sub := range h.subs {
		select {
		case sub.send <- data:
		default:
			h.logger.Debug().Str("subscriber", sub.id).Uint64("seq", ev.Seq).Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Count returns the number of live subscribers.
func (h *EventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// serve owns conn until the peer goes away or the hub closes.
func (h *EventHub) serve(conn *websocket.Conn) {
	id, err := gonanoid.New()
	if err != nil {
		id = conn.RemoteAddr().String()
	}
	sub := &subscriber{id: id, conn: conn, send: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[id] = sub
	h.mu.Unlock()
	h.logger.Info().Str("subscriber", id).Str("remote", conn.RemoteAddr().String()).Msg("Event subscriber connected")

	defer func() {
		h.remove(id)
		conn.Close()
		h.logger.Info().Str("subscriber", id).Msg("Event subscriber disconnected")
	}()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug().Err(err).Str("subscriber", id).Msg("WebSocket read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn().Err(err).Str("subscriber", id).Msg("Failed to write event")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (h *EventHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.send)
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.send)
	}
}
