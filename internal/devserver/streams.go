package devserver

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

const streamBufSize = 64

// ─────────────────────────────────────────────
// Stream hub: per-user SSE fan-out
// ─────────────────────────────────────────────

// Subscriber is one open user stream.
type Subscriber struct {
	userID string
	send   chan []byte
}

// StreamHub tracks the open user streams.
type StreamHub struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{} // userID → streams
}

func NewStreamHub(logger zerolog.Logger) *StreamHub {
	return &StreamHub{
		logger: logger,
		subs:   make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe opens a stream for userID.
func (h *StreamHub) Subscribe(userID string) *Subscriber {
	s := &Subscriber{userID: userID, send: make(chan []byte, streamBufSize)}
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscriber]struct{})
	}
	h.subs[userID][s] = struct{}{}
	n := len(h.subs[userID])
	h.mu.Unlock()

	h.logger.Info().Str("user_id", userID).Int("streams", n).Msg("stream opened")
	return s
}

// Unsubscribe removes a stream.
func (h *StreamHub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs[s.userID], s)
	if len(h.subs[s.userID]) == 0 {
		delete(h.subs, s.userID)
	}
	h.mu.Unlock()
	h.logger.Info().Str("user_id", s.userID).Msg("stream closed")
}

// Count returns the number of open streams of userID.
func (h *StreamHub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Publish sends an event to every stream of userID and returns how many
// accepted it. Slow streams drop the event.
func (h *StreamHub) Publish(userID string, typ model.EventType, data any) (int, error) {
	frame, err := encodeFrame(typ, data)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.subs[userID] {
		select {
		case s.send <- frame:
			delivered++
		default:
			h.logger.Warn().Str("user_id", userID).Msg("stream buffer full, dropping event")
		}
	}
	return delivered, nil
}

// encodeFrame renders one SSE frame carrying a model.Event.
func encodeFrame(typ model.EventType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	body, err := json.Marshal(model.Event{
		Type:      typ,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", typ, err)
	}
	return []byte("event: " + string(typ) + "\ndata: " + string(body) + "\n\n"), nil
}
