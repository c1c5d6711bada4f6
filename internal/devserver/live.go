package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 << 10

	sendBufSize = 64
)

// LiveConn is one WebSocket connection on a live session.
type LiveConn struct {
	id   string
	room string
	conn *websocket.Conn
	hub  *LiveHub
	send chan []byte
}

// Run registers the connection and pumps it until it closes.
func (c *LiveConn) Run(ctx context.Context) {
	c.hub.register(c)
	go c.writePump(ctx)
	c.readPump()
	c.hub.unregister(c)
	close(c.send)
}

// readPump discards inbound frames; live sessions are server → client.
func (c *LiveConn) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("conn_id", c.id).Msg("read error")
			}
			return
		}
	}
}

func (c *LiveConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// ─────────────────────────────────────────────
// Live hub: connections grouped by domain/session
// ─────────────────────────────────────────────

// LiveHub maintains the live session connections.
type LiveHub struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]*LiveConn // room → conn id → conn
}

func NewLiveHub(logger zerolog.Logger) *LiveHub {
	return &LiveHub{
		logger: logger,
		rooms:  make(map[string]map[string]*LiveConn),
	}
}

func roomKey(domain, session string) string { return domain + "/" + session }

// NewConn wraps an upgraded connection for domain/session.
func (h *LiveHub) NewConn(domain, session string, conn *websocket.Conn) *LiveConn {
	return &LiveConn{
		id:   uuid.NewString(),
		room: roomKey(domain, session),
		conn: conn,
		hub:  h,
		send: make(chan []byte, sendBufSize),
	}
}

func (h *LiveHub) register(c *LiveConn) {
	h.mu.Lock()
	if h.rooms[c.room] == nil {
		h.rooms[c.room] = make(map[string]*LiveConn)
	}
	h.rooms[c.room][c.id] = c
	n := len(h.rooms[c.room])
	h.mu.Unlock()
	h.logger.Info().Str("room", c.room).Str("conn_id", c.id).Int("total", n).Msg("live client connected")
}

func (h *LiveHub) unregister(c *LiveConn) {
	h.mu.Lock()
	delete(h.rooms[c.room], c.id)
	if len(h.rooms[c.room]) == 0 {
		delete(h.rooms, c.room)
	}
	h.mu.Unlock()
	h.logger.Info().Str("room", c.room).Str("conn_id", c.id).Msg("live client disconnected")
}

// Count returns the number of connections on domain/session.
func (h *LiveHub) Count(domain, session string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey(domain, session)])
}

// Broadcast sends env to every connection on domain/session and returns
// how many accepted it.
func (h *LiveHub) Broadcast(domain, session string, env model.Envelope) (int, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	// Sends happen under the read lock so unregister cannot close a
	// channel that is being written.
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.rooms[roomKey(domain, session)] {
		select {
		case c.send <- data:
			delivered++
		default:
			h.logger.Warn().Str("conn_id", c.id).Msg("send buffer full, dropping")
		}
	}
	return delivered, nil
}
