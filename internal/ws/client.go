// Package ws maintains the live session channel: a WebSocket scoped to an
// operational session id rather than to the user.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Chukowski/pictureme-business-sub001/internal/credential"
	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
	"github.com/Chukowski/pictureme-business-sub001/internal/metrics"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MB

	DefaultRetryDelay = 3 * time.Second

	channel = "ws"
)

// Handler receives decoded live session messages.
type Handler interface {
	OnBigScreenRequest(ctx context.Context, req *model.BigScreenRequest)
	OnPaymentRequest(ctx context.Context, req *model.PaymentRequest)
	OnConnected(sessionID string)
	OnDisconnected(sessionID string)
}

// Config holds the channel settings.
type Config struct {
	APIBase    string
	RetryDelay time.Duration
	Dialer     *websocket.Dialer
}

// Client manages the live session connection. A connection exists only
// while a session id is set.
type Client struct {
	cfg       Config
	wsBase    string
	domain    string
	creds     credential.Source
	handler   Handler
	parentCtx context.Context
	logger    zerolog.Logger

	mu         sync.Mutex
	sessionID  string
	sessCancel context.CancelFunc
	conn       *websocket.Conn
	status     model.ConnStatus
	closed     bool
	wg         sync.WaitGroup
}

// NewClient creates a client for the given domain. ctx bounds its lifetime.
// creds may be nil.
func NewClient(ctx context.Context, cfg Config, domain string, creds credential.Source, handler Handler) *Client {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:       cfg,
		wsBase:    WebSocketBase(cfg.APIBase),
		domain:    domain,
		creds:     creds,
		handler:   handler,
		parentCtx: ctx,
		logger:    xglog.WithComponent("ws").With().Str(xglog.FieldDomain, domain).Logger(),
		status:    model.StatusDisconnected,
	}
}

// WebSocketBase converts an http(s) API base to its ws(s) equivalent.
func WebSocketBase(apiBase string) string {
	base := strings.TrimRight(apiBase, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func (c *Client) url(sessionID string) string {
	return c.wsBase + "/ws/" + url.PathEscape(c.domain) + "/" + url.PathEscape(sessionID)
}

// SetSession opens the channel for id, replacing any previous session.
// An empty id closes the channel.
func (c *Client) SetSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || id == c.sessionID {
		return
	}

	c.stopLocked()
	c.sessionID = id
	if id == "" {
		c.logger.Info().Msg("live session cleared")
		c.setStatusLocked(model.StatusDisconnected)
		return
	}
	if c.wsBase == "" {
		c.logger.Error().Msg("api base url is not configured")
		c.setStatusLocked(model.StatusError)
		return
	}

	sessCtx, cancel := context.WithCancel(c.parentCtx)
	c.sessCancel = cancel
	c.wg.Add(1)
	go c.dialLoop(sessCtx, id, 0)
}

// Session returns the current session id.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Status returns the current lifecycle state.
func (c *Client) Status() model.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close permanently closes the channel and waits for its goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopLocked()
	c.setStatusLocked(model.StatusDisconnected)
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Client) stopLocked() {
	if c.sessCancel != nil {
		c.sessCancel()
		c.sessCancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) setStatusLocked(s model.ConnStatus) {
	if c.status == s {
		return
	}
	c.status = s
	metrics.SetConnected(channel, s == model.StatusConnected)
}

// dialLoop dials until it succeeds or the session ends, waiting a flat
// RetryDelay between attempts.
func (c *Client) dialLoop(ctx context.Context, sessionID string, delay time.Duration) {
	defer c.wg.Done()

	for {
		if delay > 0 {
			c.logger.Info().Str(xglog.FieldSessionID, sessionID).
				Dur(xglog.FieldDelay, delay).
				Msg("reconnecting live session")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		delay = c.cfg.RetryDelay

		if !c.markConnecting(ctx, sessionID) {
			return
		}
		err := c.connect(ctx, sessionID)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		metrics.StreamReconnectsTotal.WithLabelValues(channel).Inc()
		c.logger.Warn().Err(err).Str(xglog.FieldSessionID, sessionID).Msg("live session dial failed")
		c.mu.Lock()
		if c.sessionID == sessionID {
			c.setStatusLocked(model.StatusError)
		}
		c.mu.Unlock()
	}
}

func (c *Client) markConnecting(ctx context.Context, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil || c.sessionID != sessionID {
		return false
	}
	c.setStatusLocked(model.StatusConnecting)
	return true
}

var errSuperseded = errors.New("session superseded")

func (c *Client) connect(ctx context.Context, sessionID string) error {
	header := http.Header{}
	if c.creds != nil {
		if token := c.creds.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.url(sessionID), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	if ctx.Err() != nil || c.closed || c.sessionID != sessionID {
		c.mu.Unlock()
		conn.Close()
		return errSuperseded
	}
	connCtx, connCancel := context.WithCancel(ctx)
	c.conn = conn
	c.setStatusLocked(model.StatusConnected)
	c.wg.Add(2)
	c.mu.Unlock()

	logger := c.logger.With().Str(xglog.FieldSessionID, sessionID).Logger()
	logger.Info().Msg("live session connected")
	c.handler.OnConnected(sessionID)

	// Each connection gets its own disconnect handler, fired at most once.
	var once sync.Once
	onDisconnect := func() {
		once.Do(func() {
			connCancel()
			conn.Close()

			c.mu.Lock()
			isCurrentConn := c.conn == conn
			if isCurrentConn {
				c.conn = nil
				c.setStatusLocked(model.StatusDisconnected)
			}
			// Only reconnect if this is still the active connection and
			// the session has not ended.
			shouldReconnect := isCurrentConn && ctx.Err() == nil && !c.closed
			if shouldReconnect {
				c.wg.Add(1)
			}
			c.mu.Unlock()

			if isCurrentConn {
				logger.Info().Msg("live session disconnected")
				c.handler.OnDisconnected(sessionID)
			}
			if shouldReconnect {
				metrics.StreamReconnectsTotal.WithLabelValues(channel).Inc()
				go c.dialLoop(ctx, sessionID, c.cfg.RetryDelay)
			}
		})
	}

	go func() {
		defer c.wg.Done()
		c.readPump(connCtx, conn, onDisconnect, logger)
	}()
	go func() {
		defer c.wg.Done()
		c.writePump(connCtx, conn, onDisconnect)
	}()
	return nil
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, onDisconnect func(), logger zerolog.Logger) {
	defer onDisconnect()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		c.handleMessage(ctx, message, logger)
	}
}

// writePump owns all writes: keepalive pings and the close frame.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, onDisconnect func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		onDisconnect()
	}()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, data []byte, logger zerolog.Logger) {
	var env struct {
		Type model.MsgType   `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(data, &env); err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(channel).Inc()
		logger.Warn().Err(err).Msg("invalid message")
		return
	}
	metrics.StreamEventsTotal.WithLabelValues(channel, string(env.Type)).Inc()

	switch env.Type {
	case model.MsgBigScreenRequest:
		var req model.BigScreenRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues(channel).Inc()
			logger.Warn().Err(err).Msg("bad bigscreen_request payload")
			return
		}
		c.handler.OnBigScreenRequest(ctx, &req)

	case model.MsgPaymentRequest:
		var req model.PaymentRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues(channel).Inc()
			logger.Warn().Err(err).Msg("bad payment_request payload")
			return
		}
		c.handler.OnPaymentRequest(ctx, &req)

	default:
		logger.Debug().Str(xglog.FieldEvent, string(env.Type)).Msg("unknown message type")
	}
}
