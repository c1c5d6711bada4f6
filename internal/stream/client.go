// Package stream keeps one Server-Sent Events subscription to the user
// stream alive and dispatches its typed events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chukowski/pictureme-business-sub001/internal/bridge"
	"github.com/Chukowski/pictureme-business-sub001/internal/credential"
	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
	"github.com/Chukowski/pictureme-business-sub001/internal/metrics"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

const channel = "sse"

var (
	// ErrNoAPIBase puts the client in a permanent error state.
	ErrNoAPIBase = errors.New("api base url is not configured")

	errIdleTimeout = errors.New("stream idle timeout")
	errStreamEnded = errors.New("stream closed by server")
)

// Config holds the transport settings.
type Config struct {
	APIBase     string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	IdleTimeout time.Duration
	HTTPClient  *http.Client
}

// Options are the subscription hooks. Hooks run on the client's reader
// goroutine and must not call Close.
type Options struct {
	Enabled bool

	OnTokenUpdate  func(model.TokenUpdate)
	OnJobUpdate    func(model.JobUpdate)
	OnConnected    func()
	OnDisconnected func()
	OnError        func(error)
}

type stopper interface {
	Stop() bool
}

// Client is the user stream subscription. At most one transport is live
// at a time; callbacks from superseded transports are ignored.
type Client struct {
	cfg    Config
	creds  credential.Source
	bridge *bridge.Bridge
	opts   Options
	http   *http.Client
	logger zerolog.Logger

	schedule func(time.Duration, func()) stopper

	mu          sync.Mutex
	ctx         context.Context
	status      model.ConnStatus
	enabled     bool
	started     bool
	closed      bool
	attempts    int
	gen         uint64
	cancelConn  context.CancelFunc
	retry       stopper
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a Client. Nothing happens until Start.
func New(cfg Config, creds credential.Source, b *bridge.Bridge, opts Options) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")

	hc := cfg.HTTPClient
	if hc == nil {
		// No overall timeout: the response body is the stream.
		hc = &http.Client{}
	}

	return &Client{
		cfg:    cfg,
		creds:  creds,
		bridge: b,
		opts:   opts,
		http:   hc,
		logger: xglog.WithComponent("stream"),
		schedule: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		status:  model.StatusDisconnected,
		enabled: opts.Enabled,
	}
}

// Start begins the subscription and starts following credential changes.
// ctx bounds the client lifetime.
func (c *Client) Start(ctx context.Context) {
	unsubscribe := c.creds.Subscribe(c.onCredentialChange)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		unsubscribe()
		return
	}
	c.started = true
	c.ctx = ctx
	c.unsubscribe = unsubscribe
	c.openLocked()
}

// Status returns the current lifecycle state.
func (c *Client) Status() model.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the number of consecutive failures since the last
// successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Reconnect drops the current transport and opens a new one immediately,
// resetting the backoff.
func (c *Client) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closed {
		return
	}
	c.logger.Info().Msg("manual reconnect")
	c.attempts = 0
	c.openLocked()
}

// SetEnabled turns the subscription on or off. Disabling cancels any
// pending retry and closes the transport before returning.
func (c *Client) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled == enabled {
		return
	}
	c.enabled = enabled
	if !c.started || c.closed {
		return
	}
	if enabled {
		c.attempts = 0
		c.openLocked()
		return
	}
	c.teardownLocked()
	c.setStatusLocked(model.StatusDisconnected)
}

// Close stops the client for good and waits for the transport goroutine.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	c.setStatusLocked(model.StatusDisconnected)
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.wg.Wait()
	c.http.CloseIdleConnections()
}

func (c *Client) onCredentialChange(ch credential.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closed {
		return
	}
	if ch.Removed() {
		c.logger.Info().Msg("credential removed, closing stream")
		c.teardownLocked()
		c.setStatusLocked(model.StatusDisconnected)
		return
	}
	if !c.enabled {
		return
	}
	c.logger.Info().Msg("credential changed, reconnecting")
	c.attempts = 0
	c.openLocked()
}

// teardownLocked invalidates the current transport and any pending retry.
func (c *Client) teardownLocked() {
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
}

func (c *Client) setStatusLocked(s model.ConnStatus) {
	if c.status == s {
		return
	}
	c.status = s
	metrics.SetConnected(channel, s == model.StatusConnected)
	c.logger.Debug().Str(xglog.FieldStatus, string(s)).Msg("status changed")
}

func (c *Client) openLocked() {
	c.teardownLocked()

	if !c.enabled || c.closed || c.ctx.Err() != nil {
		c.setStatusLocked(model.StatusDisconnected)
		return
	}
	if c.cfg.APIBase == "" {
		c.logger.Error().Err(ErrNoAPIBase).Msg("stream disabled")
		c.setStatusLocked(model.StatusError)
		return
	}
	token := c.creds.Token()
	if token == "" {
		c.logger.Debug().Msg("no credential, not connecting")
		c.setStatusLocked(model.StatusDisconnected)
		return
	}

	c.setStatusLocked(model.StatusConnecting)
	gen := c.gen
	connCtx, cancel := context.WithCancel(c.ctx)
	c.cancelConn = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(connCtx, cancel, gen, token)
	}()
}

func (c *Client) streamURL(token string) string {
	return c.cfg.APIBase + "/sse?token=" + url.QueryEscape(token)
}

func (c *Client) run(ctx context.Context, cancel context.CancelFunc, gen uint64, token string) {
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(token), nil)
	if err != nil {
		c.fail(gen, fmt.Errorf("build request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.fail(gen, fmt.Errorf("open stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.fail(gen, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode))
		return
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		c.fail(gen, fmt.Errorf("open stream: unexpected content type %q", mt))
		return
	}

	if !c.opened(gen) {
		return
	}

	var idled atomic.Bool
	idle := time.AfterFunc(c.cfg.IdleTimeout, func() {
		idled.Store(true)
		cancel()
	})
	defer idle.Stop()

	fr := newFrameReader(resp.Body, func() { idle.Reset(c.cfg.IdleTimeout) })
	for {
		f, err := fr.next()
		if err != nil {
			switch {
			case idled.Load():
				err = errIdleTimeout
			case errors.Is(err, io.EOF):
				err = errStreamEnded
			}
			c.fail(gen, err)
			return
		}
		if !c.current(gen) {
			return
		}
		if f.oversized {
			c.decodeError(f.event, errFrameTooLarge)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && !c.closed
}

func (c *Client) opened(gen uint64) bool {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return false
	}
	c.attempts = 0
	c.setStatusLocked(model.StatusConnected)
	c.mu.Unlock()

	c.logger.Info().Str("url", c.cfg.APIBase+"/sse").Msg("stream connected")
	if c.opts.OnConnected != nil {
		c.opts.OnConnected()
	}
	return true
}

// fail records a transport failure and schedules exactly one retry.
func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelConn = nil

	if c.ctx.Err() != nil {
		c.setStatusLocked(model.StatusDisconnected)
		c.mu.Unlock()
		return
	}

	c.setStatusLocked(model.StatusError)
	delay := Delay(c.attempts, c.cfg.BaseDelay, c.cfg.MaxDelay)
	c.attempts++
	attempt := c.attempts
	c.retry = c.schedule(delay, func() { c.retryFired(gen) })
	c.mu.Unlock()

	metrics.StreamReconnectsTotal.WithLabelValues(channel).Inc()
	c.logger.Warn().Err(err).
		Int(xglog.FieldAttempt, attempt).
		Dur(xglog.FieldDelay, delay).
		Msg("stream error, reconnect scheduled")

	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
	if c.opts.OnDisconnected != nil {
		c.opts.OnDisconnected()
	}
}

func (c *Client) retryFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.closed {
		return
	}
	c.retry = nil
	c.openLocked()
}

func (c *Client) handleFrame(f frame) {
	if f.data == "" {
		return
	}

	var ev model.Event
	if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
		c.decodeError(f.event, err)
		return
	}
	ev.ReceivedAt = time.Now()
	if ev.Type == "" {
		ev.Type = model.EventType(f.event)
	}
	metrics.StreamEventsTotal.WithLabelValues(channel, string(ev.Type)).Inc()

	switch ev.Type {
	case model.EventTokenUpdate:
		var upd model.TokenUpdate
		if err := json.Unmarshal(ev.Data, &upd); err != nil {
			c.decodeError(string(ev.Type), err)
			return
		}
		c.bridge.ApplyTokenUpdate(c.ctx, upd)
		if c.opts.OnTokenUpdate != nil {
			c.opts.OnTokenUpdate(upd)
		}

	case model.EventJobUpdate:
		var upd model.JobUpdate
		if err := json.Unmarshal(ev.Data, &upd); err != nil {
			c.decodeError(string(ev.Type), err)
			return
		}
		c.logger.Debug().
			Int64(xglog.FieldJobID, upd.JobID).
			Str(xglog.FieldStatus, string(upd.Status)).
			Msg("job update")
		c.bridge.PublishJobUpdate(upd)
		if c.opts.OnJobUpdate != nil {
			c.opts.OnJobUpdate(upd)
		}

	case model.EventPing:

	case model.EventConnected:
		c.logger.Info().Str("timestamp", ev.Timestamp).Msg("stream acknowledged")

	default:
		c.logger.Debug().Str(xglog.FieldEvent, string(ev.Type)).Msg("ignoring unknown event")
	}
}

func (c *Client) decodeError(event string, err error) {
	metrics.DecodeErrorsTotal.WithLabelValues(channel).Inc()
	c.logger.Warn().Err(err).Str(xglog.FieldEvent, event).Msg("dropping malformed event")
}
