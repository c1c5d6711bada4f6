// Package dashboard serves the local status API of the sync daemon.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Chukowski/pictureme-business-sub001/internal/jobs"
	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
	"github.com/Chukowski/pictureme-business-sub001/internal/middleware"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

const maxWaitTimeout = 10 * time.Minute

// Backend is what the dashboard controls.
type Backend interface {
	StreamStatus() model.ConnStatus
	LiveStatus() model.ConnStatus
	LiveSession() string
	Reconnect()
	SetLiveSession(id string)
	Notifications() []model.Notification
	DismissNotification(id string) bool
	AwaitJob(ctx context.Context, jobID int64, expected int, timeout time.Duration) (*jobs.Result, error)
}

// Stats holds the daemon statistics (pure data, no mutex)
type Stats struct {
	// Connection status
	Status         model.ConnStatus `json:"status"`
	Label          string           `json:"label"`
	ConnectedSince time.Time        `json:"connectedSince,omitempty"`
	LastDisconnect time.Time        `json:"lastDisconnect,omitempty"`
	LastError      string           `json:"lastError,omitempty"`

	// Live session
	LiveSession string           `json:"liveSession,omitempty"`
	LiveStatus  model.ConnStatus `json:"liveStatus"`

	// Account
	Balance      *int64 `json:"balance,omitempty"`
	LastCharge   *int64 `json:"lastCharge,omitempty"`
	TokenUpdates int    `json:"tokenUpdates"`
	JobUpdates   int    `json:"jobUpdates"`

	// Session info
	StartTime time.Time `json:"startTime"`
	APIBase   string    `json:"apiBase"`
}

// Dashboard holds the statistics and serves them over HTTP.
type Dashboard struct {
	backend Backend
	logger  zerolog.Logger

	mu    sync.RWMutex
	stats Stats
}

// NewDashboard creates a new dashboard instance
func NewDashboard(backend Backend, apiBase string) *Dashboard {
	return &Dashboard{
		backend: backend,
		logger:  xglog.WithComponent("dashboard"),
		stats: Stats{
			APIBase:   apiBase,
			StartTime: time.Now(),
		},
	}
}

// UpdateConnectionStatus records a stream connect or disconnect.
func (d *Dashboard) UpdateConnectionStatus(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if connected {
		d.stats.ConnectedSince = time.Now()
		d.stats.LastError = ""
	} else {
		d.stats.LastDisconnect = time.Now()
	}
}

// RecordError records the most recent stream error.
func (d *Dashboard) RecordError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.LastError = err.Error()
}

// RecordTokens records an applied balance update.
func (d *Dashboard) RecordTokens(u model.TokensUpdated) {
	d.mu.Lock()
	defer d.mu.Unlock()

	balance := u.NewBalance
	d.stats.Balance = &balance
	d.stats.LastCharge = u.TokensCharged
	d.stats.TokenUpdates++
}

// RecordJobUpdate counts a pushed job update.
func (d *Dashboard) RecordJobUpdate(model.JobUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.JobUpdates++
}

// GetStats returns a copy of the current stats
func (d *Dashboard) GetStats() Stats {
	d.mu.RLock()
	stats := d.stats
	d.mu.RUnlock()

	stats.Status = d.backend.StreamStatus()
	stats.Label = stats.Status.Label()
	stats.LiveStatus = d.backend.LiveStatus()
	stats.LiveSession = d.backend.LiveSession()
	return stats
}

// Handler builds the HTTP handler.
func (d *Dashboard) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger(d.logger))

	api := r.Group("/api")
	{
		api.GET("/status", d.handleStatus)
		api.POST("/reconnect", d.handleReconnect)
		api.GET("/notifications", d.handleNotifications)
		api.DELETE("/notifications/:id", d.handleDismiss)
		api.POST("/live/session", d.handleLiveSession)
		api.GET("/jobs/:id/wait", d.handleWaitJob)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Serve starts the HTTP dashboard server. It shuts down gracefully when ctx is cancelled.
func (d *Dashboard) Serve(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: d.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	d.logger.Info().Str("addr", addr).Msg("starting dashboard server")
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ─────────────────────────────────────────────
// GET /api/status
// ─────────────────────────────────────────────

func (d *Dashboard) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, d.GetStats())
}

// ─────────────────────────────────────────────
// POST /api/reconnect
// ─────────────────────────────────────────────

func (d *Dashboard) handleReconnect(c *gin.Context) {
	d.backend.Reconnect()
	c.JSON(http.StatusAccepted, gin.H{"status": d.backend.StreamStatus()})
}

// ─────────────────────────────────────────────
// GET /api/notifications, DELETE /api/notifications/:id
// ─────────────────────────────────────────────

func (d *Dashboard) handleNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notifications": d.backend.Notifications()})
}

func (d *Dashboard) handleDismiss(c *gin.Context) {
	if !d.backend.DismissNotification(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ─────────────────────────────────────────────
// POST /api/live/session
// ─────────────────────────────────────────────

type liveSessionRequest struct {
	SessionID string `json:"session_id"`
}

// handleLiveSession opens the live channel for session_id, or closes it
// when session_id is empty.
func (d *Dashboard) handleLiveSession(c *gin.Context) {
	var req liveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d.backend.SetLiveSession(req.SessionID)
	c.JSON(http.StatusOK, gin.H{
		"session_id": d.backend.LiveSession(),
		"status":     d.backend.LiveStatus(),
	})
}

// ─────────────────────────────────────────────
// GET /api/jobs/:id/wait?timeout=2m&expected=1
// ─────────────────────────────────────────────

func (d *Dashboard) handleWaitJob(c *gin.Context) {
	jobID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || jobID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	var timeout time.Duration
	if v := c.Query("timeout"); v != "" {
		timeout, err = time.ParseDuration(v)
		if err != nil || timeout <= 0 || timeout > maxWaitTimeout {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
	}

	expected := 1
	if v := c.Query("expected"); v != "" {
		expected, err = strconv.Atoi(v)
		if err != nil || expected < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expected"})
			return
		}
	}

	res, err := d.backend.AwaitJob(c.Request.Context(), jobID, expected, timeout)
	var failed *jobs.FailedError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, jobs.ErrTimedOut):
		c.JSON(http.StatusGatewayTimeout, gin.H{"status": "timed_out", "error": err.Error()})
	case errors.As(err, &failed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "failed", "error": failed.Reason})
	default:
		// The caller went away.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}
