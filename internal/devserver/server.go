package devserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
	"github.com/Chukowski/pictureme-business-sub001/internal/middleware"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

// Server holds the HTTP, SSE and WebSocket handlers.
type Server struct {
	cfg      *Config
	issuer   *Issuer
	jobs     *JobStore
	streams  *StreamHub
	live     *LiveHub
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// done is closed by Shutdown so open streams end.
	done     chan struct{}
	doneOnce sync.Once
}

// New creates the server on top of an existing Redis client.
func New(cfg *Config, rdb redis.UniversalClient) *Server {
	logger := xglog.WithComponent("devserver")
	return &Server{
		cfg:     cfg,
		issuer:  NewIssuer(cfg.JWTSecret, cfg.TokenTTL),
		jobs:    NewJobStore(rdb, cfg.JobTTL),
		streams: NewStreamHub(logger),
		live:    NewLiveHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Handler builds the Gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger(s.logger))

	// ── Client protocols ──
	api := r.Group("/api")
	{
		api.GET("/sse", s.Stream)
		api.GET("/generate/status/:id", s.JobStatus)
		api.GET("/ws/:domain/:session", s.LiveSession)
	}

	// ── Development controls ──
	dev := r.Group("/api/dev")
	{
		dev.POST("/token", s.IssueToken)
		dev.POST("/tokens", s.PushTokenUpdate)
		dev.POST("/jobs/:id", s.PushJobUpdate)
		dev.POST("/live/:domain/:session", s.PushLiveMessage)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("devserver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down devserver")
	s.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Shutdown ends every open stream and live connection.
func (s *Server) Shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func (s *Server) authenticate(c *gin.Context) (string, bool) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return "", false
	}
	userID, err := s.issuer.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return "", false
	}
	return userID, true
}

func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}

// ─────────────────────────────────────────────
// GET /api/sse
// ─────────────────────────────────────────────

// Stream serves the per-user event stream.
func (s *Server) Stream(c *gin.Context) {
	userID, ok := s.authenticate(c)
	if !ok {
		return
	}

	sub := s.streams.Subscribe(userID)
	defer s.streams.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	hello, err := encodeFrame(model.EventConnected, gin.H{"user_id": userID})
	if err != nil {
		return
	}
	if _, err := c.Writer.Write(hello); err != nil {
		return
	}
	c.Writer.Flush()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		var frame []byte
		select {
		case frame = <-sub.send:
		case <-ticker.C:
			frame, err = encodeFrame(model.EventPing, gin.H{})
			if err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		case <-s.done:
			return
		}
		if _, err := c.Writer.Write(frame); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

// ─────────────────────────────────────────────
// GET /api/generate/status/:id
// ─────────────────────────────────────────────

// JobStatus reports the stored status of a job owned by the caller.
func (s *Server) JobStatus(c *gin.Context) {
	userID, ok := s.authenticate(c)
	if !ok {
		return
	}
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	st, owner, err := s.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		s.logger.Error().Err(err).Int64(xglog.FieldJobID, jobID).Msg("get job status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if st == nil || owner != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// ─────────────────────────────────────────────
// GET /api/ws/:domain/:session
// ─────────────────────────────────────────────

// LiveSession upgrades to a live session WebSocket.
func (s *Server) LiveSession(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Blocks until the connection closes.
	s.live.NewConn(c.Param("domain"), c.Param("session"), conn).Run(ctx)
}

// ─────────────────────────────────────────────
// Development controls
// ─────────────────────────────────────────────

type issueTokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// IssueToken returns a signed session token for user_id.
func (s *Server) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, expiresAt, err := s.issuer.Issue(req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expiresAt.Unix()})
}

// PushTokenUpdate sends a token_update to the user's streams.
func (s *Server) PushTokenUpdate(c *gin.Context) {
	var upd model.TokenUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if upd.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	n, err := s.streams.Publish(upd.UserID, model.EventTokenUpdate, upd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}

// PushJobUpdate stores a job status and pushes it to the owner's streams.
// A settled job cannot change; the request then fails with 409.
func (s *Server) PushJobUpdate(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	var upd model.JobUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if upd.UserID == "" || upd.Status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and status are required"})
		return
	}
	upd.JobID = jobID

	err := s.jobs.Set(c.Request.Context(), jobID, upd.UserID, model.JobStatusResponse{
		Status: upd.Status,
		URL:    upd.URL,
		URLs:   upd.URLs,
		Error:  upd.Error,
	})
	switch {
	case errors.Is(err, errJobSettled), errors.Is(err, errJobOwner):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error().Err(err).Int64(xglog.FieldJobID, jobID).Msg("set job status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// ?silent=true stores the status without pushing, leaving it to polls.
	n := 0
	if c.Query("silent") != "true" {
		n, err = s.streams.Publish(upd.UserID, model.EventJobUpdate, upd)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}

// PushLiveMessage broadcasts an envelope to a live session.
func (s *Server) PushLiveMessage(c *gin.Context) {
	var env model.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if env.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	n, err := s.live.Broadcast(c.Param("domain"), c.Param("session"), env)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}
