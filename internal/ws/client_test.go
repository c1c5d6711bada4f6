package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Chukowski/pictureme-business-sub001/internal/credential"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type recordingHandler struct {
	mu          sync.Mutex
	bigscreen   []*model.BigScreenRequest
	payments    []*model.PaymentRequest
	connects    int
	disconnects int
}

func (h *recordingHandler) OnBigScreenRequest(_ context.Context, req *model.BigScreenRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bigscreen = append(h.bigscreen, req)
}

func (h *recordingHandler) OnPaymentRequest(_ context.Context, req *model.PaymentRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payments = append(h.payments, req)
}

func (h *recordingHandler) OnConnected(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
}

func (h *recordingHandler) OnDisconnected(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *recordingHandler) counts() (int, int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bigscreen), len(h.payments), h.connects, h.disconnects
}

// liveServer upgrades every request and sends the queued messages.
type liveServer struct {
	*httptest.Server
	upgrader websocket.Upgrader
	accepts  atomic.Int32
	reject   atomic.Int32 // reject this many dials first

	mu    sync.Mutex
	paths []string
	auth  []string
	conns []*websocket.Conn
}

func newLiveServer(t *testing.T, messages ...string) *liveServer {
	t.Helper()
	s := &liveServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.reject.Load() > 0 {
			s.reject.Add(-1)
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.accepts.Add(1)
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for _, m := range messages {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}))
	return s
}

func (s *liveServer) dropLast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[len(s.conns)-1].Close()
}

func TestWebSocketBase(t *testing.T) {
	assert.Equal(t, "wss://api.example.com/api", WebSocketBase("https://api.example.com/api/"))
	assert.Equal(t, "ws://localhost:3001/api", WebSocketBase("http://localhost:3001/api"))
	assert.Equal(t, "", WebSocketBase(""))
}

func TestMessagesAreDispatched(t *testing.T) {
	srv := newLiveServer(t,
		`{"type":"bigscreen_request","data":{"album_code":"ABCD","visitor_name":"Ana"}}`,
		`{not json`,
		`{"type":"bigscreen_request","data":"oops"}`,
		`{"type":"something_else","data":{}}`,
		`{"type":"payment_request","data":{"request_id":"p1","album_code":"ABCD","amount":500}}`,
	)
	defer srv.Close()

	h := &recordingHandler{}
	c := NewClient(context.Background(), Config{APIBase: srv.URL + "/api"}, "events", credential.NewMemory("tok"), h)
	defer c.Close()

	c.SetSession("evt-1")
	require.Eventually(t, func() bool {
		_, payments, _, _ := h.counts()
		return payments == 1
	}, waitFor, tick)

	bigscreen, _, connects, disconnects := h.counts()
	assert.Equal(t, 1, bigscreen)
	assert.Equal(t, 1, connects)
	assert.Equal(t, 0, disconnects, "decode errors keep the connection")
	assert.Equal(t, model.StatusConnected, c.Status())

	h.mu.Lock()
	assert.Equal(t, "ABCD", h.bigscreen[0].AlbumCode)
	assert.EqualValues(t, 500, h.payments[0].Amount)
	h.mu.Unlock()

	srv.mu.Lock()
	assert.Equal(t, "/api/ws/events/evt-1", srv.paths[0])
	assert.Equal(t, "Bearer tok", srv.auth[0])
	srv.mu.Unlock()
}

func TestReconnectsAfterFixedDelay(t *testing.T) {
	srv := newLiveServer(t)
	defer srv.Close()

	h := &recordingHandler{}
	c := NewClient(context.Background(), Config{APIBase: srv.URL, RetryDelay: 50 * time.Millisecond}, "events", nil, h)
	defer c.Close()

	c.SetSession("evt-1")
	require.Eventually(t, func() bool { return srv.accepts.Load() == 1 }, waitFor, tick)

	dropped := time.Now()
	srv.dropLast()
	require.Eventually(t, func() bool { return srv.accepts.Load() == 2 }, waitFor, tick)
	assert.GreaterOrEqual(t, time.Since(dropped), 50*time.Millisecond)

	require.Eventually(t, func() bool { return c.Status() == model.StatusConnected }, waitFor, tick)
	_, _, connects, disconnects := h.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, disconnects)
}

func TestDialFailuresRetryFlat(t *testing.T) {
	srv := newLiveServer(t)
	srv.reject.Store(2)
	defer srv.Close()

	c := NewClient(context.Background(), Config{APIBase: srv.URL, RetryDelay: 20 * time.Millisecond}, "events", nil, &recordingHandler{})
	defer c.Close()

	c.SetSession("evt-1")
	require.Eventually(t, func() bool { return c.Status() == model.StatusConnected }, waitFor, tick)
	assert.EqualValues(t, 1, srv.accepts.Load())
}

func TestClearingSessionCloses(t *testing.T) {
	srv := newLiveServer(t)
	defer srv.Close()

	h := &recordingHandler{}
	c := NewClient(context.Background(), Config{APIBase: srv.URL, RetryDelay: 20 * time.Millisecond}, "events", nil, h)
	defer c.Close()

	c.SetSession("evt-1")
	require.Eventually(t, func() bool { return c.Status() == model.StatusConnected }, waitFor, tick)

	c.SetSession("")
	assert.Equal(t, model.StatusDisconnected, c.Status())
	assert.Equal(t, "", c.Session())

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, srv.accepts.Load(), "no reconnect after the session ends")
}

func TestSwitchingSessionReplacesConnection(t *testing.T) {
	srv := newLiveServer(t)
	defer srv.Close()

	c := NewClient(context.Background(), Config{APIBase: srv.URL}, "events", nil, &recordingHandler{})
	defer c.Close()

	c.SetSession("a")
	require.Eventually(t, func() bool { return srv.accepts.Load() == 1 }, waitFor, tick)
	c.SetSession("b")
	require.Eventually(t, func() bool { return srv.accepts.Load() == 2 }, waitFor, tick)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.True(t, strings.HasSuffix(srv.paths[1], "/ws/events/b"))
}

func TestCloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := newLiveServer(t)
	defer srv.Close()

	c := NewClient(context.Background(), Config{APIBase: srv.URL}, "events", nil, &recordingHandler{})
	c.SetSession("evt-1")
	require.Eventually(t, func() bool { return c.Status() == model.StatusConnected }, waitFor, tick)

	require.NoError(t, c.Close())
}
