package devserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *Config {
	return &Config{
		JWTSecret:    "test-secret",
		TokenTTL:     time.Hour,
		PingInterval: 50 * time.Millisecond,
		JobTTL:       time.Minute,
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := New(testConfig(), rdb)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown()
		ts.Close()
	})
	return s, ts, mr
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func issue(t *testing.T, ts *httptest.Server, userID string) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/dev/token", `{"user_id":"`+userID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func getStatus(t *testing.T, ts *httptest.Server, jobID, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/generate/status/"+jobID, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIssuer(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	token, exp, err := iss.Issue("u1")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	userID, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	_, err = NewIssuer("other", time.Hour).Verify(token)
	assert.ErrorIs(t, err, errInvalidToken)

	expired, _, err := NewIssuer("secret", -time.Minute).Issue("u1")
	require.NoError(t, err)
	_, err = iss.Verify(expired)
	assert.ErrorIs(t, err, errInvalidToken)
}

func TestJobStoreRefusesSettledOverwrite(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewJobStore(rdb, time.Minute)
	ctx := context.Background()

	st, _, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, store.Set(ctx, 1, "u1", model.JobStatusResponse{Status: model.JobProcessing}))
	require.NoError(t, store.Set(ctx, 1, "u1", model.JobStatusResponse{
		Status: model.JobCompleted,
		URL:    "https://cdn/a.png",
		URLs:   []string{"https://cdn/a.png", "https://cdn/b.png"},
	}))

	err = store.Set(ctx, 1, "u1", model.JobStatusResponse{Status: model.JobFailed, Error: "late"})
	assert.ErrorIs(t, err, errJobSettled)

	st, owner, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)
	assert.Equal(t, model.JobCompleted, st.Status)
	assert.Equal(t, []string{"https://cdn/a.png", "https://cdn/b.png"}, st.URLs)
	assert.Empty(t, st.Error)

	require.NoError(t, store.Set(ctx, 2, "u1", model.JobStatusResponse{Status: model.JobQueued}))
	assert.ErrorIs(t, store.Set(ctx, 2, "u2", model.JobStatusResponse{Status: model.JobProcessing}), errJobOwner)

	assert.Equal(t, time.Minute, mr.TTL(jobKey(1)))
	mr.FastForward(2 * time.Minute)
	st, _, err = store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestJobStatusEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t)
	alice := issue(t, ts, "alice")
	bob := issue(t, ts, "bob")

	resp := postJSON(t, ts.URL+"/api/dev/jobs/7?silent=true",
		`{"user_id":"alice","status":"completed","url":"https://cdn/x.png"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = getStatus(t, ts, "7", alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st model.JobStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, model.JobCompleted, st.Status)
	assert.Equal(t, "https://cdn/x.png", st.URL)

	assert.Equal(t, http.StatusNotFound, getStatus(t, ts, "7", bob).StatusCode)
	assert.Equal(t, http.StatusNotFound, getStatus(t, ts, "8", alice).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, getStatus(t, ts, "7", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, getStatus(t, ts, "7", "garbage").StatusCode)
	assert.Equal(t, http.StatusBadRequest, getStatus(t, ts, "x", alice).StatusCode)

	resp = postJSON(t, ts.URL+"/api/dev/jobs/7", `{"user_id":"alice","status":"failed"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// readEvent reads frames until one of type want arrives.
func readEvent(t *testing.T, r *bufio.Reader, want model.EventType) model.Event {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: ")
		if !ok {
			continue
		}
		var ev model.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		if ev.Type == want {
			return ev
		}
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	s, ts, _ := newTestServer(t)
	token := issue(t, ts, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/sse?token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	readEvent(t, r, model.EventConnected)
	assert.Equal(t, 1, s.streams.Count("alice"))

	readEvent(t, r, model.EventPing)

	out := postJSON(t, ts.URL+"/api/dev/tokens", `{"user_id":"alice","new_balance":42,"cost":8}`)
	require.Equal(t, http.StatusOK, out.StatusCode)

	ev := readEvent(t, r, model.EventTokenUpdate)
	var upd model.TokenUpdate
	require.NoError(t, json.Unmarshal(ev.Data, &upd))
	assert.EqualValues(t, 42, upd.NewBalance)
	require.NotNil(t, upd.Cost)
	assert.EqualValues(t, 8, *upd.Cost)

	postJSON(t, ts.URL+"/api/dev/jobs/3", `{"user_id":"alice","status":"completed","url":"https://cdn/3.png"}`)
	ev = readEvent(t, r, model.EventJobUpdate)
	var job model.JobUpdate
	require.NoError(t, json.Unmarshal(ev.Data, &job))
	assert.EqualValues(t, 3, job.JobID)
	assert.Equal(t, model.JobCompleted, job.Status)

	cancel()
	assert.Eventually(t, func() bool { return s.streams.Count("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamRejectsBadToken(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/sse?token=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLiveBroadcast(t *testing.T) {
	s, ts, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/events/evt-1"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.live.Count("events", "evt-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := postJSON(t, ts.URL+"/api/dev/live/events/evt-1",
		`{"type":"bigscreen_request","data":{"album_code":"ABCD"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Delivered int `json:"delivered"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Delivered)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"bigscreen_request","data":{"album_code":"ABCD"}}`, string(msg))

	// Another session receives nothing.
	resp = postJSON(t, ts.URL+"/api/dev/live/events/evt-2", `{"type":"payment_request","data":{}}`)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 0, out.Delivered)

	conn.Close()
	assert.Eventually(t, func() bool { return s.live.Count("events", "evt-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
