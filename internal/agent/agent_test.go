package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chukowski/pictureme-business-sub001/internal/config"
	"github.com/Chukowski/pictureme-business-sub001/internal/credential"
	"github.com/Chukowski/pictureme-business-sub001/internal/devserver"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
	"github.com/Chukowski/pictureme-business-sub001/internal/profile"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	srv := devserver.New(&devserver.Config{
		JWTSecret:    "test-secret",
		TokenTTL:     time.Hour,
		PingInterval: time.Second,
		JobTTL:       time.Minute,
	}, rdb)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return ts
}

func post(t *testing.T, url, body string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, url)
}

func issueToken(t *testing.T, ts *httptest.Server, userID string) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/dev/token", "application/json", strings.NewReader(`{"user_id":"`+userID+`"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Token
}

func testConfig(t *testing.T, apiBase string) *config.Config {
	t.Helper()
	t.Setenv("LIVESYNC_API_BASE", apiBase)
	t.Setenv("LIVESYNC_STATE_DIR", t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Jobs.PollInterval = 100 * time.Millisecond
	cfg.Live.SessionID = "evt-1"
	cfg.Live.RetryDelay = 100 * time.Millisecond
	// Wide buckets keep both test requests in the same window.
	cfg.Dedup.Bucket = time.Hour
	cfg.Dedup.TTL = 2 * time.Hour
	return cfg
}

func TestLoginRequiresToken(t *testing.T) {
	cfg := testConfig(t, "")
	err := Login(context.Background(), cfg, Account{UserID: "alice"})
	assert.ErrorIs(t, err, credential.ErrNoToken)
	assert.Error(t, Login(context.Background(), cfg, Account{Token: "t"}))
}

func TestLoginLogoutRecords(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "")

	require.NoError(t, Login(ctx, cfg, Account{Token: " tok \n", UserID: "alice", Email: "a@example.com", Balance: 10}))

	creds, err := credential.NewFile(cfg.TokenPath())
	require.NoError(t, err)
	assert.Equal(t, "tok", creds.Token())

	rec, err := profile.New(cfg.ProfilePath()).Load()
	require.NoError(t, err)
	assert.Equal(t, "alice", rec["id"])
	assert.EqualValues(t, 10, rec["tokens_remaining"])

	require.NoError(t, Logout(ctx, cfg))
	creds, err = credential.NewFile(cfg.TokenPath())
	require.NoError(t, err)
	assert.Empty(t, creds.Token())
	rec, err = profile.New(cfg.ProfilePath()).Load()
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Logging out twice is harmless.
	require.NoError(t, Logout(ctx, cfg))
}

func TestAgentEndToEnd(t *testing.T) {
	ts := startBackend(t)
	cfg := testConfig(t, ts.URL+"/api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, Login(ctx, cfg, Account{Token: issueToken(t, ts, "alice"), UserID: "alice", Balance: 100}))

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer func() {
		cancel()
		assert.NoError(t, a.Stop())
	}()

	require.Eventually(t, func() bool { return a.StreamStatus() == model.StatusConnected }, waitFor, tick)
	require.Eventually(t, func() bool { return a.LiveStatus() == model.StatusConnected }, waitFor, tick)
	assert.Equal(t, "evt-1", a.LiveSession())

	t.Run("token update reaches both records", func(t *testing.T) {
		post(t, ts.URL+"/api/dev/tokens", `{"user_id":"alice","new_balance":42,"cost":58}`)

		require.Eventually(t, func() bool {
			u, err := a.db.CurrentUser(ctx)
			return err == nil && u != nil && u.TokensRemaining == 42
		}, waitFor, tick)

		rec, err := a.profile.Load()
		require.NoError(t, err)
		assert.EqualValues(t, 42, rec["tokens_remaining"])

		require.Eventually(t, func() bool {
			s := a.Snapshot()
			return s.Balance != nil && *s.Balance == 42
		}, waitFor, tick)
		assert.Equal(t, "Live", a.Snapshot().Label)
	})

	t.Run("job completion", func(t *testing.T) {
		type outcome struct {
			url string
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := a.AwaitJob(ctx, 5, 1, 5*time.Second)
			if err != nil {
				done <- outcome{err: err}
				return
			}
			done <- outcome{url: res.URL}
		}()

		post(t, ts.URL+"/api/dev/jobs/5", `{"user_id":"alice","status":"completed","url":"https://cdn/5.png"}`)

		select {
		case out := <-done:
			require.NoError(t, out.err)
			assert.Equal(t, "https://cdn/5.png", out.url)
		case <-time.After(waitFor):
			t.Fatal("job wait did not settle")
		}
	})

	t.Run("live requests are deduplicated", func(t *testing.T) {
		body := `{"type":"bigscreen_request","data":{"album_code":"ABCD","visitor_name":"Ana"}}`
		post(t, ts.URL+"/api/dev/live/events/evt-1", body)
		post(t, ts.URL+"/api/dev/live/events/evt-1", body)

		require.Eventually(t, func() bool { return len(a.Notifications()) >= 1 }, waitFor, tick)
		time.Sleep(200 * time.Millisecond)

		notes := a.Notifications()
		require.Len(t, notes, 1)
		assert.Equal(t, "ABCD", notes[0].Subject)
		assert.True(t, a.DismissNotification(notes[0].ID))
		assert.Empty(t, a.Notifications())
	})

	t.Run("live session can be cleared", func(t *testing.T) {
		a.SetLiveSession("")
		assert.Equal(t, model.StatusDisconnected, a.LiveStatus())
		assert.Empty(t, a.LiveSession())
	})

	t.Run("logout closes the stream", func(t *testing.T) {
		require.NoError(t, Logout(ctx, cfg))
		require.Eventually(t, func() bool { return a.StreamStatus() == model.StatusDisconnected }, waitFor, tick)
	})
}
