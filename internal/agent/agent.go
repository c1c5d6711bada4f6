// Package agent wires the sync subsystem into one long-running process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chukowski/pictureme-business-sub001/internal/bridge"
	"github.com/Chukowski/pictureme-business-sub001/internal/config"
	"github.com/Chukowski/pictureme-business-sub001/internal/credential"
	"github.com/Chukowski/pictureme-business-sub001/internal/dashboard"
	"github.com/Chukowski/pictureme-business-sub001/internal/database"
	"github.com/Chukowski/pictureme-business-sub001/internal/dedup"
	"github.com/Chukowski/pictureme-business-sub001/internal/events"
	"github.com/Chukowski/pictureme-business-sub001/internal/jobs"
	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
	"github.com/Chukowski/pictureme-business-sub001/internal/operator"
	"github.com/Chukowski/pictureme-business-sub001/internal/profile"
	"github.com/Chukowski/pictureme-business-sub001/internal/stream"
	"github.com/Chukowski/pictureme-business-sub001/internal/ws"
)

// Agent owns every component of the sync daemon.
type Agent struct {
	cfg    *config.Config
	logger zerolog.Logger

	creds     *credential.File
	db        *database.DB
	profile   *profile.Store
	bus       *events.Bus
	bridge    *bridge.Bridge
	stream    *stream.Client
	waiter    *jobs.Waiter
	dedup     dedup.Store
	dedupStop func() error
	console   *operator.Console
	dashboard *dashboard.Dashboard

	mu     sync.Mutex
	live   *ws.Client
	unsubs []func()
	wg     sync.WaitGroup
}

// New opens local state and builds the components. Nothing connects until
// Start.
func New(ctx context.Context, cfg *config.Config) (*Agent, error) {
	a := &Agent{
		cfg:    cfg,
		logger: xglog.WithComponent("agent"),
		bus:    events.NewBus(),
	}

	creds, err := credential.NewFile(cfg.TokenPath())
	if err != nil {
		return nil, err
	}
	a.creds = creds

	db, err := database.NewDB(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.profile = profile.New(cfg.ProfilePath())
	a.bridge = bridge.New(a.bus, a.db, a.profile)

	if err := a.openDedup(ctx); err != nil {
		db.Close()
		return nil, err
	}
	a.console = operator.NewConsole(a.dedup, operator.PresenterFunc(a.present))

	a.waiter = jobs.NewWaiter(jobs.WaiterConfig{
		APIBase:        cfg.API.Base,
		PollInterval:   cfg.Jobs.PollInterval,
		DefaultTimeout: cfg.Jobs.Timeout,
	}, a.bus, a.creds)

	a.dashboard = dashboard.NewDashboard(a, cfg.API.Base)

	a.stream = stream.New(stream.Config{
		APIBase:     cfg.API.Base,
		BaseDelay:   cfg.Stream.BaseDelay,
		MaxDelay:    cfg.Stream.MaxDelay,
		IdleTimeout: cfg.Stream.IdleTimeout,
	}, a.creds, a.bridge, stream.Options{
		Enabled:        !cfg.Stream.Disabled,
		OnConnected:    func() { a.dashboard.UpdateConnectionStatus(true) },
		OnDisconnected: func() { a.dashboard.UpdateConnectionStatus(false) },
		OnError:        a.dashboard.RecordError,
	})

	return a, nil
}

func (a *Agent) openDedup(ctx context.Context) error {
	opts := dedup.Options{Bucket: a.cfg.Dedup.Bucket, TTL: a.cfg.Dedup.TTL}

	switch a.cfg.Dedup.Backend {
	case config.BackendRedis:
		store, err := dedup.NewRedisStore(ctx, dedup.RedisConfig{
			Addr:     a.cfg.Dedup.Redis.Addr,
			Password: a.cfg.Dedup.Redis.Password,
			DB:       a.cfg.Dedup.Redis.DB,
		}, opts)
		if err != nil {
			return fmt.Errorf("open dedup store: %w", err)
		}
		a.dedup = store
		a.dedupStop = store.Close
	default:
		s := dedup.NewSuppressor(opts)
		a.dedup = s
		a.dedupStop = func() error { s.Close(); return nil }
	}
	a.logger.Info().Str("backend", a.cfg.Dedup.Backend).Msg("dedup store ready")
	return nil
}

// Start begins watching credentials, opens the push channels and, when
// enabled, serves the dashboard. ctx bounds everything started here.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.creds.Watch(ctx); err != nil {
		return fmt.Errorf("watch credentials: %w", err)
	}

	a.mu.Lock()
	a.unsubs = append(a.unsubs,
		a.bus.Tokens.Subscribe(a.dashboard.RecordTokens),
		a.bus.Jobs.Subscribe(a.dashboard.RecordJobUpdate),
	)
	a.live = ws.NewClient(ctx, ws.Config{
		APIBase:    a.cfg.API.Base,
		RetryDelay: a.cfg.Live.RetryDelay,
	}, a.cfg.Live.Domain, a.creds, a.console)
	live := a.live
	a.mu.Unlock()

	a.stream.Start(ctx)
	if a.cfg.Live.SessionID != "" {
		live.SetSession(a.cfg.Live.SessionID)
	}

	if a.cfg.Dashboard.Enabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.dashboard.Serve(ctx, a.cfg.Dashboard.Address); err != nil {
				a.logger.Error().Err(err).Msg("dashboard server error")
			}
		}()
	}

	a.logger.Info().
		Str("api", a.cfg.API.Base).
		Str(xglog.FieldDomain, a.cfg.Live.Domain).
		Bool("logged_in", a.creds.Token() != "").
		Msg("agent started")
	return nil
}

// Stop shuts every component down. The context passed to Start should be
// cancelled first so the dashboard can drain.
func (a *Agent) Stop() error {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	live := a.live
	a.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}

	a.stream.Close()
	var errs []error
	if live != nil {
		errs = append(errs, live.Close())
	}
	a.wg.Wait()

	errs = append(errs, a.creds.Close(), a.dedupStop(), a.db.Close())
	a.logger.Info().Msg("agent stopped")
	return errors.Join(errs...)
}

// ─────────────────────────────────────────────
// Operations (implements dashboard.Backend)
// ─────────────────────────────────────────────

// AwaitJob blocks until the job settles. expected > 1 waits for that many
// distinct result URLs.
func (a *Agent) AwaitJob(ctx context.Context, jobID int64, expected int, timeout time.Duration) (*jobs.Result, error) {
	return a.waiter.AwaitN(ctx, jobID, expected, timeout)
}

// SetLiveSession opens the live channel for id; an empty id closes it.
func (a *Agent) SetLiveSession(id string) {
	if live := a.liveClient(); live != nil {
		live.SetSession(id)
	}
}

func (a *Agent) LiveSession() string {
	if live := a.liveClient(); live != nil {
		return live.Session()
	}
	return ""
}

func (a *Agent) LiveStatus() model.ConnStatus {
	if live := a.liveClient(); live != nil {
		return live.Status()
	}
	return model.StatusDisconnected
}

func (a *Agent) StreamStatus() model.ConnStatus { return a.stream.Status() }

// Reconnect reopens the user stream immediately.
func (a *Agent) Reconnect() { a.stream.Reconnect() }

func (a *Agent) Notifications() []model.Notification { return a.console.Pending() }

func (a *Agent) DismissNotification(id string) bool { return a.console.Dismiss(id) }

// Snapshot returns the current daemon statistics.
func (a *Agent) Snapshot() dashboard.Stats { return a.dashboard.GetStats() }

// Bus exposes the local event bus.
func (a *Agent) Bus() *events.Bus { return a.bus }

func (a *Agent) liveClient() *ws.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *Agent) present(n model.Notification) {
	a.logger.Info().
		Str(xglog.FieldEvent, string(n.Kind)).
		Str("subject", n.Subject).
		Str("id", n.ID).
		Msg(n.Title)
}
