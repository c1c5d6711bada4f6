// Package jobs waits for generation jobs to reach a terminal status by
// racing pushed job updates against polling of the status endpoint.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chukowski/pictureme-business-sub001/internal/credential"
	"github.com/Chukowski/pictureme-business-sub001/internal/events"
	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
	"github.com/Chukowski/pictureme-business-sub001/internal/metrics"
	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultTimeout      = 120 * time.Second

	defaultFailure = "generation failed"

	SourcePush    = "push"
	SourcePoll    = "poll"
	SourceTimeout = "timeout"
)

// ErrTimedOut is returned when no terminal status arrives in time. Callers
// can offer to check back later instead of reporting a failure.
var ErrTimedOut = errors.New("generation timed out")

// FailedError is returned when the server reports the job failed.
type FailedError struct {
	JobID  int64
	Reason string
}

func (e *FailedError) Error() string {
	return e.Reason
}

// Result is the outcome of a completed job.
type Result struct {
	URL     string   `json:"url"`
	URLs    []string `json:"urls"`
	Source  string   `json:"source"`
	Partial bool     `json:"partial,omitempty"`
}

// WaiterConfig configures a Waiter. Zero values select the defaults.
type WaiterConfig struct {
	APIBase        string
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	HTTPClient     *http.Client
}

// Waiter resolves job handles. It is safe for concurrent use.
type Waiter struct {
	cfg    WaiterConfig
	bus    *events.Bus
	creds  credential.Source
	http   *http.Client
	logger zerolog.Logger
}

// NewWaiter creates a Waiter listening on bus for job updates. creds may
// be nil, in which case polls are sent without a token.
func NewWaiter(cfg WaiterConfig, bus *events.Bus, creds credential.Source) *Waiter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Waiter{
		cfg:    cfg,
		bus:    bus,
		creds:  creds,
		http:   hc,
		logger: xglog.WithComponent("jobs"),
	}
}

// Await blocks until job reaches a terminal status, timeout elapses, or ctx
// is done. timeout <= 0 selects the default.
func (w *Waiter) Await(ctx context.Context, jobID int64, timeout time.Duration) (*Result, error) {
	return w.await(ctx, jobID, 1, timeout)
}

// AwaitN waits for a job that produces several results. Each pushed
// completion contributes its URLs; a completed poll reports all of them at
// once. On timeout the URLs collected so far are returned as a partial
// result, if there are any.
func (w *Waiter) AwaitN(ctx context.Context, jobID int64, expected int, timeout time.Duration) (*Result, error) {
	if expected < 1 {
		expected = 1
	}
	return w.await(ctx, jobID, expected, timeout)
}

// observation is one terminal or result-bearing status seen by a source.
type observation struct {
	source string
	status model.JobStatus
	url    string
	urls   []string
	err    string
}

func (w *Waiter) await(ctx context.Context, jobID int64, expected int, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	logger := w.logger.With().Int64(xglog.FieldJobID, jobID).Logger()

	var settled atomic.Bool
	done := make(chan struct{})
	pushCh := make(chan observation)
	pollCh := make(chan observation)

	unsubscribe := w.bus.Jobs.Subscribe(func(u model.JobUpdate) {
		if settled.Load() || u.JobID != jobID {
			return
		}
		if !u.Status.Terminal() {
			return
		}
		o := observation{source: SourcePush, status: u.Status, url: u.URL, urls: u.URLs, err: u.Error}
		select {
		case pushCh <- o:
		case <-done:
		}
	})

	pollCtx, stopPoll := context.WithCancel(ctx)
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		w.pollLoop(pollCtx, jobID, pollCh, logger)
	}()

	timer := time.NewTimer(timeout)

	defer func() {
		settled.Store(true)
		close(done)
		stopPoll()
		pollWG.Wait()
		unsubscribe()
		timer.Stop()
	}()

	var (
		urls []string
		seen = make(map[string]struct{})
	)
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	for {
		var o observation
		select {
		case o = <-pushCh:
		case o = <-pollCh:
		case <-timer.C:
			if len(urls) > 0 {
				logger.Warn().Int("received", len(urls)).Int("expected", expected).
					Msg("job timed out, returning partial result")
				metrics.RecordJobSettled(SourceTimeout, "partial")
				return &Result{URL: urls[0], URLs: urls, Source: SourceTimeout, Partial: true}, nil
			}
			logger.Warn().Dur("timeout", timeout).Msg("job timed out")
			metrics.RecordJobSettled(SourceTimeout, "timeout")
			return nil, ErrTimedOut
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		switch o.status {
		case model.JobFailed:
			reason := o.err
			if reason == "" {
				reason = defaultFailure
			}
			logger.Info().Str("source", o.source).Str("reason", reason).Msg("job failed")
			metrics.RecordJobSettled(o.source, "failed")
			return nil, &FailedError{JobID: jobID, Reason: reason}

		case model.JobCompleted:
			if o.source == SourcePoll {
				// The status endpoint reports the full set.
				pollURLs := o.urls
				if len(pollURLs) == 0 {
					pollURLs = []string{o.url}
				}
				first := o.url
				if first == "" {
					first = pollURLs[0]
				}
				logger.Info().Str("source", o.source).Int("urls", len(pollURLs)).Msg("job completed")
				metrics.RecordJobSettled(o.source, "completed")
				return &Result{URL: first, URLs: pollURLs, Source: o.source}, nil
			}

			add(o.url)
			for _, u := range o.urls {
				add(u)
			}
			if len(urls) >= expected {
				logger.Info().Str("source", o.source).Int("urls", len(urls)).Msg("job completed")
				metrics.RecordJobSettled(o.source, "completed")
				return &Result{URL: urls[0], URLs: urls, Source: o.source}, nil
			}
			logger.Debug().Int("received", len(urls)).Int("expected", expected).Msg("partial result")
		}
	}
}

// pollLoop polls immediately and then every PollInterval, sending
// terminal observations to out. Individual poll failures are logged and
// retried on the next tick.
func (w *Waiter) pollLoop(ctx context.Context, jobID int64, out chan<- observation, logger zerolog.Logger) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		o, ok, err := w.poll(ctx, jobID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			metrics.JobPollErrorsTotal.Inc()
			logger.Debug().Err(err).Msg("status poll failed")
		case ok:
			select {
			case out <- o:
			case <-ctx.Done():
			}
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// poll fetches the job status once. ok is true for a result-bearing
// completion or a failure.
func (w *Waiter) poll(ctx context.Context, jobID int64) (observation, bool, error) {
	url := w.cfg.APIBase + "/generate/status/" + strconv.FormatInt(jobID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return observation{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if w.creds != nil {
		if token := w.creds.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return observation{}, false, fmt.Errorf("poll status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return observation{}, false, fmt.Errorf("poll status: unexpected status %d", resp.StatusCode)
	}

	var body model.JobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return observation{}, false, fmt.Errorf("decode status: %w", err)
	}

	o := observation{source: SourcePoll, status: body.Status, url: body.URL, urls: body.URLs, err: body.Error}
	switch body.Status {
	case model.JobFailed:
		return o, true, nil
	case model.JobCompleted:
		return o, body.URL != "" || len(body.URLs) > 0, nil
	default:
		return o, false, nil
	}
}
