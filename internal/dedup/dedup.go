// Package dedup suppresses repeated presentation of the same real-world
// event within a short time window.
//
// A Store is meant to be constructed once per process and shared by every
// component that presents notifications, so that a component being torn
// down and recreated does not forget what it already showed.
package dedup

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Chukowski/pictureme-business-sub001/internal/metrics"
)

const (
	DefaultBucket = 5 * time.Second
	DefaultTTL    = 6 * time.Second
)

// Store decides whether an event was already handled.
type Store interface {
	// ShouldSuppress reports whether (domain, subject) was handled in the
	// current bucket.
	ShouldSuppress(domain, subject string) bool
	// MarkHandled records (domain, subject) for the current bucket. Marking
	// an already marked key has no effect.
	MarkHandled(domain, subject string)
	// CheckAndMark does both atomically and reports whether the event
	// should be suppressed.
	CheckAndMark(domain, subject string) bool
}

// Key builds the composite key domain|subject|bucket.
func Key(domain, subject string, now time.Time, bucket time.Duration) string {
	var b strings.Builder
	b.WriteString(domain)
	b.WriteByte('|')
	b.WriteString(subject)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(now.UnixMilli()/bucket.Milliseconds(), 10))
	return b.String()
}

type stopper interface {
	Stop() bool
}

// Options tune a Suppressor. Zero values select the defaults.
type Options struct {
	Bucket time.Duration
	TTL    time.Duration

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper
}

// Suppressor is the in-memory Store.
type Suppressor struct {
	bucket    time.Duration
	ttl       time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu      sync.Mutex
	entries map[string]stopper
	closed  bool
}

// NewSuppressor creates an empty Suppressor.
func NewSuppressor(opts Options) *Suppressor {
	s := &Suppressor{
		bucket:    opts.Bucket,
		ttl:       opts.TTL,
		now:       opts.now,
		afterFunc: opts.afterFunc,
		entries:   make(map[string]stopper),
	}
	if s.bucket < time.Millisecond {
		s.bucket = DefaultBucket
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.afterFunc == nil {
		s.afterFunc = func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }
	}
	return s
}

func (s *Suppressor) key(domain, subject string) string {
	return Key(domain, subject, s.now(), s.bucket)
}

func (s *Suppressor) ShouldSuppress(domain, subject string) bool {
	k := s.key(domain, subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[k]
	if ok {
		metrics.DedupSuppressedTotal.WithLabelValues(domain).Inc()
	}
	return ok
}

func (s *Suppressor) MarkHandled(domain, subject string) {
	k := s.key(domain, subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(k)
}

func (s *Suppressor) CheckAndMark(domain, subject string) bool {
	k := s.key(domain, subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; ok {
		metrics.DedupSuppressedTotal.WithLabelValues(domain).Inc()
		return true
	}
	s.markLocked(k)
	return false
}

func (s *Suppressor) markLocked(k string) {
	if s.closed {
		return
	}
	if _, ok := s.entries[k]; ok {
		return
	}
	s.entries[k] = s.afterFunc(s.ttl, func() { s.expire(k) })
}

func (s *Suppressor) expire(k string) {
	s.mu.Lock()
	delete(s.entries, k)
	s.mu.Unlock()
}

// Len returns the number of live entries.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops all expiry timers and drops every entry.
func (s *Suppressor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.entries {
		t.Stop()
		delete(s.entries, k)
	}
	s.closed = true
}
