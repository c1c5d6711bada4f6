// Package credential provides the session token and notifies subscribers
// when it is added, rotated or removed.
package credential

import (
	"errors"
	"sync"

	"github.com/Chukowski/pictureme-business-sub001/internal/events"
)

// ErrNoToken is returned when an operation needs a token and none is stored.
var ErrNoToken = errors.New("no session token")

// Change describes a token transition. An empty New means the token was removed.
type Change struct {
	Old string
	New string
}

// Removed reports whether the change cleared the token.
func (c Change) Removed() bool { return c.New == "" }

// Source is a session credential with change notifications.
type Source interface {
	Token() string
	Subscribe(fn func(Change)) (unsubscribe func())
}

// Memory is a Source held in memory. Useful for tests and embedding.
type Memory struct {
	mu      sync.RWMutex
	token   string
	changes *events.Topic[Change]
}

// NewMemory creates a Memory source with an optional initial token.
func NewMemory(token string) *Memory {
	return &Memory{
		token:   token,
		changes: events.NewTopic[Change]("credential"),
	}
}

func (m *Memory) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *Memory) Subscribe(fn func(Change)) func() {
	return m.changes.Subscribe(fn)
}

// Set replaces the token and notifies subscribers if it changed.
func (m *Memory) Set(token string) {
	m.mu.Lock()
	old := m.token
	m.token = token
	m.mu.Unlock()

	if old != token {
		m.changes.Publish(Change{Old: old, New: token})
	}
}

// Clear removes the token.
func (m *Memory) Clear() { m.Set("") }
