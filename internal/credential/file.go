package credential

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/Chukowski/pictureme-business-sub001/internal/events"
	xglog "github.com/Chukowski/pictureme-business-sub001/internal/log"
)

const debounceDuration = 200 * time.Millisecond

// File is a Source backed by a token file. External edits (another process
// logging in or out) are picked up through fsnotify.
type File struct {
	path    string
	logger  zerolog.Logger
	changes *events.Topic[Change]

	// reloadMu orders reloads so a stale read never replaces a newer one.
	reloadMu sync.Mutex

	mu      sync.Mutex
	token   string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFile creates a File source and reads the current token, if any.
func NewFile(path string) (*File, error) {
	f := &File{
		path:    path,
		logger:  xglog.WithComponent("credential"),
		changes: events.NewTopic[Change]("credential"),
	}
	token, err := readToken(path)
	if err != nil {
		return nil, err
	}
	f.token = token
	return f, nil
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Path returns the token file location.
func (f *File) Path() string { return f.path }

func (f *File) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *File) Subscribe(fn func(Change)) func() {
	return f.changes.Subscribe(fn)
}

// Set stores a new token atomically and notifies subscribers.
func (f *File) Set(token string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	if err := renameio.WriteFile(f.path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	f.reload()
	return nil
}

// Clear deletes the token file and notifies subscribers.
func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	f.reload()
	return nil
}

// Watch starts observing the token file until ctx is done or Close is called.
// The parent directory is watched so atomic renames are seen.
func (f *File) Watch(ctx context.Context) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch token directory: %w", err)
	}

	f.mu.Lock()
	f.watcher = watcher
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	f.logger.Info().
		Str(xglog.FieldEvent, "credential.watch_started").
		Str("path", f.path).
		Msg("watching token file")

	go f.watchLoop(ctx, watcher, done)
	return nil
}

func (f *File) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	target := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, f.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "credential.watch_error").
				Msg("token watcher error")
		}
	}
}

// reload re-reads the file and publishes a Change if the token moved.
// Subscribers must not call Set or Clear from the callback.
func (f *File) reload() {
	f.reloadMu.Lock()
	defer f.reloadMu.Unlock()

	token, err := readToken(f.path)
	if err != nil {
		f.logger.Warn().Err(err).Msg("reload token file")
		return
	}

	f.mu.Lock()
	old := f.token
	f.token = token
	f.mu.Unlock()

	if old == token {
		return
	}
	f.logger.Info().
		Str(xglog.FieldEvent, "credential.changed").
		Bool("present", token != "").
		Msg("session token changed")
	f.changes.Publish(Change{Old: old, New: token})
}

// Close stops the watcher and waits for its goroutine.
func (f *File) Close() error {
	f.mu.Lock()
	watcher, done := f.watcher, f.done
	f.watcher = nil
	f.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
