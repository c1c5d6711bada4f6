package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) record(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestFileSetAndClearNotify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_token")
	src, err := NewFile(path)
	require.NoError(t, err)
	assert.Empty(t, src.Token())

	rec := &changeRecorder{}
	unsub := src.Subscribe(rec.record)
	defer unsub()

	require.NoError(t, src.Set("tok-1"))
	assert.Equal(t, "tok-1", src.Token())

	// Same value again must not notify.
	require.NoError(t, src.Set("tok-1"))

	require.NoError(t, src.Clear())
	assert.Empty(t, src.Token())

	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, Change{Old: "", New: "tok-1"}, got[0])
	assert.True(t, got[1].Removed())
}

func TestFileWatchSeesExternalRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth_token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	src, err := NewFile(path)
	require.NoError(t, err)
	require.Equal(t, "first", src.Token())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx))
	defer src.Close()

	rec := &changeRecorder{}
	defer src.Subscribe(rec.record)()

	require.NoError(t, os.WriteFile(path, []byte("second\n"), 0o600))

	require.Eventually(t, func() bool {
		return src.Token() == "second"
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		got := rec.snapshot()
		return len(got) > 0 && got[len(got)-1].Removed()
	}, 3*time.Second, 20*time.Millisecond)
}

// Concurrent writers racing the watcher's reload end on the file's final
// contents, and the last published change agrees with it.
func TestFileConcurrentReloadsSettleOnLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_token")
	src, err := NewFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx))
	defer src.Close()

	rec := &changeRecorder{}
	defer src.Subscribe(rec.record)()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, src.Set(fmt.Sprintf("tok-%d-%d", i, j)))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, src.Set("final"))

	require.Eventually(t, func() bool {
		got := rec.snapshot()
		return src.Token() == "final" && len(got) > 0 && got[len(got)-1].New == "final"
	}, 3*time.Second, 20*time.Millisecond)

	// Let the debounced reload run; it must not roll the token back.
	time.Sleep(2 * debounceDuration)
	assert.Equal(t, "final", src.Token())
	got := rec.snapshot()
	assert.Equal(t, "final", got[len(got)-1].New)
	for k := 1; k < len(got); k++ {
		assert.Equal(t, got[k-1].New, got[k].Old)
	}
}

func TestMemorySource(t *testing.T) {
	src := NewMemory("")
	rec := &changeRecorder{}
	defer src.Subscribe(rec.record)()

	src.Set("a")
	src.Set("a")
	src.Clear()

	assert.Equal(t, []Change{{Old: "", New: "a"}, {Old: "a", New: ""}}, rec.snapshot())
}
