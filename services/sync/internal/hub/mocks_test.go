package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingTransport keeps every frame it is asked to write.
type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (r *recordingTransport) Write(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

func (r *recordingTransport) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *recordingTransport) events(t *testing.T) []map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]map[string]any, 0, len(r.frames))
	for _, f := range r.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("frame %q is not JSON: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// blockingTransport holds every write until released.
type blockingTransport struct {
	release chan struct{}
	once    sync.Once
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{release: make(chan struct{})}
}

func (b *blockingTransport) Write(frame []byte) error {
	<-b.release
	return nil
}

func (b *blockingTransport) unblock() {
	b.once.Do(func() { close(b.release) })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s task did not exit", sub.ID())
	}
}
