package tablelink

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/go-chi/chi/v5"
	"github.com/tablelink/tablelink/services/sync/internal/hub"
)

// Stream subscribes the caller to the broadcast topic of a store and relays
// every hub frame as a server-sent event until either side goes away.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")
	log := h.log(r).With("store_id", storeID)

	transport := newSSETransport(w, h.writeTimeout)
	sub, err := h.hub.Subscribe(h.topic(storeID), transport)
	if err != nil {
		log.Info("stream rejected", "error", err)
		if errors.Is(err, hub.ErrTopicAtCapacity) {
			w.Header().Set("Retry-After", retryAfterSeconds)
		}
		apt.RespondError(w, http.StatusServiceUnavailable, "Stream unavailable, retry later")
		return
	}

	log.Info("SSE client connected", "connection_id", sub.ID())

	select {
	case <-sub.Done():
		log.Info("SSE connection closed by hub", "connection_id", sub.ID())
	case <-r.Context().Done():
		h.hub.Unsubscribe(sub)
		// The connection task may still be inside a write; the response
		// writer must not outlive it.
		<-sub.Done()
		log.Info("SSE client disconnected", "connection_id", sub.ID())
	}

	transport.clearDeadline()
}

// sseTransport writes hub frames as "data:" events. Headers go out with the
// first frame so a rejected subscription can still answer with an error.
type sseTransport struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
	started bool
}

func newSSETransport(w http.ResponseWriter, timeout time.Duration) *sseTransport {
	return &sseTransport{
		w:       w,
		rc:      http.NewResponseController(w),
		timeout: timeout,
	}
}

func (t *sseTransport) Write(frame []byte) error {
	if !t.started {
		t.w.Header().Set("Content-Type", "text/event-stream")
		t.w.Header().Set("Cache-Control", "no-cache")
		t.w.Header().Set("Connection", "keep-alive")
		t.w.Header().Set("X-Accel-Buffering", "no")
		t.w.WriteHeader(http.StatusOK)
		t.started = true
	}

	if err := t.rc.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("cannot set write deadline: %w", err)
	}
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", frame); err != nil {
		return err
	}
	return t.flush()
}

func (t *sseTransport) flush() error {
	err := t.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		if f, ok := t.w.(http.Flusher); ok {
			f.Flush()
			return nil
		}
	}
	return err
}

func (t *sseTransport) clearDeadline() {
	_ = t.rc.SetWriteDeadline(time.Time{})
}
