// Package hub fans messages out to long-lived subscriber connections grouped
// by topic. Each connection is served by its own task that owns the
// connection's heartbeat ticker and outbound queue, so a slow consumer never
// delays its siblings.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/google/uuid"
)

var (
	ErrTopicAtCapacity = errors.New("topic at capacity")
	ErrHubClosed       = errors.New("hub closed")
)

const (
	TypeConnected = "connected"
	TypeHeartbeat = "heartbeat"
)

const (
	DefaultMaxSubscribers    = 100
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultConnectionTimeout = 5 * time.Minute
	DefaultReaperInterval    = 60 * time.Second
	DefaultQueueSize         = 64
)

type Config struct {
	MaxSubscribers    int
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	ReaperInterval    time.Duration
	QueueSize         int
}

func (c Config) withDefaults() Config {
	if c.MaxSubscribers <= 0 {
		c.MaxSubscribers = DefaultMaxSubscribers
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = DefaultReaperInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Transport delivers one serialized frame to a client. Write is only ever
// called from the connection's own task.
type Transport interface {
	Write(frame []byte) error
}

// Event is the envelope of every frame the hub produces itself.
type Event struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	Topics           map[string]int `json:"topics"`
}

type Hub struct {
	cfg    Config
	logger apt.Logger
	now    func() time.Time

	mu     sync.Mutex
	topics map[string]map[string]*connection
	closed bool

	tasks  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, logger apt.Logger) *Hub {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		topics: make(map[string]map[string]*connection),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the reaper.
func (h *Hub) Start(ctx context.Context) error {
	h.logger.Info("starting broadcast hub",
		"max_subscribers", h.cfg.MaxSubscribers,
		"heartbeat", h.cfg.HeartbeatInterval.String(),
		"timeout", h.cfg.ConnectionTimeout.String(),
	)
	h.tasks.Add(1)
	go h.reapLoop()
	return nil
}

// Stop closes every connection and waits for their tasks to finish.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for _, conns := range h.topics {
		for _, c := range conns {
			h.removeLocked(c, "hub stopping")
		}
	}
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("broadcast hub stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cannot stop hub: %w", ctx.Err())
	}
}

// Subscribe admits a connection to a topic. The first frame the transport
// receives is the connected event.
func (h *Hub) Subscribe(topic string, transport Transport) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	conns := h.topics[topic]
	if len(conns) >= h.cfg.MaxSubscribers {
		h.logger.Info("subscription rejected", "topic", topic, "subscribers", len(conns), "error", ErrTopicAtCapacity)
		return nil, ErrTopicAtCapacity
	}
	if conns == nil {
		conns = make(map[string]*connection)
		h.topics[topic] = conns
	}

	now := h.now()
	c := &connection{
		id:          uuid.NewString(),
		topic:       topic,
		transport:   transport,
		connectedAt: now,
		queue:       make(chan []byte, h.cfg.QueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.touch(now)
	conns[c.id] = c

	h.tasks.Add(1)
	go h.serve(c)

	h.logger.Debug("subscriber connected", "connection_id", c.id, "topic", topic, "subscribers", len(conns))
	return &Subscription{hub: h, conn: c}, nil
}

// Unsubscribe removes the connection of sub. Calling it more than once is safe.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub.conn, "unsubscribed")
}

// Publish serializes payload once and queues it on every connection of the
// topic. A connection whose queue is full is dropped. It returns the number of
// connections the frame was queued for.
func (h *Hub) Publish(topic string, payload any) (int, error) {
	frame, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("cannot encode payload: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	queued := 0
	for _, c := range h.topics[topic] {
		select {
		case c.queue <- frame:
			queued++
		default:
			h.logger.Error("subscriber queue full, dropping connection", "connection_id", c.id, "topic", topic)
			h.removeLocked(c, "queue full")
		}
	}
	return queued, nil
}

// Reap removes connections that have not completed a write within the
// connection timeout and returns how many were removed.
func (h *Hub) Reap() int {
	cutoff := h.now().Add(-h.cfg.ConnectionTimeout)

	h.mu.Lock()
	defer h.mu.Unlock()

	reaped := 0
	for _, conns := range h.topics {
		for _, c := range conns {
			if c.lastHeartbeat().Before(cutoff) {
				h.logger.Info("reaping stale connection", "connection_id", c.id, "topic", c.topic, "last_heartbeat", c.lastHeartbeat())
				h.removeLocked(c, "heartbeat timeout")
				reaped++
			}
		}
	}
	return reaped
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Stats{Topics: make(map[string]int, len(h.topics))}
	for topic, conns := range h.topics {
		stats.Topics[topic] = len(conns)
		stats.TotalConnections += len(conns)
	}
	return stats
}

func (h *Hub) reapLoop() {
	defer h.tasks.Done()

	ticker := time.NewTicker(h.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if n := h.Reap(); n > 0 {
				h.logger.Info("reaper sweep", "removed", n)
			}
		}
	}
}

// serve is the task of a single connection.
func (h *Hub) serve(c *connection) {
	defer h.tasks.Done()
	defer close(c.done)

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	if !h.write(c, h.frame(Event{Type: TypeConnected, Topic: c.topic})) {
		return
	}

	for {
		select {
		case <-c.stop:
			return
		case frame := <-c.queue:
			if !h.write(c, frame) {
				return
			}
		case <-ticker.C:
			if !h.write(c, h.frame(Event{Type: TypeHeartbeat})) {
				return
			}
		}
	}
}

func (h *Hub) write(c *connection, frame []byte) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	if err := c.transport.Write(frame); err != nil {
		h.logger.Error("subscriber write failed", "connection_id", c.id, "topic", c.topic, "error", err)
		h.mu.Lock()
		h.removeLocked(c, "write failed")
		h.mu.Unlock()
		return false
	}
	c.touch(h.now())
	return true
}

func (h *Hub) frame(e Event) []byte {
	e.Timestamp = h.now().UTC()
	b, _ := json.Marshal(e)
	return b
}

func (h *Hub) removeLocked(c *connection, reason string) {
	conns, ok := h.topics[c.topic]
	if ok {
		if _, registered := conns[c.id]; registered {
			delete(conns, c.id)
			if len(conns) == 0 {
				delete(h.topics, c.topic)
			}
			h.logger.Debug("subscriber removed", "connection_id", c.id, "topic", c.topic, "reason", reason)
		}
	}
	c.stopOnce.Do(func() { close(c.stop) })
}

type connection struct {
	id          string
	topic       string
	transport   Transport
	connectedAt time.Time
	heartbeatAt atomic.Int64

	queue    chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (c *connection) touch(t time.Time) {
	c.heartbeatAt.Store(t.UnixNano())
}

func (c *connection) lastHeartbeat() time.Time {
	return time.Unix(0, c.heartbeatAt.Load())
}

// Subscription is the handle a transport uses to leave the hub.
type Subscription struct {
	hub  *Hub
	conn *connection
}

func (s *Subscription) ID() string {
	return s.conn.id
}

func (s *Subscription) Topic() string {
	return s.conn.topic
}

func (s *Subscription) ConnectedAt() time.Time {
	return s.conn.connectedAt
}

// Done is closed once the connection task has exited and no further writes
// will reach the transport.
func (s *Subscription) Done() <-chan struct{} {
	return s.conn.done
}

func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}
