package publisher

import (
	"context"
	"errors"
	"sync"

	"github.com/appetiteclub/apt/events"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
)

type published struct {
	topic   string
	payload any
}

// MockBroadcaster records every publish call.
type MockBroadcaster struct {
	mu    sync.Mutex
	calls []published
	Err   error
}

func (m *MockBroadcaster) Publish(topic string, payload any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	m.calls = append(m.calls, published{topic: topic, payload: payload})
	return 1, nil
}

// MockEventPublisher is a test mock for events.Publisher
type MockEventPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	Err      error
}

func NewMockEventPublisher() *MockEventPublisher {
	return &MockEventPublisher{messages: make(map[string][][]byte)}
}

func (m *MockEventPublisher) Publish(ctx context.Context, topic string, data []byte) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[topic] = append(m.messages[topic], data)
	return nil
}

// MockStream is a test mock for events.StreamConsumer
type MockStream struct {
	Messages []events.StreamMessage
	Err      error
}

func (m *MockStream) Fetch(ctx context.Context, limit int) ([]events.StreamMessage, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Messages, nil
}

func (m *MockStream) SubscribeStream(ctx context.Context, handler events.HandlerFunc) error {
	return errors.New("not supported")
}

// gatedSource holds its first Snapshot call until released.
type gatedSource struct {
	SnapshotSource
	once     sync.Once
	entered  chan struct{}
	released chan struct{}
}

func newGatedSource(source SnapshotSource) *gatedSource {
	return &gatedSource{
		SnapshotSource: source,
		entered:        make(chan struct{}),
		released:       make(chan struct{}),
	}
}

func (g *gatedSource) Snapshot(storeID string) []*sessions.Session {
	first := false
	g.once.Do(func() { first = true })
	snapshot := g.SnapshotSource.Snapshot(storeID)
	if first {
		close(g.entered)
		<-g.released
	}
	return snapshot
}
