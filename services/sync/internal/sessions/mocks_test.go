package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/tablelink/tablelink/services/sync/internal/changelog"
)

// MockRepository is a test mock for Repository
type MockRepository struct {
	mu           sync.Mutex
	saved        map[SessionID]*Session
	saves        int
	SaveFunc     func(ctx context.Context, s *Session) error
	ListOpenFunc func(ctx context.Context) ([]*Session, error)
}

func NewMockRepository() *MockRepository {
	return &MockRepository{saved: make(map[SessionID]*Session)}
}

func (m *MockRepository) Save(ctx context.Context, s *Session) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[s.ID] = s.Clone()
	m.saves++
	return nil
}

func (m *MockRepository) FindByID(ctx context.Context, id SessionID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.saved[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MockRepository) ListOpen(ctx context.Context) ([]*Session, error) {
	if m.ListOpenFunc != nil {
		return m.ListOpenFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []*Session
	for _, s := range m.saved {
		if !s.IsClosed() {
			open = append(open, s.Clone())
		}
	}
	return open, nil
}

func (m *MockRepository) Saved(id SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.saved[id]
	return s, ok
}

// recordingLog keeps every appended change in order.
type recordingLog struct {
	mu        sync.Mutex
	changes   []changelog.Change
	AppendErr error
}

func (r *recordingLog) Append(ctx context.Context, change changelog.Change) error {
	if r.AppendErr != nil {
		return r.AppendErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	return nil
}

func (r *recordingLog) Since(ctx context.Context, storeID string, cursor time.Time) ([]changelog.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []changelog.Change
	for _, c := range r.changes {
		if c.StoreID == storeID && c.ChangedAt.After(cursor) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *recordingLog) Head(ctx context.Context, storeID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var head time.Time
	for _, c := range r.changes {
		if c.StoreID == storeID {
			head = c.ChangedAt
		}
	}
	return head, nil
}

func (r *recordingLog) All() []changelog.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]changelog.Change(nil), r.changes...)
}
