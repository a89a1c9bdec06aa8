package events

import (
	"context"

	"github.com/appetiteclub/apt/events"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
)

// MockSubscriber implements events.Subscriber for testing
type MockSubscriber struct {
	SubscribeFunc func(ctx context.Context, topic string, handler events.HandlerFunc) error
	topic         string
	handler       events.HandlerFunc
}

func (m *MockSubscriber) Subscribe(ctx context.Context, topic string, handler events.HandlerFunc) error {
	m.topic = topic
	m.handler = handler
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(ctx, topic, handler)
	}
	return nil
}

// MockOrderEntry implements OrderEntry for testing
type MockOrderEntry struct {
	CreateTicketFunc       func(ctx context.Context, req sessions.CreateTicketRequest) (*sessions.Ticket, *sessions.Session, error)
	UpdateTicketStatusFunc func(ctx context.Context, id sessions.TicketID, status string) (*sessions.Ticket, *sessions.Session, error)
	EndSessionFunc         func(ctx context.Context, id sessions.SessionID, force bool) (*sessions.EndResult, error)

	creates  []sessions.CreateTicketRequest
	statuses []string
	ends     []sessions.SessionID
}

func (m *MockOrderEntry) CreateTicket(ctx context.Context, req sessions.CreateTicketRequest) (*sessions.Ticket, *sessions.Session, error) {
	m.creates = append(m.creates, req)
	if m.CreateTicketFunc != nil {
		return m.CreateTicketFunc(ctx, req)
	}
	return &sessions.Ticket{}, &sessions.Session{StoreID: req.StoreID, TableNumber: req.TableNumber}, nil
}

func (m *MockOrderEntry) UpdateTicketStatus(ctx context.Context, id sessions.TicketID, status string) (*sessions.Ticket, *sessions.Session, error) {
	m.statuses = append(m.statuses, status)
	if m.UpdateTicketStatusFunc != nil {
		return m.UpdateTicketStatusFunc(ctx, id, status)
	}
	return &sessions.Ticket{ID: id, Status: status}, &sessions.Session{}, nil
}

func (m *MockOrderEntry) EndSession(ctx context.Context, id sessions.SessionID, force bool) (*sessions.EndResult, error) {
	m.ends = append(m.ends, id)
	if m.EndSessionFunc != nil {
		return m.EndSessionFunc(ctx, id, force)
	}
	return &sessions.EndResult{Session: &sessions.Session{ID: id}, TableReleased: true}, nil
}
