package tablelink

import (
	"context"
	"time"

	"github.com/tablelink/tablelink/services/sync/internal/reconcile"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
)

// MockOrderEntry implements OrderEntry for testing
type MockOrderEntry struct {
	CreateTicketFunc       func(ctx context.Context, req sessions.CreateTicketRequest) (*sessions.Ticket, *sessions.Session, error)
	UpdateTicketStatusFunc func(ctx context.Context, id sessions.TicketID, status string) (*sessions.Ticket, *sessions.Session, error)
	EndSessionFunc         func(ctx context.Context, id sessions.SessionID, force bool) (*sessions.EndResult, error)
}

func (m *MockOrderEntry) CreateTicket(ctx context.Context, req sessions.CreateTicketRequest) (*sessions.Ticket, *sessions.Session, error) {
	if m.CreateTicketFunc != nil {
		return m.CreateTicketFunc(ctx, req)
	}
	return &sessions.Ticket{}, &sessions.Session{}, nil
}

func (m *MockOrderEntry) UpdateTicketStatus(ctx context.Context, id sessions.TicketID, status string) (*sessions.Ticket, *sessions.Session, error) {
	if m.UpdateTicketStatusFunc != nil {
		return m.UpdateTicketStatusFunc(ctx, id, status)
	}
	return &sessions.Ticket{ID: id, Status: status}, &sessions.Session{}, nil
}

func (m *MockOrderEntry) EndSession(ctx context.Context, id sessions.SessionID, force bool) (*sessions.EndResult, error) {
	if m.EndSessionFunc != nil {
		return m.EndSessionFunc(ctx, id, force)
	}
	return &sessions.EndResult{Session: &sessions.Session{ID: id}}, nil
}

// MockReconciler implements Reconciler for testing
type MockReconciler struct {
	ReconcileFunc func(ctx context.Context, storeID string, cursor *time.Time) (*reconcile.Result, error)
}

func (m *MockReconciler) Reconcile(ctx context.Context, storeID string, cursor *time.Time) (*reconcile.Result, error) {
	if m.ReconcileFunc != nil {
		return m.ReconcileFunc(ctx, storeID, cursor)
	}
	return &reconcile.Result{Mode: reconcile.ModeSnapshot, StoreID: storeID}, nil
}
