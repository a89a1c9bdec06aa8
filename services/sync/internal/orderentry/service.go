// Package orderentry is the single entry point through which POS,
// self-service and kitchen collaborators mutate table sessions. Every
// successful mutation is followed by a table update broadcast.
package orderentry

import (
	"context"

	"github.com/appetiteclub/apt"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
)

type SessionStore interface {
	CreateTicket(ctx context.Context, req sessions.CreateTicketRequest) (*sessions.Ticket, *sessions.Session, error)
	ApplyTicketTransition(ctx context.Context, ticketID sessions.TicketID, status string) (*sessions.Ticket, *sessions.Session, error)
	EndSession(ctx context.Context, sessionID sessions.SessionID, force bool) (*sessions.EndResult, error)
}

type Announcer interface {
	PublishSessionChange(ctx context.Context, storeID string, tables ...int)
}

type Service struct {
	store     SessionStore
	announcer Announcer
	logger    apt.Logger
}

func NewService(store SessionStore, announcer Announcer, logger apt.Logger) *Service {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	return &Service{store: store, announcer: announcer, logger: logger}
}

func (s *Service) CreateTicket(ctx context.Context, req sessions.CreateTicketRequest) (*sessions.Ticket, *sessions.Session, error) {
	ticket, session, err := s.store.CreateTicket(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("ticket created",
		"store_id", session.StoreID,
		"table", session.TableNumber,
		"session_id", session.ID.String(),
		"ticket_id", ticket.ID.String(),
		"source", ticket.Source,
		"batch", ticket.BatchNumber,
	)
	s.announce(ctx, session)
	return ticket, session, nil
}

func (s *Service) UpdateTicketStatus(ctx context.Context, ticketID sessions.TicketID, status string) (*sessions.Ticket, *sessions.Session, error) {
	ticket, session, err := s.store.ApplyTicketTransition(ctx, ticketID, status)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("ticket status changed",
		"store_id", session.StoreID,
		"table", session.TableNumber,
		"ticket_id", ticket.ID.String(),
		"status", ticket.Status,
		"session_status", session.Status,
	)
	s.announce(ctx, session)
	return ticket, session, nil
}

func (s *Service) EndSession(ctx context.Context, sessionID sessions.SessionID, force bool) (*sessions.EndResult, error) {
	result, err := s.store.EndSession(ctx, sessionID, force)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session ended",
		"store_id", result.Session.StoreID,
		"table", result.Session.TableNumber,
		"session_id", result.Session.ID.String(),
		"table_released", result.TableReleased,
		"cancelled_tickets", len(result.CancelledTickets),
	)
	s.announce(ctx, result.Session)
	return result, nil
}

func (s *Service) announce(ctx context.Context, session *sessions.Session) {
	if s.announcer == nil {
		return
	}
	s.announcer.PublishSessionChange(ctx, session.StoreID, session.TableNumber)
}
