package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/appetiteclub/apt"
	"github.com/appetiteclub/apt/events"
	"github.com/google/uuid"
	"github.com/tablelink/tablelink/pkg/event"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
)

// OrderEntry is the write side the subscriber drives.
type OrderEntry interface {
	CreateTicket(ctx context.Context, req sessions.CreateTicketRequest) (*sessions.Ticket, *sessions.Session, error)
	UpdateTicketStatus(ctx context.Context, ticketID sessions.TicketID, status string) (*sessions.Ticket, *sessions.Session, error)
	EndSession(ctx context.Context, sessionID sessions.SessionID, force bool) (*sessions.EndResult, error)
}

// TicketSubscriber applies ticket requests coming from the order-entry
// surfaces over NATS. Malformed or rejected requests are logged and acked.
// Infrastructure failures are returned to the subscriber, which redelivers
// them when it is backed by a durable queue.
type TicketSubscriber struct {
	subscriber events.Subscriber
	entry      OrderEntry
	logger     apt.Logger
}

func NewTicketSubscriber(subscriber events.Subscriber, entry OrderEntry, logger apt.Logger) *TicketSubscriber {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	return &TicketSubscriber{
		subscriber: subscriber,
		entry:      entry,
		logger:     logger,
	}
}

func (s *TicketSubscriber) Start(ctx context.Context) error {
	s.logger.Infof("Starting TicketSubscriber for topic: %s", event.TicketsTopic)

	if err := s.subscriber.Subscribe(ctx, event.TicketsTopic, s.handleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", event.TicketsTopic, err)
	}

	s.logger.Info("TicketSubscriber started successfully")
	return nil
}

func (s *TicketSubscriber) handleEvent(ctx context.Context, msg []byte) error {
	var meta event.TicketEventMetadata
	if err := json.Unmarshal(msg, &meta); err != nil {
		s.logger.Errorf("Failed to unmarshal event: %v", err)
		return nil
	}

	switch meta.EventType {
	case event.EventTicketCreateRequested:
		var evt event.TicketCreateRequestedEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			s.logger.Errorf("Failed to unmarshal %s: %v", meta.EventType, err)
			return nil
		}
		return s.handleCreate(ctx, &evt)
	case event.EventTicketStatusRequested:
		var evt event.TicketStatusRequestedEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			s.logger.Errorf("Failed to unmarshal %s: %v", meta.EventType, err)
			return nil
		}
		return s.handleStatus(ctx, &evt)
	case event.EventSessionEndRequested:
		var evt event.SessionEndRequestedEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			s.logger.Errorf("Failed to unmarshal %s: %v", meta.EventType, err)
			return nil
		}
		return s.handleEnd(ctx, &evt)
	default:
		s.logger.Infof("Unknown event type: %s", meta.EventType)
	}

	return nil
}

func (s *TicketSubscriber) handleCreate(ctx context.Context, evt *event.TicketCreateRequestedEvent) error {
	req := sessions.CreateTicketRequest{
		StoreID:       evt.StoreID,
		TableNumber:   evt.TableNumber,
		Source:        evt.Source,
		CustomerLabel: evt.CustomerLabel,
		IsGuest:       evt.IsGuest,
		Items:         make([]sessions.Item, 0, len(evt.Items)),
	}
	if evt.SessionID != "" {
		id, err := uuid.Parse(evt.SessionID)
		if err != nil {
			s.logger.Errorf("Invalid session_id: %v", err)
			return nil
		}
		req.SessionID = id
	}
	for _, item := range evt.Items {
		req.Items = append(req.Items, sessions.Item{
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			CookStation: item.CookStation,
		})
	}

	ticket, session, err := s.entry.CreateTicket(ctx, req)
	if err != nil {
		return s.outcome(evt.EventType, evt.RequestID, err)
	}

	s.logger.Infof("Created ticket %s on session %s for table %d", ticket.ID, session.ID, session.TableNumber)
	return nil
}

func (s *TicketSubscriber) handleStatus(ctx context.Context, evt *event.TicketStatusRequestedEvent) error {
	ticketID, err := uuid.Parse(evt.TicketID)
	if err != nil {
		s.logger.Errorf("Invalid ticket_id: %v", err)
		return nil
	}

	ticket, _, err := s.entry.UpdateTicketStatus(ctx, ticketID, evt.Status)
	if err != nil {
		return s.outcome(evt.EventType, evt.RequestID, err)
	}

	s.logger.Infof("Ticket %s moved to %s", ticket.ID, ticket.Status)
	return nil
}

func (s *TicketSubscriber) handleEnd(ctx context.Context, evt *event.SessionEndRequestedEvent) error {
	sessionID, err := uuid.Parse(evt.SessionID)
	if err != nil {
		s.logger.Errorf("Invalid session_id: %v", err)
		return nil
	}

	result, err := s.entry.EndSession(ctx, sessionID, evt.Force)
	if err != nil {
		return s.outcome(evt.EventType, evt.RequestID, err)
	}

	s.logger.Infof("Ended session %s (table released: %t)", result.Session.ID, result.TableReleased)
	return nil
}

func (s *TicketSubscriber) outcome(eventType, requestID string, err error) error {
	if sessions.IsDomainError(err) {
		s.logger.Info("request rejected", "event_type", eventType, "request_id", requestID, "error", err)
		return nil
	}
	s.logger.Error("request failed", "event_type", eventType, "request_id", requestID, "error", err)
	return err
}
