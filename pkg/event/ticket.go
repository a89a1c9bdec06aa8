package event

import "time"

const (
	// TicketsTopic carries requests from the order-entry surfaces (POS,
	// self-service, KDS) that mutate table sessions.
	TicketsTopic = "tablelink.tickets"

	EventTicketCreateRequested = "ticket.create.requested"
	EventTicketStatusRequested = "ticket.status.requested"
	EventSessionEndRequested   = "session.end.requested"
)

type TicketEventMetadata struct {
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	StoreID    string    `json:"store_id"`
	RequestID  string    `json:"request_id,omitempty"`
}

type TicketItem struct {
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	CookStation string `json:"cook_station,omitempty"`
}

// TicketCreateRequestedEvent asks for a new ticket on a table. SessionID is
// optional; without it the open session of the table is used or created.
type TicketCreateRequestedEvent struct {
	TicketEventMetadata
	TableNumber   int          `json:"table_number"`
	SessionID     string       `json:"session_id,omitempty"`
	Source        string       `json:"source"`
	CustomerLabel string       `json:"customer_label,omitempty"`
	IsGuest       bool         `json:"is_guest,omitempty"`
	Items         []TicketItem `json:"items"`
}

type TicketStatusRequestedEvent struct {
	TicketEventMetadata
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
}

type SessionEndRequestedEvent struct {
	TicketEventMetadata
	SessionID string `json:"session_id"`
	Force     bool   `json:"force,omitempty"`
}
