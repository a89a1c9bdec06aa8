package event

import "time"

const (
	// SessionsTopic receives one notification per successful session mutation
	// so storage and reporting collaborators can follow table activity.
	SessionsTopic = "tablelink.sessions"

	ChangeSessionOpened       = "session.opened"
	ChangeTicketCreated       = "ticket.created"
	ChangeTicketStatusChanged = "ticket.status_changed"
	ChangeSessionClosed       = "session.closed"
)

type SessionChangedEvent struct {
	EventType   string    `json:"event_type"`
	StoreID     string    `json:"store_id"`
	SessionID   string    `json:"session_id"`
	TableNumber int       `json:"table_number"`
	TicketID    string    `json:"ticket_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}
