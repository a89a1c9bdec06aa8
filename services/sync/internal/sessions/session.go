package sessions

import (
	"time"

	"github.com/google/uuid"
	"github.com/tablelink/tablelink/pkg/enums/sessionstatus"
	"github.com/tablelink/tablelink/pkg/enums/ticketstatus"
)

type SessionID = uuid.UUID
type TicketID = uuid.UUID

type Item struct {
	Name        string `bson:"name" json:"name"`
	Quantity    int    `bson:"quantity" json:"quantity"`
	UnitPrice   int64  `bson:"unit_price" json:"unitPrice"`
	CookStation string `bson:"cook_station" json:"cookStation"`
}

// Amount is quantity times unit price, in minor currency units.
func (i Item) Amount() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

type Ticket struct {
	ID          TicketID  `bson:"ticket_id" json:"ticketId"`
	SessionID   SessionID `bson:"session_id" json:"sessionId"`
	Source      string    `bson:"source" json:"source"`
	BatchNumber int       `bson:"batch_number" json:"batchNumber"`
	Status      string    `bson:"status" json:"status"`
	Items       []Item    `bson:"items" json:"items"`
	CreatedAt   time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updatedAt"`
}

func (t *Ticket) status() ticketstatus.Status {
	if s := ticketstatus.ByName(t.Status); s != nil {
		return *s
	}
	return ticketstatus.Statuses.Pending
}

// IsActive reports whether the ticket can still move.
func (t *Ticket) IsActive() bool {
	return !t.status().IsTerminal()
}

// Payment is owned by the payment collaborator; sessions only carry it along.
type Payment struct {
	ID     string `bson:"id" json:"id"`
	Amount int64  `bson:"amount" json:"amount"`
	Status string `bson:"status" json:"status"`
}

type Session struct {
	ID            SessionID  `bson:"_id" json:"sessionId"`
	StoreID       string     `bson:"store_id" json:"storeId"`
	TableNumber   int        `bson:"table_number" json:"tableNumber"`
	Status        string     `bson:"status" json:"status"`
	CustomerLabel string     `bson:"customer_label" json:"customerLabel"`
	IsGuest       bool       `bson:"is_guest" json:"isGuest"`
	Tickets       []Ticket   `bson:"tickets" json:"tickets"`
	Payments      []Payment  `bson:"payments,omitempty" json:"payments,omitempty"`
	CreatedAt     time.Time  `bson:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `bson:"updated_at" json:"updatedAt"`
	EndedAt       *time.Time `bson:"ended_at,omitempty" json:"endedAt,omitempty"`

	ModelVersion int `bson:"model_version" json:"-"`
}

func (s *Session) IsClosed() bool {
	return s.Status == sessionstatus.Statuses.Closed.Code()
}

func (s *Session) ticket(id TicketID) *Ticket {
	for i := range s.Tickets {
		if s.Tickets[i].ID == id {
			return &s.Tickets[i]
		}
	}
	return nil
}

func (s *Session) nextBatch() int {
	highest := 0
	for _, t := range s.Tickets {
		if t.BatchNumber > highest {
			highest = t.BatchNumber
		}
	}
	return highest + 1
}

// refreshStatus recomputes the status of a session that has not been ended.
func (s *Session) refreshStatus() {
	if s.IsClosed() {
		return
	}
	statuses := make([]ticketstatus.Status, 0, len(s.Tickets))
	for i := range s.Tickets {
		statuses = append(statuses, s.Tickets[i].status())
	}
	s.Status = sessionstatus.Derive(statuses).Code()
}

// Clone returns a deep copy that shares nothing with s.
func (s *Session) Clone() *Session {
	c := *s
	c.Tickets = make([]Ticket, len(s.Tickets))
	for i, t := range s.Tickets {
		t.Items = append([]Item(nil), t.Items...)
		c.Tickets[i] = t
	}
	c.Payments = append([]Payment(nil), s.Payments...)
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	return &c
}
