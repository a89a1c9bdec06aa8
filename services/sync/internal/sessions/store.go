package sessions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/google/uuid"
	"github.com/tablelink/tablelink/pkg/enums/sessionstatus"
	"github.com/tablelink/tablelink/pkg/enums/station"
	"github.com/tablelink/tablelink/pkg/enums/ticketsource"
	"github.com/tablelink/tablelink/pkg/enums/ticketstatus"
	"github.com/tablelink/tablelink/pkg/event"
	"github.com/tablelink/tablelink/services/sync/internal/changelog"
	"github.com/tablelink/tablelink/services/sync/internal/keylock"
)

// closedRetention is how long an ended session stays addressable in memory.
const closedRetention = time.Hour

type CreateTicketRequest struct {
	StoreID     string
	TableNumber int
	// SessionID targets an existing session. When uuid.Nil the open session of
	// the table is used, or a new one is started.
	SessionID     SessionID
	Source        string
	CustomerLabel string
	IsGuest       bool
	Items         []Item
}

type EndResult struct {
	Session          *Session
	TableReleased    bool
	CancelledTickets []TicketID
}

// Store owns the live sessions of every store served by this process. All
// mutations go through its methods and are serialized per table.
type Store struct {
	mu       sync.RWMutex
	sessions map[SessionID]*Session
	tickets  map[TicketID]SessionID

	tables *keylock.Locks

	// commitMu orders state swaps and change log appends so that change
	// timestamps and visibility advance together.
	commitMu  sync.Mutex
	lastStamp map[string]time.Time

	repo    Repository
	changes changelog.Log
	logger  apt.Logger
	now     func() time.Time
}

// NewStore creates a session store. repo and changes may be nil.
func NewStore(repo Repository, changes changelog.Log, logger apt.Logger) *Store {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	return &Store{
		sessions:  make(map[SessionID]*Session),
		tickets:   make(map[TicketID]SessionID),
		tables:    keylock.New(),
		lastStamp: make(map[string]time.Time),
		repo:      repo,
		changes:   changes,
		logger:    logger,
		now:       time.Now,
	}
}

// Warm loads the sessions that were still open when the process stopped.
func (s *Store) Warm(ctx context.Context) error {
	if s.repo == nil {
		s.logger.Info("session repository not configured, store starts empty")
		return nil
	}

	open, err := s.repo.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("cannot load open sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range open {
		s.putLocked(session)
	}

	s.logger.Info("session store warmed", "sessions", len(open))
	return nil
}

// CreateTicket attaches a new ticket to the open session of a table, starting
// the session when the table has none.
func (s *Store) CreateTicket(ctx context.Context, req CreateTicketRequest) (*Ticket, *Session, error) {
	source, items, err := validateCreate(req)
	if err != nil {
		return nil, nil, err
	}

	storeID, tableNumber := req.StoreID, req.TableNumber
	if req.SessionID != uuid.Nil {
		target, ok := s.get(req.SessionID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
		}
		storeID, tableNumber = target.StoreID, target.TableNumber
	}
	if storeID == "" || tableNumber <= 0 {
		return nil, nil, fmt.Errorf("%w: store and table are required", ErrInvalidTicket)
	}

	unlock := s.tables.Lock(tableKey(storeID, tableNumber))
	defer unlock()

	var current *Session
	if req.SessionID != uuid.Nil {
		target, ok := s.get(req.SessionID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
		}
		if target.IsClosed() {
			return nil, nil, fmt.Errorf("%w: %s", ErrTableAlreadyClosing, target.ID)
		}
		current = target
	} else {
		current = s.openSessionForTable(storeID, tableNumber)
	}

	now := s.now()
	var next *Session
	var kinds []string
	if current == nil {
		label := strings.TrimSpace(req.CustomerLabel)
		if label == "" {
			label = fmt.Sprintf("Table %d", tableNumber)
		}
		next = &Session{
			ID:            uuid.New(),
			StoreID:       storeID,
			TableNumber:   tableNumber,
			Status:        sessionstatus.Statuses.Open.Code(),
			CustomerLabel: label,
			IsGuest:       req.IsGuest,
			CreatedAt:     now,
			ModelVersion:  1,
		}
		kinds = append(kinds, event.ChangeSessionOpened)
	} else {
		next = current.Clone()
	}

	ticket := Ticket{
		ID:          uuid.New(),
		SessionID:   next.ID,
		Source:      source.Code(),
		BatchNumber: next.nextBatch(),
		Status:      ticketstatus.Statuses.Pending.Code(),
		Items:       items,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	next.Tickets = append(next.Tickets, ticket)
	next.UpdatedAt = now
	next.refreshStatus()
	kinds = append(kinds, event.ChangeTicketCreated)

	if err := s.commit(ctx, next, ticket.ID, kinds...); err != nil {
		return nil, nil, err
	}

	out := next.Clone()
	return out.ticket(ticket.ID), out, nil
}

// ApplyTicketTransition moves a ticket to the requested status and recomputes
// the status of its session.
func (s *Store) ApplyTicketTransition(ctx context.Context, ticketID TicketID, status string) (*Ticket, *Session, error) {
	to := ticketstatus.ByName(status)
	if to == nil {
		return nil, nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	session, ok := s.sessionOfTicket(ticketID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}

	unlock := s.tables.Lock(tableKey(session.StoreID, session.TableNumber))
	defer unlock()

	// Re-read under the table lock; a concurrent writer may have replaced it.
	session, ok = s.sessionOfTicket(ticketID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}

	next := session.Clone()
	ticket := next.ticket(ticketID)
	from := ticket.status()
	if !ticketstatus.CanTransition(from, *to) {
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from.Code(), to.Code())
	}

	now := s.now()
	ticket.Status = to.Code()
	ticket.UpdatedAt = now
	next.UpdatedAt = now
	next.refreshStatus()

	if err := s.commit(ctx, next, ticketID, event.ChangeTicketStatusChanged); err != nil {
		return nil, nil, err
	}

	out := next.Clone()
	return out.ticket(ticketID), out, nil
}

// EndSession closes a session. With force, tickets still in progress are
// cancelled as part of the same operation.
func (s *Store) EndSession(ctx context.Context, sessionID SessionID, force bool) (*EndResult, error) {
	session, ok := s.get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	unlock := s.tables.Lock(tableKey(session.StoreID, session.TableNumber))
	defer unlock()

	session, ok = s.get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.IsClosed() {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}

	next := session.Clone()
	now := s.now()

	var cancelled []TicketID
	for i := range next.Tickets {
		t := &next.Tickets[i]
		if !t.IsActive() {
			continue
		}
		if !force {
			return nil, fmt.Errorf("%w: ticket %s is %s", ErrSessionHasActiveTickets, t.ID, t.Status)
		}
		t.Status = ticketstatus.Statuses.Cancelled.Code()
		t.UpdatedAt = now
		cancelled = append(cancelled, t.ID)
	}

	next.Status = sessionstatus.Statuses.Closed.Code()
	next.EndedAt = &now
	next.UpdatedAt = now

	if err := s.commit(ctx, next, uuid.Nil, event.ChangeSessionClosed); err != nil {
		return nil, err
	}

	released := true
	if others := s.openSessions(next.StoreID, next.TableNumber); len(others) > 0 {
		released = false
		ids := make([]string, 0, len(others))
		for _, o := range others {
			ids = append(ids, o.ID.String())
		}
		s.logger.Error("table still has open sessions after close",
			"store_id", next.StoreID,
			"table", next.TableNumber,
			"closed_session", next.ID.String(),
			"open_sessions", strings.Join(ids, ","),
		)
	}

	s.evictClosed(now)

	return &EndResult{
		Session:          next.Clone(),
		TableReleased:    released,
		CancelledTickets: cancelled,
	}, nil
}

// Snapshot returns copies of the open sessions of a store.
func (s *Store) Snapshot(storeID string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, session := range s.sessions {
		if session.StoreID != storeID || session.IsClosed() {
			continue
		}
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Session returns a copy of a session. Sessions no longer held in memory are
// read from the repository.
func (s *Store) Session(ctx context.Context, id SessionID) (*Session, error) {
	if session, ok := s.get(id); ok {
		return session.Clone(), nil
	}
	if s.repo == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Ticket returns a copy of a ticket of a session held in memory.
func (s *Store) Ticket(id TicketID) (*Ticket, bool) {
	session, ok := s.sessionOfTicket(id)
	if !ok {
		return nil, false
	}
	return session.Clone().ticket(id), true
}

// commit persists next, makes it visible and records one change per kind.
func (s *Store) commit(ctx context.Context, next *Session, ticketID TicketID, kinds ...string) error {
	if s.repo != nil {
		if err := s.repo.Save(ctx, next); err != nil {
			return fmt.Errorf("cannot save session: %w", err)
		}
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	s.putLocked(next)
	s.mu.Unlock()

	if s.changes == nil {
		return nil
	}

	for _, kind := range kinds {
		change := changelog.Change{
			StoreID:     next.StoreID,
			SessionID:   next.ID.String(),
			TableNumber: next.TableNumber,
			ChangeType:  kind,
			Status:      next.Status,
			ChangedAt:   s.stampLocked(next.StoreID),
		}
		if ticketID != uuid.Nil && kind != event.ChangeSessionOpened {
			change.TicketID = ticketID.String()
			if t := next.ticket(ticketID); t != nil {
				change.Status = t.Status
			}
		}
		// The mutation already happened; a lost entry only forces a snapshot.
		if err := s.changes.Append(ctx, change); err != nil {
			s.logger.Error("cannot append change", "store_id", next.StoreID, "change", kind, "error", err)
		}
	}
	return nil
}

// stampLocked returns a change timestamp strictly after the previous one of
// the same store.
func (s *Store) stampLocked(storeID string) time.Time {
	stamp := s.now().UTC()
	if last, ok := s.lastStamp[storeID]; ok && !stamp.After(last) {
		stamp = last.Add(time.Nanosecond)
	}
	s.lastStamp[storeID] = stamp
	return stamp
}

func (s *Store) putLocked(session *Session) {
	s.sessions[session.ID] = session
	for _, t := range session.Tickets {
		s.tickets[t.ID] = session.ID
	}
}

func (s *Store) get(id SessionID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

func (s *Store) sessionOfTicket(id TicketID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessionID, ok := s.tickets[id]
	if !ok {
		return nil, false
	}
	session, ok := s.sessions[sessionID]
	return session, ok
}

// openSessions lists the non-closed sessions of a table, oldest first.
func (s *Store) openSessions(storeID string, tableNumber int) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []*Session
	for _, session := range s.sessions {
		if session.StoreID == storeID && session.TableNumber == tableNumber && !session.IsClosed() {
			open = append(open, session)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	return open
}

// openSessionForTable picks the session new tickets attach to. More than one
// open session on a table is an anomaly; the oldest one keeps receiving tickets.
func (s *Store) openSessionForTable(storeID string, tableNumber int) *Session {
	open := s.openSessions(storeID, tableNumber)
	if len(open) == 0 {
		return nil
	}
	if len(open) > 1 {
		s.logger.Error("duplicate open sessions on table",
			"store_id", storeID,
			"table", tableNumber,
			"sessions", len(open),
			"using", open[0].ID.String(),
		)
	}
	return open[0]
}

func (s *Store) evictClosed(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, session := range s.sessions {
		if !session.IsClosed() || session.EndedAt == nil {
			continue
		}
		if now.Sub(*session.EndedAt) < closedRetention {
			continue
		}
		for _, t := range session.Tickets {
			delete(s.tickets, t.ID)
		}
		delete(s.sessions, id)
	}
}

func validateCreate(req CreateTicketRequest) (ticketsource.Source, []Item, error) {
	source := ticketsource.ByName(req.Source)
	if source == nil {
		return ticketsource.Source{}, nil, fmt.Errorf("%w: unknown source %q", ErrInvalidTicket, req.Source)
	}
	if len(req.Items) == 0 {
		return ticketsource.Source{}, nil, fmt.Errorf("%w: at least one item is required", ErrInvalidTicket)
	}

	items := make([]Item, 0, len(req.Items))
	for i, item := range req.Items {
		item.Name = strings.TrimSpace(item.Name)
		if item.Name == "" {
			return ticketsource.Source{}, nil, fmt.Errorf("%w: item %d has no name", ErrInvalidTicket, i)
		}
		if item.Quantity < 1 {
			return ticketsource.Source{}, nil, fmt.Errorf("%w: item %q quantity must be at least 1", ErrInvalidTicket, item.Name)
		}
		if item.UnitPrice < 0 {
			return ticketsource.Source{}, nil, fmt.Errorf("%w: item %q has a negative price", ErrInvalidTicket, item.Name)
		}
		st := station.Default
		if item.CookStation != "" {
			found := station.ByName(item.CookStation)
			if found == nil {
				return ticketsource.Source{}, nil, fmt.Errorf("%w: item %q has unknown cook station %q", ErrInvalidTicket, item.Name, item.CookStation)
			}
			st = *found
		}
		item.CookStation = st.Code()
		items = append(items, item)
	}
	return *source, items, nil
}

func tableKey(storeID string, tableNumber int) string {
	return fmt.Sprintf("%s/%d", storeID, tableNumber)
}
