package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tablelink/tablelink/pkg/event"
)

const testStore = "store-1"

func newTestStore() (*Store, *MockRepository, *recordingLog) {
	repo := NewMockRepository()
	log := &recordingLog{}
	store := NewStore(repo, log, nil)
	return store, repo, log
}

func burger(qty int) []Item {
	return []Item{{Name: "burger", Quantity: qty, UnitPrice: 1200}}
}

func mustCreate(t *testing.T, s *Store, req CreateTicketRequest) (*Ticket, *Session) {
	t.Helper()
	ticket, session, err := s.CreateTicket(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTicket() error = %v", err)
	}
	return ticket, session
}

func mustTransition(t *testing.T, s *Store, id TicketID, status string) *Session {
	t.Helper()
	_, session, err := s.ApplyTicketTransition(context.Background(), id, status)
	if err != nil {
		t.Fatalf("ApplyTicketTransition(%s) error = %v", status, err)
	}
	return session
}

func TestTableLifecycleAcrossSources(t *testing.T) {
	store, repo, _ := newTestStore()
	ctx := context.Background()

	t1, session := mustCreate(t, store, CreateTicketRequest{
		StoreID: testStore, TableNumber: 5, Source: "POS", Items: burger(2),
	})
	if session.Status != "OPEN" {
		t.Errorf("session status = %s, want OPEN", session.Status)
	}
	if t1.Status != "PENDING" {
		t.Errorf("ticket status = %s, want PENDING", t1.Status)
	}
	if session.CustomerLabel != "Table 5" {
		t.Errorf("customer label = %q, want %q", session.CustomerLabel, "Table 5")
	}

	t2, again := mustCreate(t, store, CreateTicketRequest{
		StoreID: testStore, TableNumber: 5, Source: "SELF_SERVICE",
		Items: []Item{{Name: "cola", Quantity: 1, UnitPrice: 300}},
	})
	if again.ID != session.ID {
		t.Fatalf("second ticket joined session %s, want %s", again.ID, session.ID)
	}
	if t2.BatchNumber != 2 {
		t.Errorf("second ticket batch = %d, want 2", t2.BatchNumber)
	}

	mustTransition(t, store, t1.ID, "SERVED")
	mustTransition(t, store, t2.ID, "SERVED")

	result, err := store.EndSession(ctx, session.ID, false)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if result.Session.Status != "CLOSED" {
		t.Errorf("session status = %s, want CLOSED", result.Session.Status)
	}
	if result.Session.EndedAt == nil {
		t.Error("EndedAt not set")
	}
	if !result.TableReleased {
		t.Error("TableReleased = false, want true")
	}

	saved, ok := repo.Saved(session.ID)
	if !ok || !saved.IsClosed() {
		t.Errorf("repository holds %+v, want closed session", saved)
	}
	if len(store.Snapshot(testStore)) != 0 {
		t.Error("closed session still in snapshot")
	}
}

func TestCreateTicketOpensNewSessionAfterClose(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()

	first, s1 := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 3, Source: "POS", Items: burger(1)})
	mustTransition(t, store, first.ID, "SERVED")
	if _, err := store.EndSession(ctx, s1.ID, false); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	_, s2 := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 3, Source: "POS", Items: burger(1)})
	if s2.ID == s1.ID {
		t.Error("ticket attached to closed session")
	}

	_, _, err := store.CreateTicket(ctx, CreateTicketRequest{SessionID: s1.ID, Source: "POS", Items: burger(1)})
	if !errors.Is(err, ErrTableAlreadyClosing) {
		t.Errorf("CreateTicket(closed session) error = %v, want ErrTableAlreadyClosing", err)
	}
}

func TestCreateTicketBySessionID(t *testing.T) {
	store, _, _ := newTestStore()

	_, session := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 8, Source: "POS", Items: burger(1)})
	ticket, joined := mustCreate(t, store, CreateTicketRequest{SessionID: session.ID, Source: "TLL", Items: burger(1)})

	if joined.ID != session.ID || joined.TableNumber != 8 {
		t.Errorf("joined session %s table %d, want %s table 8", joined.ID, joined.TableNumber, session.ID)
	}
	if ticket.Source != "SELF_SERVICE" {
		t.Errorf("source = %s, want SELF_SERVICE", ticket.Source)
	}

	_, _, err := store.CreateTicket(context.Background(), CreateTicketRequest{SessionID: uuid.New(), Source: "POS", Items: burger(1)})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("CreateTicket(unknown session) error = %v, want ErrSessionNotFound", err)
	}
}

func TestCreateTicketValidation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateTicketRequest
	}{
		{"unknownSource", CreateTicketRequest{StoreID: testStore, TableNumber: 1, Source: "FAX", Items: burger(1)}},
		{"noItems", CreateTicketRequest{StoreID: testStore, TableNumber: 1, Source: "POS"}},
		{"blankName", CreateTicketRequest{StoreID: testStore, TableNumber: 1, Source: "POS", Items: []Item{{Name: " ", Quantity: 1}}}},
		{"zeroQuantity", CreateTicketRequest{StoreID: testStore, TableNumber: 1, Source: "POS", Items: burger(0)}},
		{"negativePrice", CreateTicketRequest{StoreID: testStore, TableNumber: 1, Source: "POS", Items: []Item{{Name: "x", Quantity: 1, UnitPrice: -1}}}},
		{"unknownStation", CreateTicketRequest{StoreID: testStore, TableNumber: 1, Source: "POS", Items: []Item{{Name: "x", Quantity: 1, CookStation: "MOON"}}}},
		{"missingTable", CreateTicketRequest{StoreID: testStore, Source: "POS", Items: burger(1)}},
		{"missingStore", CreateTicketRequest{TableNumber: 1, Source: "POS", Items: burger(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, repo, _ := newTestStore()
			_, _, err := store.CreateTicket(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidTicket) {
				t.Errorf("CreateTicket() error = %v, want ErrInvalidTicket", err)
			}
			if repo.saves != 0 {
				t.Errorf("repository saved %d times, want 0", repo.saves)
			}
		})
	}
}

func TestCreateTicketDefaultsCookStation(t *testing.T) {
	store, _, _ := newTestStore()

	ticket, _ := mustCreate(t, store, CreateTicketRequest{
		StoreID: testStore, TableNumber: 2, Source: "POS",
		Items: []Item{{Name: "fries", Quantity: 1}, {Name: "steak", Quantity: 1, CookStation: "grill"}},
	})

	if got := ticket.Items[0].CookStation; got != "KITCHEN" {
		t.Errorf("default station = %s, want KITCHEN", got)
	}
	if got := ticket.Items[1].CookStation; got != "GRILL" {
		t.Errorf("explicit station = %s, want GRILL", got)
	}
}

func TestApplyTicketTransition(t *testing.T) {
	tests := []struct {
		name    string
		path    []string
		next    string
		wantErr error
	}{
		{"pendingToCooking", nil, "COOKING", nil},
		{"skipToServed", nil, "SERVED", nil},
		{"cancelPending", nil, "CANCELLED", nil},
		{"cancelReady", []string{"COOKING", "READY"}, "CANCELLED", nil},
		{"backwards", []string{"READY"}, "COOKING", ErrInvalidTransition},
		{"sameStatus", []string{"COOKING"}, "COOKING", ErrInvalidTransition},
		{"servedIsTerminal", []string{"SERVED"}, "COOKING", ErrInvalidTransition},
		{"cancelledIsTerminal", []string{"CANCELLED"}, "PENDING", ErrInvalidTransition},
		{"cancelServed", []string{"SERVED"}, "CANCELLED", ErrInvalidTransition},
		{"unknownStatus", nil, "BURNT", ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _, _ := newTestStore()
			ticket, _ := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 4, Source: "POS", Items: burger(1)})
			for _, step := range tt.path {
				mustTransition(t, store, ticket.ID, step)
			}

			got, _, err := store.ApplyTicketTransition(context.Background(), ticket.ID, tt.next)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ApplyTicketTransition() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got.Status != tt.next {
				t.Errorf("ticket status = %s, want %s", got.Status, tt.next)
			}
			if tt.wantErr != nil {
				current, _ := store.Ticket(ticket.ID)
				want := "PENDING"
				if len(tt.path) > 0 {
					want = tt.path[len(tt.path)-1]
				}
				if current.Status != want {
					t.Errorf("ticket status after rejection = %s, want %s", current.Status, want)
				}
			}
		})
	}
}

func TestApplyTicketTransitionUnknownTicket(t *testing.T) {
	store, _, _ := newTestStore()
	_, _, err := store.ApplyTicketTransition(context.Background(), uuid.New(), "COOKING")
	if !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("ApplyTicketTransition() error = %v, want ErrTicketNotFound", err)
	}
}

func TestSessionStatusFollowsLeastProgressedTicket(t *testing.T) {
	store, _, _ := newTestStore()

	a, _ := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 6, Source: "POS", Items: burger(1)})
	b, _ := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 6, Source: "POS", Items: burger(1)})

	steps := []struct {
		ticket TicketID
		status string
		want   string
	}{
		{a.ID, "COOKING", "OPEN"},
		{b.ID, "COOKING", "COOKING"},
		{a.ID, "READY", "COOKING"},
		{b.ID, "READY", "READY"},
		{a.ID, "SERVED", "READY"},
		{b.ID, "CANCELLED", "DONE"},
	}

	for _, step := range steps {
		session := mustTransition(t, store, step.ticket, step.status)
		if session.Status != step.want {
			t.Errorf("after %s -> %s session status = %s, want %s", step.ticket, step.status, session.Status, step.want)
		}
	}
}

func TestEndSession(t *testing.T) {
	t.Run("rejectsActiveTickets", func(t *testing.T) {
		store, _, _ := newTestStore()
		ticket, session := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 7, Source: "POS", Items: burger(1)})
		mustTransition(t, store, ticket.ID, "COOKING")

		_, err := store.EndSession(context.Background(), session.ID, false)
		if !errors.Is(err, ErrSessionHasActiveTickets) {
			t.Fatalf("EndSession() error = %v, want ErrSessionHasActiveTickets", err)
		}
		current, err := store.Session(context.Background(), session.ID)
		if err != nil {
			t.Fatalf("Session() error = %v", err)
		}
		if current.IsClosed() {
			t.Error("session closed despite rejection")
		}
	})

	t.Run("forceCancelsActiveTickets", func(t *testing.T) {
		store, _, _ := newTestStore()
		active, session := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 7, Source: "POS", Items: burger(1)})
		served, _ := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 7, Source: "POS", Items: burger(1)})
		mustTransition(t, store, served.ID, "SERVED")

		result, err := store.EndSession(context.Background(), session.ID, true)
		if err != nil {
			t.Fatalf("EndSession(force) error = %v", err)
		}
		if len(result.CancelledTickets) != 1 || result.CancelledTickets[0] != active.ID {
			t.Errorf("CancelledTickets = %v, want [%s]", result.CancelledTickets, active.ID)
		}
		got, _ := store.Ticket(active.ID)
		if got.Status != "CANCELLED" {
			t.Errorf("active ticket status = %s, want CANCELLED", got.Status)
		}
		got, _ = store.Ticket(served.ID)
		if got.Status != "SERVED" {
			t.Errorf("served ticket status = %s, want SERVED", got.Status)
		}
	})

	t.Run("alreadyClosed", func(t *testing.T) {
		store, _, _ := newTestStore()
		_, session := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 7, Source: "POS", Items: burger(1)})
		if _, err := store.EndSession(context.Background(), session.ID, true); err != nil {
			t.Fatalf("EndSession() error = %v", err)
		}
		_, err := store.EndSession(context.Background(), session.ID, true)
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("second EndSession() error = %v, want ErrSessionClosed", err)
		}
	})

	t.Run("unknownSession", func(t *testing.T) {
		store, _, _ := newTestStore()
		_, err := store.EndSession(context.Background(), uuid.New(), false)
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("EndSession() error = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("closedTicketsRejectTransitions", func(t *testing.T) {
		store, _, _ := newTestStore()
		ticket, session := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 7, Source: "POS", Items: burger(1)})
		if _, err := store.EndSession(context.Background(), session.ID, true); err != nil {
			t.Fatalf("EndSession() error = %v", err)
		}
		_, _, err := store.ApplyTicketTransition(context.Background(), ticket.ID, "COOKING")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("ApplyTicketTransition() error = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestDuplicateOpenSessions(t *testing.T) {
	older := &Session{ID: uuid.New(), StoreID: testStore, TableNumber: 9, Status: "OPEN", CreatedAt: time.Now().Add(-time.Hour)}
	newer := &Session{ID: uuid.New(), StoreID: testStore, TableNumber: 9, Status: "OPEN", CreatedAt: time.Now().Add(-time.Minute)}

	repo := NewMockRepository()
	repo.ListOpenFunc = func(ctx context.Context) ([]*Session, error) {
		return []*Session{newer, older}, nil
	}
	store := NewStore(repo, nil, nil)
	if err := store.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}

	_, session := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 9, Source: "POS", Items: burger(1)})
	if session.ID != older.ID {
		t.Errorf("ticket joined %s, want oldest session %s", session.ID, older.ID)
	}

	result, err := store.EndSession(context.Background(), older.ID, true)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if result.TableReleased {
		t.Error("TableReleased = true while another session is open")
	}

	result, err = store.EndSession(context.Background(), newer.ID, false)
	if err != nil {
		t.Fatalf("EndSession(newer) error = %v", err)
	}
	if !result.TableReleased {
		t.Error("TableReleased = false after last session closed")
	}
}

func TestConcurrentCreateTicketSameTable(t *testing.T) {
	store, _, _ := newTestStore()
	const writers = 20

	var wg sync.WaitGroup
	sessionIDs := make([]SessionID, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := "POS"
			if i%2 == 0 {
				source = "SELF_SERVICE"
			}
			_, session, err := store.CreateTicket(context.Background(), CreateTicketRequest{
				StoreID: testStore, TableNumber: 11, Source: source, Items: burger(1),
			})
			if err != nil {
				t.Errorf("CreateTicket() error = %v", err)
				return
			}
			sessionIDs[i] = session.ID
		}(i)
	}
	wg.Wait()

	snapshot := store.Snapshot(testStore)
	if len(snapshot) != 1 {
		t.Fatalf("open sessions = %d, want 1", len(snapshot))
	}
	for i, id := range sessionIDs {
		if id != snapshot[0].ID {
			t.Errorf("writer %d joined %s, want %s", i, id, snapshot[0].ID)
		}
	}

	seen := make(map[int]bool)
	for _, ticket := range snapshot[0].Tickets {
		if seen[ticket.BatchNumber] {
			t.Errorf("batch number %d assigned twice", ticket.BatchNumber)
		}
		seen[ticket.BatchNumber] = true
	}
	for b := 1; b <= writers; b++ {
		if !seen[b] {
			t.Errorf("batch number %d missing", b)
		}
	}
}

func TestMutationsAppendChanges(t *testing.T) {
	store, _, log := newTestStore()
	fixed := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	ticket, session := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 5, Source: "POS", Items: burger(1)})
	mustTransition(t, store, ticket.ID, "SERVED")
	if _, err := store.EndSession(context.Background(), session.ID, false); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	changes := log.All()
	want := []string{
		event.ChangeSessionOpened,
		event.ChangeTicketCreated,
		event.ChangeTicketStatusChanged,
		event.ChangeSessionClosed,
	}
	if len(changes) != len(want) {
		t.Fatalf("recorded %d changes, want %d", len(changes), len(want))
	}
	for i, c := range changes {
		if c.ChangeType != want[i] {
			t.Errorf("change[%d] = %s, want %s", i, c.ChangeType, want[i])
		}
		if c.SessionID != session.ID.String() || c.TableNumber != 5 || c.StoreID != testStore {
			t.Errorf("change[%d] = %+v, want session %s table 5", i, c, session.ID)
		}
		if i > 0 && !c.ChangedAt.After(changes[i-1].ChangedAt) {
			t.Errorf("change[%d] at %v not after %v", i, c.ChangedAt, changes[i-1].ChangedAt)
		}
	}
	if changes[2].TicketID != ticket.ID.String() || changes[2].Status != "SERVED" {
		t.Errorf("status change = %+v, want ticket %s SERVED", changes[2], ticket.ID)
	}
}

func TestSaveFailureLeavesStateUntouched(t *testing.T) {
	store, repo, log := newTestStore()
	ticket, _ := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 5, Source: "POS", Items: burger(1)})

	repo.SaveFunc = func(ctx context.Context, s *Session) error {
		return errors.New("connection refused")
	}
	before := len(log.All())

	if _, _, err := store.ApplyTicketTransition(context.Background(), ticket.ID, "COOKING"); err == nil {
		t.Fatal("ApplyTicketTransition() error = nil, want save failure")
	}
	got, _ := store.Ticket(ticket.ID)
	if got.Status != "PENDING" {
		t.Errorf("ticket status = %s, want PENDING", got.Status)
	}
	if len(log.All()) != before {
		t.Error("change recorded for failed mutation")
	}
}

func TestChangeLogFailureDoesNotFailMutation(t *testing.T) {
	store, _, log := newTestStore()
	log.AppendErr = errors.New("redis down")

	if _, _, err := store.CreateTicket(context.Background(), CreateTicketRequest{StoreID: testStore, TableNumber: 5, Source: "POS", Items: burger(1)}); err != nil {
		t.Fatalf("CreateTicket() error = %v, want nil", err)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	store, _, _ := newTestStore()
	ticket, _ := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: 5, Source: "POS", Items: burger(1)})
	mustCreate(t, store, CreateTicketRequest{StoreID: "store-2", TableNumber: 5, Source: "POS", Items: burger(1)})

	snapshot := store.Snapshot(testStore)
	if len(snapshot) != 1 {
		t.Fatalf("Snapshot() = %d sessions, want 1", len(snapshot))
	}
	snapshot[0].Tickets[0].Status = "SERVED"
	snapshot[0].Tickets[0].Items[0].Quantity = 99

	got, _ := store.Ticket(ticket.ID)
	if got.Status != "PENDING" || got.Items[0].Quantity != 1 {
		t.Errorf("store mutated through snapshot: %+v", got)
	}
}

func TestWarmRestoresOpenSessions(t *testing.T) {
	repo := NewMockRepository()
	first := NewStore(repo, nil, nil)
	open, openSession := mustCreate(t, first, CreateTicketRequest{StoreID: testStore, TableNumber: 5, Source: "POS", Items: burger(1)})
	_, closed := mustCreate(t, first, CreateTicketRequest{StoreID: testStore, TableNumber: 6, Source: "POS", Items: burger(1)})
	if _, err := first.EndSession(context.Background(), closed.ID, true); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	restarted := NewStore(repo, nil, nil)
	if err := restarted.Warm(context.Background()); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}

	if _, ok := restarted.Ticket(open.ID); !ok {
		t.Error("open ticket not restored")
	}
	for _, live := range restarted.Snapshot(testStore) {
		if live.ID == closed.ID {
			t.Error("closed session restored")
		}
	}
	fromRepo, err := restarted.Session(context.Background(), closed.ID)
	if err != nil {
		t.Fatalf("Session() of closed session error = %v", err)
	}
	if !fromRepo.IsClosed() {
		t.Errorf("closed session status = %s, want CLOSED", fromRepo.Status)
	}
	if _, err := restarted.Session(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Session(unknown) error = %v, want ErrSessionNotFound", err)
	}

	_, session := mustCreate(t, restarted, CreateTicketRequest{StoreID: testStore, TableNumber: 5, Source: "SELF_SERVICE", Items: burger(2)})
	if session.ID != openSession.ID {
		t.Errorf("CreateTicket() session = %s, want restored session %s", session.ID, openSession.ID)
	}
}

func TestWarmFailure(t *testing.T) {
	repo := NewMockRepository()
	repo.ListOpenFunc = func(ctx context.Context) ([]*Session, error) {
		return nil, errors.New("connection refused")
	}
	if err := NewStore(repo, nil, nil).Warm(context.Background()); err == nil {
		t.Error("Warm() error = nil, want repository failure")
	}
	if err := NewStore(nil, nil, nil).Warm(context.Background()); err != nil {
		t.Errorf("Warm() without repository error = %v, want nil", err)
	}
}

func TestTableLocksAreReleased(t *testing.T) {
	store, _, _ := newTestStore()
	for table := 1; table <= 20; table++ {
		_, session := mustCreate(t, store, CreateTicketRequest{StoreID: testStore, TableNumber: table, Source: "POS", Items: burger(1)})
		if _, err := store.EndSession(context.Background(), session.ID, true); err != nil {
			t.Fatalf("EndSession() error = %v", err)
		}
	}
	if n := store.tables.Len(); n != 0 {
		t.Errorf("table locks tracked = %d, want 0", n)
	}
}
