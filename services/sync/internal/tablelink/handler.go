package tablelink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/appetiteclub/apt/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tablelink/tablelink/services/sync/internal/hub"
	"github.com/tablelink/tablelink/services/sync/internal/occupancy"
	"github.com/tablelink/tablelink/services/sync/internal/reconcile"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
)

const MaxBodyBytes = 1 << 20

const DefaultWriteTimeout = 10 * time.Second

// retryAfterSeconds is sent with 503 when a store topic is full.
const retryAfterSeconds = "5"

type OrderEntry interface {
	CreateTicket(ctx context.Context, req sessions.CreateTicketRequest) (*sessions.Ticket, *sessions.Session, error)
	UpdateTicketStatus(ctx context.Context, ticketID sessions.TicketID, status string) (*sessions.Ticket, *sessions.Session, error)
	EndSession(ctx context.Context, sessionID sessions.SessionID, force bool) (*sessions.EndResult, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, storeID string, cursor *time.Time) (*reconcile.Result, error)
}

type SessionReader interface {
	Snapshot(storeID string) []*sessions.Session
	Session(ctx context.Context, id sessions.SessionID) (*sessions.Session, error)
	Ticket(id sessions.TicketID) (*sessions.Ticket, bool)
}

type Broadcaster interface {
	Subscribe(topic string, transport hub.Transport) (*hub.Subscription, error)
	Unsubscribe(sub *hub.Subscription)
	Stats() hub.Stats
}

type HandlerDeps struct {
	OrderEntry   OrderEntry
	Reconciler   Reconciler
	Sessions     SessionReader
	Hub          Broadcaster
	WriteTimeout time.Duration
	// Topic maps a store to its broadcast topic.
	Topic func(storeID string) string
}

type Handler struct {
	entry        OrderEntry
	reconciler   Reconciler
	sessions     SessionReader
	hub          Broadcaster
	topic        func(string) string
	writeTimeout time.Duration
	logger       apt.Logger
	tlm          *telemetry.HTTP
}

func NewHandler(deps HandlerDeps, logger apt.Logger) *Handler {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = DefaultWriteTimeout
	}
	if deps.Topic == nil {
		deps.Topic = func(storeID string) string { return storeID }
	}
	return &Handler{
		entry:        deps.OrderEntry,
		reconciler:   deps.Reconciler,
		sessions:     deps.Sessions,
		hub:          deps.Hub,
		topic:        deps.Topic,
		writeTimeout: deps.WriteTimeout,
		logger:       logger,
		tlm:          telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/stores/{storeID}", func(r chi.Router) {
		r.Get("/stream", h.Stream)
		r.Get("/changes", h.Changes)
		r.Get("/tables", h.Tables)
		r.Post("/tables/{tableNumber}/tickets", h.CreateTicket)
	})

	r.Get("/tickets/{ticketID}", h.GetTicket)
	r.Patch("/tickets/{ticketID}/status", h.UpdateTicketStatus)
	r.Get("/sessions/{sessionID}", h.GetSession)
	r.Post("/sessions/{sessionID}/end", h.EndSession)
	r.Get("/hub/stats", h.HubStats)
}

func (h *Handler) log(r *http.Request) apt.Logger {
	return h.logger.With("request_id", apt.RequestIDFrom(r.Context()))
}

// Changes answers a reconciliation query. Without updatedSince, or when the
// cursor is too old, the response is a full snapshot.
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.Changes")
	defer finish()

	log := h.log(r)
	storeID := chi.URLParam(r, "storeID")

	var cursor *time.Time
	if raw := r.URL.Query().Get("updatedSince"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			log.Debug("invalid updatedSince", "value", raw)
			apt.RespondError(w, http.StatusBadRequest, "updatedSince must be an RFC3339 timestamp")
			return
		}
		cursor = &t
	}

	result, err := h.reconciler.Reconcile(r.Context(), storeID, cursor)
	if err != nil {
		log.Error("cannot reconcile", "store_id", storeID, "error", err)
		apt.RespondError(w, http.StatusInternalServerError, "Could not read changes")
		return
	}

	apt.RespondSuccess(w, result)
}

func (h *Handler) Tables(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.Tables")
	defer finish()

	log := h.log(r)
	storeID := chi.URLParam(r, "storeID")

	var tables []int
	for _, raw := range r.URL.Query()["table"] {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			log.Debug("invalid table filter", "value", raw)
			apt.RespondError(w, http.StatusBadRequest, "table must be a positive integer")
			return
		}
		tables = append(tables, n)
	}

	apt.RespondSuccess(w, occupancy.Build(h.sessions.Snapshot(storeID), tables...))
}

type CreateTicketRequest struct {
	SessionID     string             `json:"sessionId,omitempty"`
	Source        string             `json:"source"`
	CustomerLabel string             `json:"customerLabel,omitempty"`
	IsGuest       bool               `json:"isGuest,omitempty"`
	Items         []CreateTicketItem `json:"items"`
}

type CreateTicketItem struct {
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	CookStation string `json:"cookStation,omitempty"`
}

type TicketResponse struct {
	Ticket  *sessions.Ticket  `json:"ticket"`
	Session *sessions.Session `json:"session"`
}

func (h *Handler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CreateTicket")
	defer finish()

	log := h.log(r)
	storeID := chi.URLParam(r, "storeID")

	tableNumber, err := strconv.Atoi(chi.URLParam(r, "tableNumber"))
	if err != nil || tableNumber < 1 {
		log.Debug("invalid table number", "value", chi.URLParam(r, "tableNumber"))
		apt.RespondError(w, http.StatusBadRequest, "Invalid table number")
		return
	}

	var body CreateTicketRequest
	if !h.decode(w, r, log, &body) {
		return
	}

	req := sessions.CreateTicketRequest{
		StoreID:       storeID,
		TableNumber:   tableNumber,
		Source:        body.Source,
		CustomerLabel: body.CustomerLabel,
		IsGuest:       body.IsGuest,
		Items:         make([]sessions.Item, 0, len(body.Items)),
	}
	if body.SessionID != "" {
		id, err := uuid.Parse(body.SessionID)
		if err != nil {
			log.Debug("invalid session id", "value", body.SessionID)
			apt.RespondError(w, http.StatusBadRequest, "Invalid sessionId")
			return
		}
		req.SessionID = id
	}
	for _, item := range body.Items {
		req.Items = append(req.Items, sessions.Item{
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			CookStation: item.CookStation,
		})
	}

	ticket, session, err := h.entry.CreateTicket(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, log, "cannot create ticket", err)
		return
	}

	apt.Respond(w, http.StatusCreated, TicketResponse{Ticket: ticket, Session: session}, nil)
}

// GetTicket returns a ticket of a live session together with that session.
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetTicket")
	defer finish()

	log := h.log(r)

	ticketID, ok := h.parseUUIDParam(w, r, log, "ticketID")
	if !ok {
		return
	}

	ticket, found := h.sessions.Ticket(ticketID)
	if !found {
		apt.RespondError(w, http.StatusNotFound, "Ticket not found")
		return
	}

	session, err := h.sessions.Session(r.Context(), ticket.SessionID)
	if err != nil {
		h.respondDomainError(w, log, "cannot read ticket session", err)
		return
	}

	apt.RespondSuccess(w, TicketResponse{Ticket: ticket, Session: session})
}

// GetSession returns a session with its tickets, including sessions that
// were already closed.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetSession")
	defer finish()

	log := h.log(r)

	sessionID, ok := h.parseUUIDParam(w, r, log, "sessionID")
	if !ok {
		return
	}

	session, err := h.sessions.Session(r.Context(), sessionID)
	if err != nil {
		h.respondDomainError(w, log, "cannot read session", err)
		return
	}

	apt.RespondSuccess(w, session)
}

type StatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) UpdateTicketStatus(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.UpdateTicketStatus")
	defer finish()

	log := h.log(r)

	ticketID, ok := h.parseUUIDParam(w, r, log, "ticketID")
	if !ok {
		return
	}

	var body StatusRequest
	if !h.decode(w, r, log, &body) {
		return
	}
	if body.Status == "" {
		apt.RespondError(w, http.StatusBadRequest, "status is required")
		return
	}

	ticket, session, err := h.entry.UpdateTicketStatus(r.Context(), ticketID, body.Status)
	if err != nil {
		h.respondDomainError(w, log, "cannot update ticket status", err)
		return
	}

	apt.RespondSuccess(w, TicketResponse{Ticket: ticket, Session: session})
}

type EndSessionResponse struct {
	Session          *sessions.Session   `json:"session"`
	TableReleased    bool                `json:"tableReleased"`
	CancelledTickets []sessions.TicketID `json:"cancelledTickets"`
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.EndSession")
	defer finish()

	log := h.log(r)

	sessionID, ok := h.parseUUIDParam(w, r, log, "sessionID")
	if !ok {
		return
	}

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			apt.RespondError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = v
	}

	result, err := h.entry.EndSession(r.Context(), sessionID, force)
	if err != nil {
		h.respondDomainError(w, log, "cannot end session", err)
		return
	}

	cancelled := result.CancelledTickets
	if cancelled == nil {
		cancelled = []sessions.TicketID{}
	}
	apt.RespondSuccess(w, EndSessionResponse{
		Session:          result.Session,
		TableReleased:    result.TableReleased,
		CancelledTickets: cancelled,
	})
}

func (h *Handler) HubStats(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.HubStats")
	defer finish()

	apt.RespondSuccess(w, h.hub.Stats())
}

func (h *Handler) respondDomainError(w http.ResponseWriter, log apt.Logger, msg string, err error) {
	switch {
	case errors.Is(err, sessions.ErrTicketNotFound), errors.Is(err, sessions.ErrSessionNotFound):
		log.Debug(msg, "error", err)
		apt.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sessions.ErrInvalidTicket):
		log.Debug(msg, "error", err)
		apt.RespondError(w, http.StatusBadRequest, err.Error())
	case sessions.IsDomainError(err):
		log.Info(msg, "error", err)
		apt.RespondError(w, http.StatusConflict, err.Error())
	default:
		log.Error(msg, "error", err)
		apt.RespondError(w, http.StatusInternalServerError, "Could not complete request")
	}
}

func (h *Handler) parseUUIDParam(w http.ResponseWriter, r *http.Request, log apt.Logger, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		log.Debug("missing parameter", "name", name)
		apt.RespondError(w, http.StatusBadRequest, "Missing "+name+" parameter")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		log.Debug("invalid parameter", "name", name, "value", raw)
		apt.RespondError(w, http.StatusBadRequest, "Invalid "+name+" parameter")
		return uuid.Nil, false
	}

	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, log apt.Logger, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Debug("failed to read request body", "error", err)
		apt.RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		log.Debug("failed to decode request body", "error", err)
		apt.RespondError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return false
	}

	return true
}
