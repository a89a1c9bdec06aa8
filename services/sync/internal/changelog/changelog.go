// Package changelog keeps the bounded, per-store record of session mutations
// that lets a display resume from a cursor instead of refetching everything.
package changelog

import (
	"context"
	"errors"
	"time"
)

// ErrCursorTooOld signals that entries newer than the cursor have already aged
// out. Callers must take a full snapshot and restart from a fresh cursor.
var ErrCursorTooOld = errors.New("cursor predates change log retention")

const (
	DefaultMaxAge     = 15 * time.Minute
	DefaultMaxEntries = 1000
)

// Change is one entry of the log. ChangedAt is strictly increasing per store
// and doubles as the reconciliation cursor.
type Change struct {
	StoreID     string    `json:"storeId"`
	SessionID   string    `json:"sessionId"`
	TableNumber int       `json:"tableNumber"`
	TicketID    string    `json:"ticketId,omitempty"`
	ChangeType  string    `json:"changeType"`
	Status      string    `json:"status,omitempty"`
	ChangedAt   time.Time `json:"changedAt"`
}

// Log is an append-only, bounded change log.
type Log interface {
	Append(ctx context.Context, change Change) error
	// Since returns the changes with ChangedAt after cursor in chronological
	// order, or ErrCursorTooOld when the cursor is older than the retained window.
	Since(ctx context.Context, storeID string, cursor time.Time) ([]Change, error)
	// Head returns the cursor that covers everything logged so far for the store.
	Head(ctx context.Context, storeID string) (time.Time, error)
}

// Options bounds the retention of a Log. Entries leave the log when they are
// older than MaxAge or when a store holds more than MaxEntries.
type Options struct {
	MaxAge     time.Duration
	MaxEntries int
}

func (o Options) WithDefaults() Options {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	return o
}
