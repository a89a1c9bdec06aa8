// Package reconcile answers catch-up queries from displays that connect or
// resume after a dropped stream.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/tablelink/tablelink/services/sync/internal/changelog"
	"github.com/tablelink/tablelink/services/sync/internal/occupancy"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
)

const (
	ModeDelta    = "delta"
	ModeSnapshot = "snapshot"
)

type SnapshotSource interface {
	Snapshot(storeID string) []*sessions.Session
}

// Result carries either the changes after the cursor, together with the
// current view of the tables they touched, or a full snapshot of the store.
// Cursor is what the client sends next time.
type Result struct {
	Mode    string                `json:"mode"`
	StoreID string                `json:"storeId"`
	Changes []changelog.Change    `json:"changes"`
	Tables  []occupancy.TableView `json:"tables"`
	Cursor  time.Time             `json:"cursor"`
}

type Service struct {
	log    changelog.Log
	source SnapshotSource
	logger apt.Logger
}

func NewService(log changelog.Log, source SnapshotSource, logger apt.Logger) *Service {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	return &Service{log: log, source: source, logger: logger}
}

// ChangesSince returns the changes after cursor in chronological order and the
// cursor to use next. It fails with changelog.ErrCursorTooOld when the cursor
// predates the retained window.
func (s *Service) ChangesSince(ctx context.Context, storeID string, cursor time.Time) ([]changelog.Change, time.Time, error) {
	changes, err := s.log.Since(ctx, storeID, cursor)
	if err != nil {
		return nil, time.Time{}, err
	}
	next := cursor
	if n := len(changes); n > 0 {
		next = changes[n-1].ChangedAt
	}
	return changes, next, nil
}

// Reconcile serves a catch-up query. A nil cursor, or one the change log can
// no longer answer, yields a full snapshot with a fresh cursor.
func (s *Service) Reconcile(ctx context.Context, storeID string, cursor *time.Time) (*Result, error) {
	if cursor != nil {
		changes, next, err := s.ChangesSince(ctx, storeID, *cursor)
		if err == nil {
			return &Result{
				Mode:    ModeDelta,
				StoreID: storeID,
				Changes: changes,
				Tables:  s.touched(storeID, changes),
				Cursor:  next,
			}, nil
		}
		if !errors.Is(err, changelog.ErrCursorTooOld) {
			return nil, fmt.Errorf("cannot read changes: %w", err)
		}
		s.logger.Debug("cursor too old, sending snapshot", "store_id", storeID, "cursor", cursor.Format(time.RFC3339Nano))
	}
	return s.snapshot(ctx, storeID)
}

func (s *Service) snapshot(ctx context.Context, storeID string) (*Result, error) {
	// The head is read before the snapshot so nothing committed in between
	// can fall outside both.
	head, err := s.log.Head(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("cannot read change log head: %w", err)
	}
	return &Result{
		Mode:    ModeSnapshot,
		StoreID: storeID,
		Changes: []changelog.Change{},
		Tables:  occupancy.Build(s.source.Snapshot(storeID)),
		Cursor:  head,
	}, nil
}

func (s *Service) touched(storeID string, changes []changelog.Change) []occupancy.TableView {
	if len(changes) == 0 {
		return []occupancy.TableView{}
	}
	seen := make(map[int]bool)
	var tables []int
	for _, c := range changes {
		if !seen[c.TableNumber] {
			seen[c.TableNumber] = true
			tables = append(tables, c.TableNumber)
		}
	}
	sort.Ints(tables)
	return occupancy.Build(s.source.Snapshot(storeID), tables...)
}
