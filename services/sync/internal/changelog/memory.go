package changelog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLog is a process-local Log.
type MemoryLog struct {
	mu      sync.Mutex
	opts    Options
	stores  map[string]*storeLog
	created time.Time
	now     func() time.Time
}

type storeLog struct {
	entries []Change
	// horizon is the oldest cursor the log can still answer exactly.
	horizon time.Time
}

func NewMemoryLog(opts Options) *MemoryLog {
	return newMemoryLog(opts, time.Now)
}

func newMemoryLog(opts Options, now func() time.Time) *MemoryLog {
	return &MemoryLog{
		opts:    opts.WithDefaults(),
		stores:  make(map[string]*storeLog),
		created: now(),
		now:     now,
	}
}

func (l *MemoryLog) Append(ctx context.Context, change Change) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl := l.storeLocked(change.StoreID)
	sl.entries = append(sl.entries, change)
	l.pruneLocked(sl)
	return nil
}

func (l *MemoryLog) Since(ctx context.Context, storeID string, cursor time.Time) ([]Change, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl, ok := l.stores[storeID]
	if !ok {
		if cursor.Before(l.created) {
			return nil, ErrCursorTooOld
		}
		return []Change{}, nil
	}
	l.pruneLocked(sl)

	if cursor.Before(sl.horizon) {
		return nil, ErrCursorTooOld
	}

	idx := sort.Search(len(sl.entries), func(i int) bool {
		return sl.entries[i].ChangedAt.After(cursor)
	})

	result := make([]Change, len(sl.entries)-idx)
	copy(result, sl.entries[idx:])
	return result, nil
}

func (l *MemoryLog) Head(ctx context.Context, storeID string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl, ok := l.stores[storeID]
	if !ok {
		return l.created, nil
	}
	l.pruneLocked(sl)
	if n := len(sl.entries); n > 0 {
		return sl.entries[n-1].ChangedAt, nil
	}
	return sl.horizon, nil
}

// Replay restores entries recovered from a durable stream after a restart.
// Entries already outside the retention window are skipped. The horizon of
// each store moves back to its earliest restored entry.
func (l *MemoryLog) Replay(changes []Change) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := make([]Change, len(changes))
	copy(sorted, changes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ChangedAt.Before(sorted[j].ChangedAt)
	})

	cutoff := l.now().Add(-l.opts.MaxAge)
	restored := 0
	touched := make(map[string]*storeLog)
	for _, change := range sorted {
		if change.ChangedAt.Before(cutoff) {
			continue
		}
		sl := l.storeLocked(change.StoreID)
		if _, seen := touched[change.StoreID]; !seen {
			touched[change.StoreID] = sl
			if change.ChangedAt.Before(sl.horizon) {
				sl.horizon = change.ChangedAt
			}
		}
		sl.entries = append(sl.entries, change)
		restored++
	}

	for _, sl := range touched {
		sort.SliceStable(sl.entries, func(i, j int) bool {
			return sl.entries[i].ChangedAt.Before(sl.entries[j].ChangedAt)
		})
		l.pruneLocked(sl)
	}
	return restored
}

// storeLocked returns the log of a store, creating it. Only writers call it so
// that queries for unknown stores leave no trace.
func (l *MemoryLog) storeLocked(storeID string) *storeLog {
	sl, ok := l.stores[storeID]
	if !ok {
		sl = &storeLog{horizon: l.created}
		l.stores[storeID] = sl
	}
	return sl
}

// pruneLocked drops entries beyond the retention bounds and advances the
// horizon to the newest dropped entry.
func (l *MemoryLog) pruneLocked(sl *storeLog) {
	cutoff := l.now().Add(-l.opts.MaxAge)

	drop := 0
	for drop < len(sl.entries) && sl.entries[drop].ChangedAt.Before(cutoff) {
		drop++
	}
	if over := len(sl.entries) - drop - l.opts.MaxEntries; over > 0 {
		drop += over
	}
	if drop == 0 {
		return
	}

	if last := sl.entries[drop-1].ChangedAt; last.After(sl.horizon) {
		sl.horizon = last
	}
	sl.entries = append([]Change(nil), sl.entries[drop:]...)
}
