// Package publisher turns session mutations into table updates for displays.
package publisher

import (
	"context"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/tablelink/tablelink/services/sync/internal/hub"
	"github.com/tablelink/tablelink/services/sync/internal/keylock"
	"github.com/tablelink/tablelink/services/sync/internal/occupancy"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
)

const TypeTableUpdate = "table_update"

// Topic is the broadcast scope of a store.
func Topic(storeID string) string {
	return "pos:" + storeID
}

type SnapshotSource interface {
	Snapshot(storeID string) []*sessions.Session
}

type Broadcaster interface {
	Publish(topic string, payload any) (int, error)
}

type TableUpdate struct {
	StoreID   string                `json:"storeId"`
	Tables    []occupancy.TableView `json:"tables"`
	Timestamp time.Time             `json:"timestamp"`
}

type Publisher struct {
	// stores orders snapshot and broadcast per store so that a later frame
	// always carries a later snapshot.
	stores *keylock.Locks
	source SnapshotSource
	hub    Broadcaster
	logger apt.Logger
	now    func() time.Time
}

func New(source SnapshotSource, broadcaster Broadcaster, logger apt.Logger) *Publisher {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	return &Publisher{
		stores: keylock.New(),
		source: source,
		hub:    broadcaster,
		logger: logger,
		now:    time.Now,
	}
}

// PublishSessionChange recomputes the occupancy of the given tables, or of the
// whole store when none are given, and broadcasts it. Broadcast failures are
// logged and never reach the caller.
func (p *Publisher) PublishSessionChange(ctx context.Context, storeID string, tables ...int) {
	unlock := p.stores.Lock(storeID)
	defer unlock()

	update := p.Update(storeID, tables...)

	msg := hub.Event{
		Type:      TypeTableUpdate,
		Data:      update,
		Timestamp: update.Timestamp,
	}

	delivered, err := p.hub.Publish(Topic(storeID), msg)
	if err != nil {
		p.logger.Error("cannot broadcast table update", "store_id", storeID, "error", err)
		return
	}
	p.logger.Debug("table update broadcast", "store_id", storeID, "tables", len(update.Tables), "subscribers", delivered)
}

// Update builds the table update payload without broadcasting it.
func (p *Publisher) Update(storeID string, tables ...int) TableUpdate {
	return TableUpdate{
		StoreID:   storeID,
		Tables:    occupancy.Build(p.source.Snapshot(storeID), tables...),
		Timestamp: p.now().UTC(),
	}
}
