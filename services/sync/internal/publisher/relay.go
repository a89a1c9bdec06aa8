package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/appetiteclub/apt"
	"github.com/appetiteclub/apt/events"
	"github.com/tablelink/tablelink/pkg/event"
	"github.com/tablelink/tablelink/services/sync/internal/changelog"
)

// ChangeRelay is a changelog.Log that also announces every appended change on
// the sessions topic for storage and reporting collaborators.
type ChangeRelay struct {
	changelog.Log
	events events.Publisher
	logger apt.Logger
}

func NewChangeRelay(log changelog.Log, publisher events.Publisher, logger apt.Logger) *ChangeRelay {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	return &ChangeRelay{
		Log:    log,
		events: publisher,
		logger: logger,
	}
}

func (r *ChangeRelay) Append(ctx context.Context, change changelog.Change) error {
	err := r.Log.Append(ctx, change)

	if r.events != nil {
		payload, encErr := json.Marshal(EventFromChange(change))
		if encErr != nil {
			r.logger.Error("cannot encode session change", "error", encErr)
			return err
		}
		if pubErr := r.events.Publish(ctx, event.SessionsTopic, payload); pubErr != nil {
			r.logger.Error("cannot relay session change", "store_id", change.StoreID, "change", change.ChangeType, "error", pubErr)
		}
	}
	return err
}

func EventFromChange(c changelog.Change) event.SessionChangedEvent {
	return event.SessionChangedEvent{
		EventType:   c.ChangeType,
		StoreID:     c.StoreID,
		SessionID:   c.SessionID,
		TableNumber: c.TableNumber,
		TicketID:    c.TicketID,
		Status:      c.Status,
		ChangedAt:   c.ChangedAt,
	}
}

func ChangeFromEvent(e event.SessionChangedEvent) changelog.Change {
	return changelog.Change{
		StoreID:     e.StoreID,
		SessionID:   e.SessionID,
		TableNumber: e.TableNumber,
		TicketID:    e.TicketID,
		ChangeType:  e.EventType,
		Status:      e.Status,
		ChangedAt:   e.ChangedAt,
	}
}

// Replayer restores change log entries after a restart.
type Replayer interface {
	Replay(changes []changelog.Change) int
}

// WarmChanges rebuilds the change log from the durable sessions stream so
// cursors handed out before a restart stay valid.
func WarmChanges(ctx context.Context, stream events.StreamConsumer, log Replayer, logger apt.Logger) (int, error) {
	if logger == nil {
		logger = apt.NewNoopLogger()
	}

	messages, err := stream.Fetch(ctx, 10000)
	if err != nil {
		return 0, fmt.Errorf("cannot fetch session changes: %w", err)
	}

	changes := make([]changelog.Change, 0, len(messages))
	for _, msg := range messages {
		var e event.SessionChangedEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			logger.Debug("skipping undecodable session change", "sequence", msg.Sequence, "error", err)
			continue
		}
		changes = append(changes, ChangeFromEvent(e))
	}

	restored := log.Replay(changes)
	logger.Info("change log warmed from stream", "fetched", len(messages), "restored", restored)
	return restored, nil
}
