package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/appetiteclub/apt"
	"github.com/google/uuid"
	"github.com/tablelink/tablelink/pkg"
	"github.com/tablelink/tablelink/pkg/enums/station"
	"github.com/tablelink/tablelink/pkg/enums/ticketsource"
	"github.com/tablelink/tablelink/pkg/event"
)

// PublishDemo sends a scripted lunch rush to the sync service as order-entry
// requests, so displays connected to the store show live traffic.
func PublishDemo(ctx context.Context, config *apt.Config, logger apt.Logger) error {
	storeID := config.GetStringOrDef("demo.store", "demo-store")
	natsURL := config.GetStringOrDef("nats.url", "nats://localhost:4222")

	publisher, err := pkg.NewNATSPublisher(natsURL)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer publisher.Close()

	requests := DemoRequests(storeID, time.Now().UTC())
	for _, req := range requests {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode %s: %w", req.EventType, err)
		}
		if err := publisher.Publish(ctx, event.TicketsTopic, data); err != nil {
			return fmt.Errorf("publish table %d ticket: %w", req.TableNumber, err)
		}
		logger.Info("Published ticket request", "store", storeID, "table", req.TableNumber, "source", req.Source)
	}

	logger.Infof("Published %d ticket requests for %s", len(requests), storeID)
	return nil
}

// DemoRequests builds the demo traffic: tables 1 to 3 ordered from the POS,
// table 2 also orders from self-service, and table 4 is a self-service guest.
func DemoRequests(storeID string, now time.Time) []event.TicketCreateRequestedEvent {
	pos := ticketsource.Sources.POS.Code()
	self := ticketsource.Sources.SelfService.Code()

	type order struct {
		table int
		src   string
		label string
		guest bool
		items []event.TicketItem
	}
	script := []order{
		{table: 1, src: pos, items: []event.TicketItem{
			{Name: "Margherita", Quantity: 1, UnitPrice: 1150},
			{Name: "Lemonade", Quantity: 2, UnitPrice: 350, CookStation: station.Stations.Drink.Code()},
		}},
		{table: 2, src: pos, items: []event.TicketItem{
			{Name: "Burger", Quantity: 2, UnitPrice: 1200, CookStation: station.Stations.Grill.Code()},
		}},
		{table: 3, src: pos, label: "Birthday", items: []event.TicketItem{
			{Name: "Caesar Salad", Quantity: 1, UnitPrice: 900, CookStation: station.Stations.ColdStation.Code()},
		}},
		{table: 2, src: self, items: []event.TicketItem{
			{Name: "Fries", Quantity: 1, UnitPrice: 300, CookStation: station.Stations.Fry.Code()},
		}},
		{table: 4, src: self, label: "Guest", guest: true, items: []event.TicketItem{
			{Name: "Tiramisu", Quantity: 2, UnitPrice: 650, CookStation: station.Stations.Dessert.Code()},
		}},
	}

	requests := make([]event.TicketCreateRequestedEvent, 0, len(script))
	for i, o := range script {
		requests = append(requests, event.TicketCreateRequestedEvent{
			TicketEventMetadata: event.TicketEventMetadata{
				EventType:  event.EventTicketCreateRequested,
				OccurredAt: now.Add(time.Duration(i) * time.Second),
				StoreID:    storeID,
				RequestID:  uuid.NewString(),
			},
			TableNumber:   o.table,
			Source:        o.src,
			CustomerLabel: o.label,
			IsGuest:       o.guest,
			Items:         o.items,
		})
	}
	return requests
}
