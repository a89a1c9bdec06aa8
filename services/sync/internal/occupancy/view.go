// Package occupancy derives the per-table view broadcast to displays from a
// snapshot of open sessions. It performs no I/O and keeps no state.
package occupancy

import (
	"sort"
	"time"

	"github.com/tablelink/tablelink/pkg/enums/ticketsource"
	"github.com/tablelink/tablelink/pkg/enums/ticketstatus"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
)

type ItemSummary struct {
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	CookStation string `json:"cookStation"`
}

type OrderSummary struct {
	SessionID      string        `json:"sessionId"`
	CustomerLabel  string        `json:"customerLabel"`
	IsGuest        bool          `json:"isGuest"`
	TotalAmount    int64         `json:"totalAmount"`
	Status         string        `json:"status"`
	OpenedAt       time.Time     `json:"openedAt"`
	LatestOrderAt  time.Time     `json:"latestOrderAt"`
	SourceSystem   string        `json:"sourceSystem"`
	Sources        []string      `json:"sources"`
	ItemCount      int           `json:"itemCount"`
	TicketCount    int           `json:"ticketCount"`
	HasCrossOrders bool          `json:"hasCrossOrders"`
	Items          []ItemSummary `json:"items"`
}

type TableView struct {
	TableNumber int            `json:"tableNumber"`
	IsOccupied  bool           `json:"isOccupied"`
	Orders      []OrderSummary `json:"orders"`
}

// Build groups the open sessions of a snapshot by table. When tables are
// given only those are returned, and a requested table without an open
// session is reported as free so displays learn about releases.
func Build(snapshot []*sessions.Session, tables ...int) []TableView {
	wanted := make(map[int]bool, len(tables))
	for _, n := range tables {
		wanted[n] = true
	}

	byTable := make(map[int][]OrderSummary)
	for _, s := range snapshot {
		if s == nil || s.IsClosed() {
			continue
		}
		if len(wanted) > 0 && !wanted[s.TableNumber] {
			continue
		}
		byTable[s.TableNumber] = append(byTable[s.TableNumber], summarize(s))
	}
	for n := range wanted {
		if _, ok := byTable[n]; !ok {
			byTable[n] = []OrderSummary{}
		}
	}

	views := make([]TableView, 0, len(byTable))
	for n, orders := range byTable {
		sort.SliceStable(orders, func(i, j int) bool {
			if orders[i].OpenedAt.Equal(orders[j].OpenedAt) {
				return orders[i].SessionID < orders[j].SessionID
			}
			return orders[i].OpenedAt.Before(orders[j].OpenedAt)
		})
		views = append(views, TableView{
			TableNumber: n,
			IsOccupied:  len(orders) > 0,
			Orders:      orders,
		})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].TableNumber < views[j].TableNumber
	})
	return views
}

func summarize(s *sessions.Session) OrderSummary {
	summary := OrderSummary{
		SessionID:     s.ID.String(),
		CustomerLabel: s.CustomerLabel,
		IsGuest:       s.IsGuest,
		Status:        s.Status,
		OpenedAt:      s.CreatedAt,
		TicketCount:   len(s.Tickets),
		Sources:       []string{},
		Items:         []ItemSummary{},
	}

	present := make(map[string]bool)
	firstBatch := 0
	type itemKey struct {
		name    string
		price   int64
		station string
	}
	index := make(map[itemKey]int)

	for _, t := range s.Tickets {
		present[t.Source] = true
		if firstBatch == 0 || t.BatchNumber < firstBatch {
			firstBatch = t.BatchNumber
			summary.SourceSystem = t.Source
		}
		if t.CreatedAt.After(summary.LatestOrderAt) {
			summary.LatestOrderAt = t.CreatedAt
		}
		if t.Status == ticketstatus.Statuses.Cancelled.Code() {
			continue
		}

		for _, item := range t.Items {
			summary.TotalAmount += item.Amount()
			summary.ItemCount += item.Quantity

			key := itemKey{item.Name, item.UnitPrice, item.CookStation}
			if i, ok := index[key]; ok {
				summary.Items[i].Quantity += item.Quantity
				continue
			}
			index[key] = len(summary.Items)
			summary.Items = append(summary.Items, ItemSummary{
				Name:        item.Name,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
				CookStation: item.CookStation,
			})
		}
	}

	for _, src := range ticketsource.All {
		if present[src.Code()] {
			summary.Sources = append(summary.Sources, src.Code())
		}
	}
	summary.HasCrossOrders = len(present) > 1
	if summary.LatestOrderAt.IsZero() {
		summary.LatestOrderAt = s.CreatedAt
	}
	return summary
}
