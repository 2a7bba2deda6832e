package seeding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/expoclub/expo/pkg/enums/station"
)

type seedItem struct {
	name    string
	station string
	qty     int
	seat    int
	course  int
	fire    bool
	ready   bool
}

type seedOrder struct {
	table  string
	covers int
	items  []seedItem
}

// demoOrders is a plausible mid-service snapshot: one table waiting on the
// grill, one mostly plated, one just seated.
var demoOrders = []seedOrder{
	{
		table:  "12",
		covers: 2,
		items: []seedItem{
			{name: "Smash Burger", station: station.Stations.Grill.Code(), qty: 1, seat: 1, course: 2, fire: true},
			{name: "Caesar Salad", station: station.Stations.Kitchen.Code(), qty: 1, seat: 2, course: 1, fire: true, ready: true},
			{name: "IPA Draft", station: station.Stations.Bar.Code(), qty: 2, fire: true, ready: true},
		},
	},
	{
		table:  "7",
		covers: 4,
		items: []seedItem{
			{name: "Rigatoni Alla Vodka", station: station.Stations.Kitchen.Code(), qty: 2, course: 2, fire: true, ready: true},
			{name: "Grilled Salmon", station: station.Stations.Grill.Code(), qty: 1, course: 2, fire: true, ready: true},
			{name: "House Red", station: station.Stations.Bar.Code(), qty: 1, fire: true, ready: true},
		},
	},
	{
		table:  "3",
		covers: 2,
		items: []seedItem{
			{name: "Basque Cheesecake", station: station.Stations.Dessert.Code(), qty: 2, course: 3},
			{name: "Espresso", station: station.Stations.Coffee.Code(), qty: 2, course: 3},
		},
	},
}

// SeedService replays a scripted slice of dinner service through the
// mutation API, so every event lands in the log, the boards and any
// connected terminals exactly as live traffic would.
func SeedService(ctx context.Context, c *Client, logger *slog.Logger) error {
	if err := c.post(ctx, "/shifts/open", map[string]string{"shift_id": uuid.New().String()}, nil); err != nil {
		return fmt.Errorf("open shift: %w", err)
	}

	for _, o := range demoOrders {
		orderID := uuid.New().String()
		if err := c.post(ctx, "/orders", map[string]any{
			"order_id":     orderID,
			"table_number": o.table,
			"covers":       o.covers,
		}, nil); err != nil {
			return fmt.Errorf("open order for table %s: %w", o.table, err)
		}

		for _, item := range o.items {
			itemID := uuid.New().String()
			if err := c.post(ctx, "/orders/"+orderID+"/items", map[string]any{
				"item_id":  itemID,
				"name":     item.name,
				"station":  item.station,
				"quantity": item.qty,
				"seat":     item.seat,
				"course":   item.course,
			}, nil); err != nil {
				return fmt.Errorf("add %s: %w", item.name, err)
			}

			if item.fire {
				if err := c.post(ctx, "/orders/"+orderID+"/items/"+itemID+"/fire", nil, nil); err != nil {
					return fmt.Errorf("fire %s: %w", item.name, err)
				}
			}
			if item.ready {
				if err := c.post(ctx, "/orders/"+orderID+"/items/"+itemID+"/ready", nil, nil); err != nil {
					return fmt.Errorf("ready %s: %w", item.name, err)
				}
			}
		}
		logger.Info("seeded order", "table", o.table, "items", len(o.items))
	}

	if err := c.post(ctx, "/menu-items/"+uuid.New().String()+"/eighty-six", map[string]string{
		"name":   "Oyster Special",
		"reason": "out of stock",
	}, nil); err != nil {
		return fmt.Errorf("eighty-six special: %w", err)
	}

	if err := c.post(ctx, "/announcements", map[string]string{
		"message": "Large party arriving at 8pm, expect a push",
	}, nil); err != nil {
		return fmt.Errorf("post announcement: %w", err)
	}

	return nil
}
