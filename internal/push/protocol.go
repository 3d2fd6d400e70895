// Package push fans committed inventory changes out to WebSocket clients. Clients
// subscribe to topics, optionally filtered by product and warehouse, and merge frames
// idempotently by ledger_id.
package push

import (
	"inventory-core/internal/auth"
	"inventory-core/internal/events"

	"github.com/invopop/jsonschema"
)

// Topic names a stream clients can subscribe to.
type Topic string

const (
	TopicInventoryUpdates   Topic = "inventory_updates"
	TopicLowStockAlerts     Topic = "low_stock_alerts"
	TopicStockMovements     Topic = "stock_movements"
	TopicReservationUpdates Topic = "reservation_updates"
	TopicDashboardMetrics   Topic = "dashboard_metrics"
)

// topicRoles is the minimum role per topic.
var topicRoles = map[Topic]auth.Role{
	TopicInventoryUpdates:   auth.RoleWarehouseStaff,
	TopicLowStockAlerts:     auth.RoleWarehouseStaff,
	TopicStockMovements:     auth.RoleWarehouseStaff,
	TopicReservationUpdates: auth.RoleWarehouseStaff,
	TopicDashboardMetrics:   auth.RoleManager,
}

// Frame types.
const (
	FrameSubscribe             = "subscribe"
	FrameUnsubscribe           = "unsubscribe"
	FramePing                  = "ping"
	FramePong                  = "pong"
	FrameSubscriptionConfirmed = "subscription_confirmed"
	FrameSubscriptionError     = "subscription_error"
	FrameUnsubscribed          = "unsubscribed"
	FrameResync                = "resync"
	FrameError                 = "error"
)

// Filters narrow a subscription. Empty fields match everything.
type Filters struct {
	ProductID   string `json:"pid,omitempty" jsonschema_description:"Only deliver events for this product"`
	WarehouseID string `json:"wid,omitempty" jsonschema_description:"Only deliver events for this warehouse"`
}

func (f Filters) match(s events.Scope) bool {
	if f.ProductID != "" && f.ProductID != s.ProductID {
		return false
	}
	if f.WarehouseID != "" && f.WarehouseID != s.WarehouseID {
		return false
	}
	return true
}

// ClientFrame is a message from the client.
type ClientFrame struct {
	Type    string   `json:"type" jsonschema:"enum=subscribe,enum=unsubscribe,enum=ping"`
	Topic   Topic    `json:"topic,omitempty" jsonschema:"enum=inventory_updates,enum=low_stock_alerts,enum=stock_movements,enum=reservation_updates,enum=dashboard_metrics"`
	Filters *Filters `json:"filters,omitempty"`
}

// ServerFrame is a message to the client. Topic frames use the topic name as Type and
// carry the event kind and its ledger id.
type ServerFrame struct {
	Type     string `json:"type" jsonschema_description:"subscription_confirmed, subscription_error, unsubscribed, pong, resync, error or a topic name"`
	Topic    Topic  `json:"topic,omitempty"`
	Event    string `json:"event,omitempty" jsonschema_description:"Event kind for topic frames"`
	LedgerID int64  `json:"ledger_id,omitempty" jsonschema_description:"Ledger entry that produced the change; merge idempotently on it"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
}

// topicsFor maps an event to the topics that carry it.
func topicsFor(ev events.Event) []Topic {
	switch ev.(type) {
	case events.StockChanged:
		return []Topic{TopicInventoryUpdates, TopicDashboardMetrics}
	case events.MovementLogged:
		return []Topic{TopicStockMovements}
	case events.ReservationChanged:
		return []Topic{TopicReservationUpdates}
	case events.AlertRaised, events.AlertCleared:
		return []Topic{TopicLowStockAlerts, TopicDashboardMetrics}
	}
	return nil
}

// route turns one bus event into the frames a session with subs should receive.
func route(ev events.Event, subs map[Topic]Filters) []ServerFrame {
	if gap, ok := ev.(events.GapNotice); ok {
		if len(subs) == 0 {
			return nil
		}
		return []ServerFrame{{Type: FrameResync, Data: gap}}
	}
	var out []ServerFrame
	for _, t := range topicsFor(ev) {
		f, ok := subs[t]
		if !ok || !f.match(ev.Scope()) {
			continue
		}
		out = append(out, ServerFrame{
			Type:     string(t),
			Topic:    t,
			Event:    string(ev.Kind()),
			LedgerID: ev.Ledger(),
			Data:     ev,
		})
	}
	return out
}

// Schema describes both frame directions as JSON Schema documents.
func Schema() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return map[string]*jsonschema.Schema{
		"client": reflector.Reflect(ClientFrame{}),
		"server": reflector.Reflect(ServerFrame{}),
	}
}
