// Package notify fans order lifecycle events out to notification sinks.
//
// Emission is fire-and-forget: a sink failure is counted and logged but
// never fails or rolls back the state transition that produced the event.
package notify

import (
	"context"
	"time"

	"github.com/hvx-labs/escrowd/internal/idgen"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventOrderCreated     EventType = "order.created"
	EventOrderExpired     EventType = "order.expired"
	EventPaymentConfirmed EventType = "payment.confirmed"
	EventEscrowHeld       EventType = "escrow.held"
	EventEscrowReleased   EventType = "escrow.released"
	EventEscrowRefunded   EventType = "escrow.refunded"
	EventDisputeOpened    EventType = "dispute.opened"
	EventDisputeResolved  EventType = "dispute.resolved"
	EventOrderShipped     EventType = "order.shipped"
	EventOrderCompleted   EventType = "order.completed"
)

// Event is one notification payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	OrderID   string                 `json:"orderId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Emitter delivers events to one sink.
type Emitter interface {
	Emit(ctx context.Context, event *Event) error
	Close() error
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(eventType EventType, orderID string, data map[string]interface{}) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		OrderID:   orderID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
