package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Event types published by the order engine and the inventory ledger.
const (
	OrderCreated       = "order.created"
	OrderItemAdded     = "order.item_added"
	OrderItemUpdated   = "order.item_updated"
	OrderItemRemoved   = "order.item_removed"
	OrderStatusChanged = "order.status_changed"
	OrderDeleted       = "order.deleted"
	StockLow           = "inventory.low_stock"
)

// Event is the JSON body written to the order topic.
type Event struct {
	ID           uuid.UUID        `json:"id"`
	Type         string           `json:"type"`
	OrderID      *uuid.UUID       `json:"order_id,omitempty"`
	PatientID    *uuid.UUID       `json:"patient_id,omitempty"`
	MedicationID *uuid.UUID       `json:"medication_id,omitempty"`
	Status       string           `json:"status,omitempty"`
	Total        *decimal.Decimal `json:"total,omitempty"`
	Quantity     *int             `json:"quantity,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// New returns an event of the given type stamped with a fresh id and time.
func New(eventType string) Event {
	return Event{ID: uuid.New(), Type: eventType, OccurredAt: time.Now().UTC()}
}

// Key is the partition key: the order id, else the medication id.
func (e Event) Key() string {
	switch {
	case e.OrderID != nil:
		return e.OrderID.String()
	case e.MedicationID != nil:
		return e.MedicationID.String()
	default:
		return e.ID.String()
	}
}

type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
}

// LogPublisher writes events to the log. It is used when no brokers are
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, evts ...Event) error {
	for _, e := range evts {
		p.logger.Info().
			Str("event_id", e.ID.String()).
			Str("event_type", e.Type).
			Str("key", e.Key()).
			Str("status", e.Status).
			Msg("event")
	}
	return nil
}

// MemoryPublisher keeps published events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (p *MemoryPublisher) Publish(_ context.Context, evts ...Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, evts...)
	return nil
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Types lists the types of the published events in order.
func (p *MemoryPublisher) Types() []string {
	var out []string
	for _, e := range p.Events() {
		out = append(out, e.Type)
	}
	return out
}
