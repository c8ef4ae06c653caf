package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderPlaced        = "OrderPlaced"
	EventReservationOutcome = "ReservationOutcome"
	EventOrderStatusChanged = "OrderStatusChanged"
)

// Envelope wraps every message crossing the transport. CorrelationID is the
// order number, which doubles as idempotency key and partition key.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderPlacedPayload struct {
	OrderNumber string    `json:"order_number"`
	UserID      string    `json:"user_id"`
	Items       []ItemQty `json:"items"`
}

type ShortfallDetail struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type ReservationOutcomePayload struct {
	OrderNumber string            `json:"order_number"`
	Success     bool              `json:"success"`
	Reason      string            `json:"reason,omitempty"` // e.g. OUT_OF_STOCK
	Shortfalls  []ShortfallDetail `json:"shortfalls,omitempty"`
}

// OrderStatusChangedPayload carries the order lines so the stock side knows
// what to release on cancellation without querying the order service.
type OrderStatusChangedPayload struct {
	OrderNumber string    `json:"order_number"`
	OldStatus   Status    `json:"old_status"`
	NewStatus   Status    `json:"new_status"`
	Items       []ItemQty `json:"items,omitempty"`
}
