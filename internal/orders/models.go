package orders

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Order struct {
	ID            string
	OrderNumber   string
	UserID        string
	Status        Status
	PaymentStatus PaymentStatus
	TotalCents    int
	// FailureReason holds the last reservation failure, for operator visibility.
	// The order itself stays PENDING.
	FailureReason string
	Items         []OrderItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	ID         string
	OrderID    string
	ProductID  string
	Qty        int
	PriceCents int
}

// NewOrder builds a fully initialized PENDING order from already-validated
// input. Total is the sum of qty * unit price over the lines.
func NewOrder(userID string, items []OrderItem) *Order {
	id := uuid.NewString()
	total := 0
	for i := range items {
		items[i].ID = uuid.NewString()
		items[i].OrderID = id
		total += items[i].Qty * items[i].PriceCents
	}
	now := time.Now().UTC()
	return &Order{
		ID:            id,
		OrderNumber:   NewOrderNumber(),
		UserID:        userID,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		TotalCents:    total,
		Items:         items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func NewOrderNumber() string {
	return "ORD-" + strings.ToUpper(uuid.NewString()[:8])
}

// ItemQuantities flattens the order lines to (product, qty) pairs for events.
func (o *Order) ItemQuantities() []ItemQty {
	out := make([]ItemQty, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, ItemQty{ProductID: it.ProductID, Qty: it.Qty})
	}
	return out
}
