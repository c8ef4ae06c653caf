package orders

const (
	TopicOrderPlaced        = "order.placed"
	TopicReservationOutcome = "order.reservation.outcome"
	TopicOrderStatusChanged = "order.status.changed"
)

// Partition key = order number, so each consumer sees a given order's events
// in emission order.
func PartitionKey(orderNumber string) []byte { return []byte(orderNumber) }
