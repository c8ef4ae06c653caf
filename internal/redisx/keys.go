package redisx

import "time"

const (
	// Idempotency for place-order commands: idem:order:place:{external_id} -> order_number
	KeyIdemOrderPlace = "idem:order:place:%s"

	// Cache of order status for fast GETs: order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup of consumed events: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
