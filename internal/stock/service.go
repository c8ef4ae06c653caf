package stock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "orderstock/internal/kafka"
	"orderstock/internal/orders"
	"orderstock/internal/redisx"
)

// Ledger is the stock persistence surface the processors need.
type Ledger interface {
	Outcome(ctx context.Context, orderNumber string) (*ReservationResult, error)
	ReserveOrder(ctx context.Context, orderNumber string, items []orders.ItemQty) (*ReservationResult, error)
	ReleaseOrder(ctx context.Context, orderNumber string) ([]orders.ItemQty, error)
}

// Service runs the stock side of the saga: the reservation processor on
// OrderPlaced and the compensation processor on OrderStatusChanged.
type Service struct {
	Ledger   Ledger
	Redis    *redis.Client
	Outcomes orders.Publisher // order.reservation.outcome
	Name     string           // producer name and dedup namespace
	Log      zerolog.Logger
}

// HandleOrderPlaced consumes an OrderPlaced event, reserves stock for the
// (merged) line items and emits a ReservationOutcome. Redelivery of an order
// number that already has an outcome re-emits it verbatim without touching
// stock. Storage faults return an error so the offset stays uncommitted and
// the broker redelivers.
func (s *Service) HandleOrderPlaced(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventOrderPlaced {
		return nil
	}
	if s.seen(ctx, env.EventID) {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
	if err != nil {
		return err
	}
	if p.OrderNumber == "" {
		s.Log.Warn().Str("event_id", env.EventID).Msg("OrderPlaced without order number, skipping")
		return nil
	}
	if len(p.Items) == 0 {
		s.Log.Warn().Str("order_number", p.OrderNumber).Msg("OrderPlaced without line items, skipping")
		return nil
	}

	prior, err := s.Ledger.Outcome(ctx, p.OrderNumber)
	if err != nil {
		return err
	}
	if prior != nil {
		if err := s.publishOutcome(ctx, prior); err != nil {
			return err
		}
		s.markSeen(ctx, env.EventID)
		return nil
	}

	res, err := s.Ledger.ReserveOrder(ctx, p.OrderNumber, MergeItems(p.Items))
	if err != nil {
		return err
	}
	if res.Success {
		s.Log.Info().Str("order_number", p.OrderNumber).Int("lines", len(p.Items)).Msg("stock reserved")
	} else {
		s.Log.Warn().Str("order_number", p.OrderNumber).Str("reason", res.Reason).
			Int("shortfalls", len(res.Shortfalls)).Msg("reservation rejected")
	}

	if err := s.publishOutcome(ctx, res); err != nil {
		return err
	}
	s.markSeen(ctx, env.EventID)
	return nil
}

// MergeItems sums duplicate product lines so one order triggers exactly one
// decrement per product. The result is sorted by product id, giving every
// worker the same lock order inside the reserve transaction.
func MergeItems(items []orders.ItemQty) []orders.ItemQty {
	sums := make(map[string]int, len(items))
	for _, it := range items {
		sums[it.ProductID] += it.Qty
	}
	out := make([]orders.ItemQty, 0, len(sums))
	for pid, qty := range sums {
		out = append(out, orders.ItemQty{ProductID: pid, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func (s *Service) publishOutcome(ctx context.Context, res *ReservationResult) error {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventReservationOutcome,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Name,
		CorrelationID: res.OrderNumber,
		Payload: kafkax.MustMarshal(orders.ReservationOutcomePayload{
			OrderNumber: res.OrderNumber,
			Success:     res.Success,
			Reason:      res.Reason,
			Shortfalls:  res.Shortfalls,
		}),
	}
	return s.Outcomes.Publish(ctx, orders.PartitionKey(res.OrderNumber), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventReservationOutcome)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

// Redis dedup is a fast path only; the outcome and reservation tables are the
// correctness guard. The key is set after successful processing, never before,
// so a failed attempt is retried rather than skipped.
func (s *Service) seen(ctx context.Context, eventID string) bool {
	if s.Redis == nil {
		return false
	}
	key := fmt.Sprintf(redisx.KeyDedup, s.Name, eventID)
	exists, _ := redisx.Exists(ctx, s.Redis, key)
	return exists
}

func (s *Service) markSeen(ctx context.Context, eventID string) {
	if s.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyDedup, s.Name, eventID)
	_ = s.Redis.Set(ctx, key, "1", redisx.TTLDedup).Err()
}
