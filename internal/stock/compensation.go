package stock

import (
	"context"

	kafkago "github.com/segmentio/kafka-go"

	kafkax "orderstock/internal/kafka"
	"orderstock/internal/orders"
)

// HandleOrderStatusChanged is the compensation processor: when an order is
// cancelled, quantities still held by its RESERVED rows are added back.
// Releases are driven by the ledger's own reservation records, not the items
// attached to the event, so cancelling a PENDING order whose reservation never
// succeeded releases nothing.
func (s *Service) HandleOrderStatusChanged(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventOrderStatusChanged {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
	if err != nil {
		return err
	}
	if p.NewStatus != orders.StatusCancelled {
		return nil
	}
	if s.seen(ctx, env.EventID) {
		return nil
	}
	if len(p.Items) == 0 {
		s.Log.Warn().Str("order_number", p.OrderNumber).Msg("cancellation event without line items")
	}

	released, err := s.Ledger.ReleaseOrder(ctx, p.OrderNumber)
	if err != nil {
		return err
	}
	if len(released) == 0 {
		s.Log.Info().Str("order_number", p.OrderNumber).Msg("cancellation with nothing reserved, no release")
	} else {
		s.Log.Info().Str("order_number", p.OrderNumber).Int("products", len(released)).Msg("stock released")
	}
	s.markSeen(ctx, env.EventID)
	return nil
}
