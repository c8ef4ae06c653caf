package orders

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "orderstock/internal/kafka"
)

// OutcomeListener consumes ReservationOutcome events and drives the state
// machine. Installed as a consumer handler.
type OutcomeListener struct {
	Orders *Service
	Log    zerolog.Logger
}

func (l *OutcomeListener) HandleReservationOutcome(ctx context.Context, m kafkago.Message) error {
	var env Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != EventReservationOutcome {
		return nil
	}

	p, err := kafkax.UnwrapPayload[ReservationOutcomePayload](env.Payload)
	if err != nil {
		return err
	}

	err = l.Orders.OnReservationOutcome(ctx, p.OrderNumber, p.Success, p.Reason)
	if errors.Is(err, ErrNotFound) {
		// The order row may not be visible yet (replica lag or the placing tx
		// still in flight). Leave the offset uncommitted so the broker retries.
		l.Log.Warn().Str("order_number", p.OrderNumber).Msg("outcome for unknown order, leaving for redelivery")
		return err
	}
	return err
}
