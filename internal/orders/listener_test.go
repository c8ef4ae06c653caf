package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkax "orderstock/internal/kafka"
)

func outcomeMessage(orderNumber string, success bool, reason string) kafkago.Message {
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventReservationOutcome,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      "stock-svc-test",
		CorrelationID: orderNumber,
		Payload: kafkax.MustMarshal(ReservationOutcomePayload{
			OrderNumber: orderNumber, Success: success, Reason: reason,
		}),
	}
	return kafkago.Message{Key: PartitionKey(orderNumber), Value: kafkax.MustMarshal(env)}
}

func TestListenerConfirmsOrder(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()
	o, err := svc.Place(ctx, validCmd())
	require.NoError(t, err)

	l := &OutcomeListener{Orders: svc, Log: zerolog.Nop()}
	require.NoError(t, l.HandleReservationOutcome(ctx, outcomeMessage(o.OrderNumber, true, "")))

	got, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
}

func TestListenerUnknownOrderIsRetryable(t *testing.T) {
	svc, _, _, _ := newTestService()
	l := &OutcomeListener{Orders: svc, Log: zerolog.Nop()}

	err := l.HandleReservationOutcome(context.Background(), outcomeMessage("ORD-MISSING1", true, ""))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListenerIgnoresOtherEventTypes(t *testing.T) {
	svc, _, _, _ := newTestService()
	l := &OutcomeListener{Orders: svc, Log: zerolog.Nop()}

	env := Envelope{
		EventID:   uuid.NewString(),
		EventType: EventOrderPlaced,
		Payload:   kafkax.MustMarshal(OrderPlacedPayload{OrderNumber: "ORD-X"}),
	}
	m := kafkago.Message{Value: kafkax.MustMarshal(env)}
	assert.NoError(t, l.HandleReservationOutcome(context.Background(), m))
}
