package stock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkax "orderstock/internal/kafka"
	"orderstock/internal/orders"
)

// memLedger mirrors PgLedger's semantics: conditional decrement guarded on
// on_hand, all-or-nothing per order, first outcome wins, releases driven by
// RESERVED rows.
type memLedger struct {
	mu           sync.Mutex
	onHand       map[string]int
	reserved     map[string][]orders.ItemQty // order number -> still-RESERVED rows
	outcomes     map[string]*ReservationResult
	reserveCalls [][]orders.ItemQty
}

func newMemLedger(onHand map[string]int) *memLedger {
	return &memLedger{
		onHand:   onHand,
		reserved: map[string][]orders.ItemQty{},
		outcomes: map[string]*ReservationResult{},
	}
}

func (l *memLedger) Outcome(_ context.Context, orderNumber string) (*ReservationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcomes[orderNumber], nil
}

func (l *memLedger) ReserveOrder(_ context.Context, orderNumber string, items []orders.ItemQty) (*ReservationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prior, ok := l.outcomes[orderNumber]; ok {
		return prior, nil
	}
	l.reserveCalls = append(l.reserveCalls, items)

	// a reservation row gates each line's decrement, like the SQL ledger
	already := map[string]bool{}
	for _, it := range l.reserved[orderNumber] {
		already[it.ProductID] = true
	}

	var shortfalls []orders.ShortfallDetail
	for _, it := range items {
		if !already[it.ProductID] && l.onHand[it.ProductID] < it.Qty {
			shortfalls = append(shortfalls, orders.ShortfallDetail{
				ProductID: it.ProductID, Requested: it.Qty, Available: l.onHand[it.ProductID],
			})
		}
	}

	var res *ReservationResult
	if len(shortfalls) > 0 {
		res = &ReservationResult{OrderNumber: orderNumber, Success: false, Reason: ReasonOutOfStock, Shortfalls: shortfalls}
	} else {
		for _, it := range items {
			if already[it.ProductID] {
				continue
			}
			l.onHand[it.ProductID] -= it.Qty
			l.reserved[orderNumber] = append(l.reserved[orderNumber], it)
		}
		res = &ReservationResult{OrderNumber: orderNumber, Success: true}
	}
	l.outcomes[orderNumber] = res
	return res, nil
}

func (l *memLedger) ReleaseOrder(_ context.Context, orderNumber string) ([]orders.ItemQty, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.reserved[orderNumber]
	if len(recs) == 0 {
		return nil, nil
	}
	for _, it := range recs {
		l.onHand[it.ProductID] += it.Qty
	}
	delete(l.reserved, orderNumber)
	return recs, nil
}

func (l *memLedger) stock(productID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onHand[productID]
}

func newTestStockService(ledger Ledger) (*Service, *capturePublisher) {
	pub := &capturePublisher{}
	return &Service{
		Ledger:   ledger,
		Outcomes: pub,
		Name:     "stock-svc-test",
		Log:      zerolog.Nop(),
	}, pub
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (p *capturePublisher) Publish(_ context.Context, _, value []byte, _ ...kafkago.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, value)
	return nil
}

func (p *capturePublisher) outcomes(t *testing.T) []orders.ReservationOutcomePayload {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []orders.ReservationOutcomePayload
	for _, v := range p.msgs {
		var env orders.Envelope
		require.NoError(t, kafkax.UnmarshalEnvelope(v, &env))
		require.Equal(t, orders.EventReservationOutcome, env.EventType)
		pl, err := kafkax.UnwrapPayload[orders.ReservationOutcomePayload](env.Payload)
		require.NoError(t, err)
		out = append(out, pl)
	}
	return out
}

func placedMessage(orderNumber string, items []orders.ItemQty) kafkago.Message {
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderPlaced,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      "order-api-test",
		CorrelationID: orderNumber,
		Payload: kafkax.MustMarshal(orders.OrderPlacedPayload{
			OrderNumber: orderNumber, UserID: "u-1", Items: items,
		}),
	}
	return kafkago.Message{Key: orders.PartitionKey(orderNumber), Value: kafkax.MustMarshal(env)}
}

func cancelledMessage(orderNumber string, items []orders.ItemQty) kafkago.Message {
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderStatusChanged,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      "order-api-test",
		CorrelationID: orderNumber,
		Payload: kafkax.MustMarshal(orders.OrderStatusChangedPayload{
			OrderNumber: orderNumber,
			OldStatus:   orders.StatusConfirmed,
			NewStatus:   orders.StatusCancelled,
			Items:       items,
		}),
	}
	return kafkago.Message{Key: orders.PartitionKey(orderNumber), Value: kafkax.MustMarshal(env)}
}

func TestMergeItems(t *testing.T) {
	got := MergeItems([]orders.ItemQty{
		{ProductID: "b", Qty: 1},
		{ProductID: "a", Qty: 2},
		{ProductID: "a", Qty: 3},
	})
	assert.Equal(t, []orders.ItemQty{{ProductID: "a", Qty: 5}, {ProductID: "b", Qty: 1}}, got)
}

func TestMergeBeforeReserve(t *testing.T) {
	ledger := newMemLedger(map[string]int{"a": 10})
	svc, pub := newTestStockService(ledger)

	msg := placedMessage("ORD-MERGE", []orders.ItemQty{
		{ProductID: "a", Qty: 2},
		{ProductID: "a", Qty: 3},
	})
	require.NoError(t, svc.HandleOrderPlaced(context.Background(), msg))

	require.Len(t, ledger.reserveCalls, 1)
	assert.Equal(t, []orders.ItemQty{{ProductID: "a", Qty: 5}}, ledger.reserveCalls[0])
	assert.Equal(t, 5, ledger.stock("a"))

	outs := pub.outcomes(t)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Success)
}

func TestAtomicRollbackOnPartialShortfall(t *testing.T) {
	ledger := newMemLedger(map[string]int{"a": 5, "b": 0})
	svc, pub := newTestStockService(ledger)

	msg := placedMessage("ORD-PART", []orders.ItemQty{
		{ProductID: "a", Qty: 3},
		{ProductID: "b", Qty: 1},
	})
	require.NoError(t, svc.HandleOrderPlaced(context.Background(), msg))

	// nothing decremented, not even the line that had stock
	assert.Equal(t, 5, ledger.stock("a"))
	assert.Equal(t, 0, ledger.stock("b"))

	outs := pub.outcomes(t)
	require.Len(t, outs, 1)
	assert.False(t, outs[0].Success)
	assert.Equal(t, ReasonOutOfStock, outs[0].Reason)
	require.Len(t, outs[0].Shortfalls, 1)
	assert.Equal(t, "b", outs[0].Shortfalls[0].ProductID)
	assert.Equal(t, 1, outs[0].Shortfalls[0].Requested)
	assert.Equal(t, 0, outs[0].Shortfalls[0].Available)
}

func TestIdempotentRedelivery(t *testing.T) {
	ledger := newMemLedger(map[string]int{"a": 10})
	svc, pub := newTestStockService(ledger)
	ctx := context.Background()

	msg := placedMessage("ORD-DUP", []orders.ItemQty{{ProductID: "a", Qty: 2}})
	require.NoError(t, svc.HandleOrderPlaced(ctx, msg))
	require.NoError(t, svc.HandleOrderPlaced(ctx, msg))

	// one decrement only
	assert.Equal(t, 8, ledger.stock("a"))
	assert.Len(t, ledger.reserveCalls, 1)

	// both emissions carry identical content
	outs := pub.outcomes(t)
	require.Len(t, outs, 2)
	assert.Equal(t, outs[0], outs[1])
}

func TestDuplicateReserveAppliesDecrementOnce(t *testing.T) {
	ledger := newMemLedger(map[string]int{"a": 10})
	ctx := context.Background()
	items := []orders.ItemQty{{ProductID: "a", Qty: 4}}

	first, err := ledger.ReserveOrder(ctx, "ORD-RACE", items)
	require.NoError(t, err)
	require.True(t, first.Success)
	require.Equal(t, 6, ledger.stock("a"))

	// a concurrent duplicate that slipped past the stored-outcome check still
	// finds the reservation row and must not decrement again
	ledger.mu.Lock()
	delete(ledger.outcomes, "ORD-RACE")
	ledger.mu.Unlock()

	second, err := ledger.ReserveOrder(ctx, "ORD-RACE", items)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 6, ledger.stock("a"))

	// exactly one qty recorded, so the release restores exactly what was held
	released, err := ledger.ReleaseOrder(ctx, "ORD-RACE")
	require.NoError(t, err)
	assert.Equal(t, []orders.ItemQty{{ProductID: "a", Qty: 4}}, released)
	assert.Equal(t, 10, ledger.stock("a"))
}

func TestOrderPlacedWithoutItemsIsDropped(t *testing.T) {
	ledger := newMemLedger(map[string]int{"a": 10})
	svc, pub := newTestStockService(ledger)

	msg := placedMessage("ORD-EMPTY", nil)
	require.NoError(t, svc.HandleOrderPlaced(context.Background(), msg))

	assert.Empty(t, ledger.reserveCalls)
	assert.Empty(t, pub.outcomes(t))
}

func TestFailedOutcomeRedeliveryDoesNotRetry(t *testing.T) {
	ledger := newMemLedger(map[string]int{"a": 1})
	svc, pub := newTestStockService(ledger)
	ctx := context.Background()

	msg := placedMessage("ORD-FAIL", []orders.ItemQty{{ProductID: "a", Qty: 5}})
	require.NoError(t, svc.HandleOrderPlaced(ctx, msg))

	// stock arrives later; the stored outcome still wins on redelivery
	ledger.mu.Lock()
	ledger.onHand["a"] = 100
	ledger.mu.Unlock()
	require.NoError(t, svc.HandleOrderPlaced(ctx, msg))

	assert.Equal(t, 100, ledger.stock("a"))
	outs := pub.outcomes(t)
	require.Len(t, outs, 2)
	assert.Equal(t, outs[0], outs[1])
	assert.False(t, outs[1].Success)
}

func TestCompensationRestoresStock(t *testing.T) {
	ledger := newMemLedger(map[string]int{"a": 10, "b": 7})
	svc, _ := newTestStockService(ledger)
	ctx := context.Background()

	items := []orders.ItemQty{{ProductID: "a", Qty: 2}, {ProductID: "b", Qty: 3}}
	require.NoError(t, svc.HandleOrderPlaced(ctx, placedMessage("ORD-COMP", items)))
	assert.Equal(t, 8, ledger.stock("a"))
	assert.Equal(t, 4, ledger.stock("b"))

	require.NoError(t, svc.HandleOrderStatusChanged(ctx, cancelledMessage("ORD-COMP", items)))
	assert.Equal(t, 10, ledger.stock("a"))
	assert.Equal(t, 7, ledger.stock("b"))

	// replaying the cancellation releases nothing further
	require.NoError(t, svc.HandleOrderStatusChanged(ctx, cancelledMessage("ORD-COMP", items)))
	assert.Equal(t, 10, ledger.stock("a"))
	assert.Equal(t, 7, ledger.stock("b"))
}

func TestCancelWithoutReservationReleasesNothing(t *testing.T) {
	ledger := newMemLedger(map[string]int{"a": 10})
	svc, _ := newTestStockService(ledger)

	items := []orders.ItemQty{{ProductID: "a", Qty: 4}}
	msg := cancelledMessage("ORD-NEVER", items)
	require.NoError(t, svc.HandleOrderStatusChanged(context.Background(), msg))
	assert.Equal(t, 10, ledger.stock("a"))
}

func TestStatusChangeOtherThanCancelledIgnored(t *testing.T) {
	ledger := newMemLedger(map[string]int{"a": 10})
	svc, _ := newTestStockService(ledger)
	ctx := context.Background()

	items := []orders.ItemQty{{ProductID: "a", Qty: 4}}
	require.NoError(t, svc.HandleOrderPlaced(ctx, placedMessage("ORD-SHIP", items)))
	require.Equal(t, 6, ledger.stock("a"))

	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderStatusChanged,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: "ORD-SHIP",
		Payload: kafkax.MustMarshal(orders.OrderStatusChangedPayload{
			OrderNumber: "ORD-SHIP",
			OldStatus:   orders.StatusConfirmed,
			NewStatus:   orders.StatusShipped,
		}),
	}
	m := kafkago.Message{Value: kafkax.MustMarshal(env)}
	require.NoError(t, svc.HandleOrderStatusChanged(ctx, m))
	assert.Equal(t, 6, ledger.stock("a"))
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	ledger := newMemLedger(map[string]int{"a": 10})
	svc, pub := newTestStockService(ledger)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, n := range []string{"ORD-C1", "ORD-C2"} {
		wg.Add(1)
		go func(orderNumber string) {
			defer wg.Done()
			msg := placedMessage(orderNumber, []orders.ItemQty{{ProductID: "a", Qty: 6}})
			assert.NoError(t, svc.HandleOrderPlaced(ctx, msg))
		}(n)
	}
	wg.Wait()

	assert.Equal(t, 4, ledger.stock("a"))
	outs := pub.outcomes(t)
	require.Len(t, outs, 2)
	succeeded := 0
	for _, o := range outs {
		if o.Success {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}
