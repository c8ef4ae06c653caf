package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "orderstock/internal/kafka"
	"orderstock/internal/redisx"
)

// Store is the order persistence surface the state machine needs.
type Store interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*Order, error)
	ListByUser(ctx context.Context, userID string) ([]Order, error)
	UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error)
	ApplyReservationOutcome(ctx context.Context, orderNumber string, success bool, reason string) (bool, Status, error)
	SetPaymentStatus(ctx context.Context, id string, ps PaymentStatus) error
	SoftDelete(ctx context.Context, id string) error
}

type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) error
}

type PlaceItem struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int    `json:"price_cents"`
}

type PlaceCommand struct {
	UserID string      `json:"user_id"`
	Items  []PlaceItem `json:"items"`
}

// Service owns the order lifecycle. It is the only mutator of order status.
type Service struct {
	Store         Store
	Placed        Publisher // order.placed
	StatusChanged Publisher // order.status.changed
	Redis         *redis.Client
	Name          string // producer name in envelopes
	Log           zerolog.Logger
}

// Place validates the command, persists a PENDING order and emits OrderPlaced.
// If the publish cannot be confirmed the order is still returned alongside the
// error; it is persisted and must not be silently lost.
func (s *Service) Place(ctx context.Context, cmd PlaceCommand) (*Order, error) {
	if err := validatePlace(cmd); err != nil {
		return nil, err
	}

	items := make([]OrderItem, 0, len(cmd.Items))
	for _, it := range cmd.Items {
		items = append(items, OrderItem{ProductID: it.ProductID, Qty: it.Qty, PriceCents: it.PriceCents})
	}
	o := NewOrder(cmd.UserID, items)

	if err := s.Store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	s.cacheStatus(ctx, o.ID, o.Status)

	err := s.publish(ctx, s.Placed, EventOrderPlaced, o.OrderNumber, OrderPlacedPayload{
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Items:       o.ItemQuantities(),
	})
	if err != nil {
		s.Log.Error().Err(err).Str("order_number", o.OrderNumber).Msg("OrderPlaced publish failed")
		return o, fmt.Errorf("order %s persisted but OrderPlaced publish failed: %w", o.OrderNumber, err)
	}

	s.Log.Info().Str("order_number", o.OrderNumber).Int("total_cents", o.TotalCents).Msg("order placed")
	return o, nil
}

func validatePlace(cmd PlaceCommand) error {
	if cmd.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrValidation)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one line item required", ErrValidation)
	}
	for _, it := range cmd.Items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: missing product_id", ErrValidation)
		}
		if it.Qty < 1 {
			return fmt.Errorf("%w: qty must be >= 1 for product %s", ErrValidation, it.ProductID)
		}
		if it.PriceCents < 1 {
			return fmt.Errorf("%w: unit price must be >= 1 cent for product %s", ErrValidation, it.ProductID)
		}
	}
	return nil
}

// Transition applies a lifecycle change from the table in status.go. On a
// CANCELLED transition the emitted event carries the order lines, so the stock
// side knows what to release.
func (s *Service) Transition(ctx context.Context, orderID string, to Status) (*Order, error) {
	o, err := s.Store.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := o.Status
	if !CanTransition(from, to) {
		return nil, &InvalidTransitionError{From: from, To: to}
	}

	applied, err := s.Store.UpdateStatus(ctx, orderID, from, to)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("order %s: status changed concurrently", orderID)
	}
	o.Status = to
	s.cacheStatus(ctx, o.ID, to)

	payload := OrderStatusChangedPayload{
		OrderNumber: o.OrderNumber,
		OldStatus:   from,
		NewStatus:   to,
	}
	if to == StatusCancelled {
		payload.Items = o.ItemQuantities()
	}
	if err := s.publish(ctx, s.StatusChanged, EventOrderStatusChanged, o.OrderNumber, payload); err != nil {
		s.Log.Error().Err(err).Str("order_number", o.OrderNumber).Msg("OrderStatusChanged publish failed")
		return o, fmt.Errorf("order %s transitioned but OrderStatusChanged publish failed: %w", o.OrderNumber, err)
	}

	s.Log.Info().Str("order_number", o.OrderNumber).Str("from", string(from)).Str("to", string(to)).Msg("order status changed")
	return o, nil
}

func (s *Service) Cancel(ctx context.Context, orderID string) (*Order, error) {
	return s.Transition(ctx, orderID, StatusCancelled)
}

// OnReservationOutcome drives the state machine from a ReservationOutcome
// event. No-op unless the order is still PENDING: success confirms it, failure
// records the reason and leaves it PENDING.
func (s *Service) OnReservationOutcome(ctx context.Context, orderNumber string, success bool, reason string) error {
	applied, status, err := s.Store.ApplyReservationOutcome(ctx, orderNumber, success, reason)
	if err != nil {
		return err
	}
	if !applied {
		if success && status == StatusCancelled {
			return s.republishCancellation(ctx, orderNumber)
		}
		s.Log.Info().Str("order_number", orderNumber).Str("status", string(status)).
			Msg("reservation outcome ignored, order no longer PENDING")
		return nil
	}

	if success {
		o, err := s.Store.GetByNumber(ctx, orderNumber)
		if err == nil {
			s.cacheStatus(ctx, o.ID, status)
		}
		s.Log.Info().Str("order_number", orderNumber).Msg("order confirmed")
	} else {
		s.Log.Warn().Str("order_number", orderNumber).Str("reason", reason).
			Msg("reservation failed, order stays PENDING")
	}
	return nil
}

// republishCancellation covers a reservation landing after the order was
// already cancelled: the earlier cancellation event found nothing RESERVED, so
// the stock held by the late reservation would leak. Re-emitting the
// cancellation lets the stock side release it; releases replay safely off
// RESERVED rows. A publish failure leaves the outcome offset uncommitted, so
// the whole exchange is retried.
func (s *Service) republishCancellation(ctx context.Context, orderNumber string) error {
	o, err := s.Store.GetByNumber(ctx, orderNumber)
	if err != nil {
		return err
	}
	payload := OrderStatusChangedPayload{
		OrderNumber: orderNumber,
		OldStatus:   StatusCancelled,
		NewStatus:   StatusCancelled,
		Items:       o.ItemQuantities(),
	}
	if err := s.publish(ctx, s.StatusChanged, EventOrderStatusChanged, orderNumber, payload); err != nil {
		return err
	}
	s.Log.Warn().Str("order_number", orderNumber).Msg("reservation landed after cancellation, release re-emitted")
	return nil
}

// UpdatePaymentStatus records the payment state. It never advances the order
// status: only a ledger-confirmed reservation moves PENDING to CONFIRMED.
func (s *Service) UpdatePaymentStatus(ctx context.Context, orderID string, ps PaymentStatus) error {
	switch ps {
	case PaymentPending, PaymentPaid, PaymentFailed:
	default:
		return fmt.Errorf("%w: unknown payment status %q", ErrValidation, ps)
	}
	return s.Store.SetPaymentStatus(ctx, orderID, ps)
}

func (s *Service) Delete(ctx context.Context, orderID string) error {
	return s.Store.SoftDelete(ctx, orderID)
}

func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.Store.GetByID(ctx, orderID)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	return s.Store.ListByUser(ctx, userID)
}

func (s *Service) publish(ctx context.Context, p Publisher, eventType, orderNumber string, payload any) error {
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Name,
		CorrelationID: orderNumber,
		Payload:       kafkax.MustMarshal(payload),
	}
	return p.Publish(ctx, PartitionKey(orderNumber), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (s *Service) cacheStatus(ctx context.Context, orderID string, status Status) {
	if s.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	body := fmt.Sprintf(`{"status":%q}`, status)
	if err := s.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.Log.Debug().Err(err).Str("order_id", orderID).Msg("status cache set failed")
	}
}
