package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"orderstock/internal/orders"
	"orderstock/internal/redisx"
)

type OrdersHandler struct {
	Orders *orders.Service
	Redis  *redis.Client
}

type PlaceOrderReq struct {
	// ExternalID lets clients retry the same command without double-placing.
	ExternalID string             `json:"external_id,omitempty"`
	UserID     string             `json:"user_id"`
	Items      []orders.PlaceItem `json:"items"`
}

type OrderResp struct {
	OrderID       string               `json:"order_id"`
	OrderNumber   string               `json:"order_number"`
	UserID        string               `json:"user_id"`
	Status        orders.Status        `json:"status"`
	PaymentStatus orders.PaymentStatus `json:"payment_status"`
	TotalCents    int                  `json:"total_cents"`
	FailureReason string               `json:"failure_reason,omitempty"`
	EventPending  bool                 `json:"event_pending,omitempty"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.placeOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/payment", h.updatePayment)
	r.Delete("/orders/{id}", h.deleteOrder)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	var ite *orders.InvalidTransitionError
	switch {
	case errors.Is(err, orders.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
	case errors.As(err, &ite):
		writeJSON(w, http.StatusConflict, map[string]string{"error": ite.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func toResp(o *orders.Order, eventPending bool) OrderResp {
	return OrderResp{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		TotalCents:    o.TotalCents,
		FailureReason: o.FailureReason,
		EventPending:  eventPending,
	}
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// Fast-path idempotency: a retried external id returns the earlier order.
	var idemKey string
	if req.ExternalID != "" && h.Redis != nil {
		idemKey = fmt.Sprintf(redisx.KeyIdemOrderPlace, req.ExternalID)
		if id, err := h.Redis.Get(ctx, idemKey).Result(); err == nil && id != "" {
			if o, err := h.Orders.Get(ctx, id); err == nil {
				writeJSON(w, http.StatusOK, toResp(o, false))
				return
			}
		}
	}

	o, err := h.Orders.Place(ctx, orders.PlaceCommand{UserID: req.UserID, Items: req.Items})
	if err != nil && o == nil {
		writeErr(w, err)
		return
	}
	if idemKey != "" {
		_ = h.Redis.Set(ctx, idemKey, o.ID, redisx.TTLIdempotency).Err()
	}
	// o != nil with err set means the order is persisted but the OrderPlaced
	// publish has not been confirmed yet; accepted, not lost.
	writeJSON(w, http.StatusAccepted, toResp(o, err != nil))
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	list, err := h.Orders.ListByUser(ctx, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]OrderResp, 0, len(list))
	for i := range list {
		out = append(out, toResp(&list[i], false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(o, false))
}

func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	o, err := h.Orders.Get(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	body, _ := json.Marshal(map[string]any{"status": o.Status})
	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		_ = h.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
	}
	writeJSON(w, http.StatusOK, json.RawMessage(body))
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Orders.Cancel(ctx, chi.URLParam(r, "id"))
	if err != nil && o == nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(o, err != nil))
}

func (h *OrdersHandler) updatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentStatus orders.PaymentStatus `json:"payment_status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Orders.UpdatePaymentStatus(ctx, chi.URLParam(r, "id"), req.PaymentStatus); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payment_status": string(req.PaymentStatus)})
}

func (h *OrdersHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Orders.Delete(ctx, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
