package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/fulfillment"
	"github.com/ariefcatur/go-realtime-ledger/internal/orders"
	"github.com/ariefcatur/go-realtime-ledger/internal/redisx"
)

// StatusCache backs GET /orders/{id}/status. Set must not replace a status
// with a newer UpdatedAt, since the read-through fill races transitions.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.OrderStatus, bool, error)
	Set(ctx context.Context, orderID string, st redisx.OrderStatus) error
}

type OrderKeys interface {
	Lookup(ctx context.Context, externalID string) (string, bool, error)
	Remember(ctx context.Context, externalID, orderID string) error
}

type OrdersHandler struct {
	Engine *fulfillment.Orchestrator
	Status StatusCache // optional
	Keys   OrderKeys   // optional
	Log    zerolog.Logger
}

type placeOrderResp struct {
	fulfillment.PlaceOrderResult
	Error string     `json:"error,omitempty"`
	Kind  fault.Kind `json:"kind,omitempty"`
}

type transitionReq struct {
	To             orders.Status `json:"to"`
	ManualOverride bool          `json:"manual_override,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type retryReq struct {
	Method string `json:"method"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/transitions", h.transition)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Post("/orders/{id}/payments", h.retryPayment)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req fulfillment.PlaceOrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ctx := r.Context()

	// fast path: the order store still decides, this only skips the lock
	if h.Keys != nil && req.ExternalID != "" {
		if id, ok, _ := h.Keys.Lookup(ctx, req.ExternalID); ok {
			if ord, err := h.Engine.Orders.Get(ctx, id); err == nil {
				res := fulfillment.PlaceOrderResult{Order: ord, Existing: true}
				if pay, ok, _ := h.Engine.Payments.Latest(ctx, id); ok {
					res.Payment, res.PaymentURL = pay, pay.PaymentURL
				}
				writeJSON(w, http.StatusOK, placeOrderResp{PlaceOrderResult: res})
				return
			}
		}
	}

	res, err := h.Engine.PlaceOrder(ctx, req)
	if err != nil && res.Order.ID == "" {
		writeError(w, h.Log, err)
		return
	}
	if h.Keys != nil && req.ExternalID != "" {
		if kerr := h.Keys.Remember(ctx, req.ExternalID, res.Order.ID); kerr != nil {
			h.Log.Warn().Err(kerr).Str("external_id", req.ExternalID).Msg("remember idempotency key")
		}
	}
	if err != nil {
		// order exists but the payment session could not be opened
		writeJSON(w, statusFor(fault.KindOf(err)), placeOrderResp{PlaceOrderResult: res, Error: err.Error(), Kind: fault.KindOf(err)})
		return
	}
	code := http.StatusCreated
	if res.Existing {
		code = http.StatusOK
	}
	writeJSON(w, code, placeOrderResp{PlaceOrderResult: res})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ord, err := h.Engine.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	// 1) cache
	if h.Status != nil {
		if st, ok, err := h.Status.Get(ctx, id); err == nil && ok {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}

	// 2) store
	ord, err := h.Engine.Orders.Get(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	st := redisx.OrderStatus{Status: string(ord.Status), UpdatedAt: ord.UpdatedAt}
	if h.Status != nil {
		_ = h.Status.Set(ctx, id, st)
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionReq
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ord, err := h.Engine.AdvanceOrder(r.Context(), chi.URLParam(r, "id"), req.To, orders.TransitionOptions{
		ManualOverride: req.ManualOverride,
		Reason:         req.Reason,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ord, err := h.Engine.CancelOrder(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

func (h *OrdersHandler) retryPayment(w http.ResponseWriter, r *http.Request) {
	var req retryReq
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	res, err := h.Engine.RetryPayment(r.Context(), chi.URLParam(r, "id"), req.Method)
	if err != nil && res.Order.ID == "" {
		writeError(w, h.Log, err)
		return
	}
	if err != nil {
		writeJSON(w, statusFor(fault.KindOf(err)), placeOrderResp{PlaceOrderResult: res, Error: err.Error(), Kind: fault.KindOf(err)})
		return
	}
	writeJSON(w, http.StatusCreated, placeOrderResp{PlaceOrderResult: res})
}
