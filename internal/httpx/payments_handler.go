package httpx

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/fulfillment"
	"github.com/ariefcatur/go-realtime-ledger/internal/gateway"
	"github.com/ariefcatur/go-realtime-ledger/internal/orders"
	"github.com/ariefcatur/go-realtime-ledger/internal/payments"
)

// WebhookParser verifies and decodes a provider-signed notification. ok is
// false for events that carry no payment outcome.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (gateway.Callback, bool, error)
}

type PaymentsHandler struct {
	Engine *fulfillment.Orchestrator
	Stripe WebhookParser // optional
	Log    zerolog.Logger
}

type refundReq struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type refundResp struct {
	Payment payments.Payment `json:"payment"`
	Order   orders.Order     `json:"order"`
}

const maxWebhookBody = 1 << 16

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Get("/payments/{id}", h.getPayment)
	r.Post("/payments/{id}/refund", h.refund)
	r.Post("/webhooks/payments", h.callback)
	if h.Stripe != nil {
		r.Post("/webhooks/stripe", h.stripeWebhook)
	}
}

func (h *PaymentsHandler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Payment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PaymentsHandler) refund(w http.ResponseWriter, r *http.Request) {
	var req refundReq
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	p, ord, err := h.Engine.RefundPayment(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reason)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, refundResp{Payment: p, Order: ord})
}

func (h *PaymentsHandler) callback(w http.ResponseWriter, r *http.Request) {
	var cb gateway.Callback
	if err := decode(r, &cb); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ord, err := h.Engine.HandleGatewayCallback(r.Context(), cb)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

// stripeWebhook always answers 2xx once the signature checks out, unless
// the failure is worth a redelivery.
func (h *PaymentsHandler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, h.Log, fault.Validation("read body: %v", err))
		return
	}
	cb, ok, err := h.Stripe.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, err := h.Engine.HandleGatewayCallback(r.Context(), cb); err != nil {
		if k := fault.KindOf(err); k == fault.KindExternal || k == fault.KindUnknown {
			writeError(w, h.Log, err)
			return
		}
		h.Log.Info().Err(err).Str("external_ref", cb.ExternalRef).Msg("stripe callback rejected")
	}
	w.WriteHeader(http.StatusNoContent)
}
