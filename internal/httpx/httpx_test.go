package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ariefcatur/go-realtime-ledger/internal/coupon"
	"github.com/ariefcatur/go-realtime-ledger/internal/events"
	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
	"github.com/ariefcatur/go-realtime-ledger/internal/fulfillment"
	"github.com/ariefcatur/go-realtime-ledger/internal/gateway"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
	"github.com/ariefcatur/go-realtime-ledger/internal/metrics"
	"github.com/ariefcatur/go-realtime-ledger/internal/orders"
	"github.com/ariefcatur/go-realtime-ledger/internal/payments"
	"github.com/ariefcatur/go-realtime-ledger/internal/redisx"
	"github.com/ariefcatur/go-realtime-ledger/internal/reservation"
)

type fakeStripe struct {
	cb  gateway.Callback
	ok  bool
	err error
}

func (f fakeStripe) ParseWebhook([]byte, string) (gateway.Callback, bool, error) {
	return f.cb, f.ok, f.err
}

type env struct {
	srv    *httptest.Server
	engine *fulfillment.Orchestrator
}

func newEnv(t *testing.T, stripe WebhookParser) *env {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	l := ledger.New(ledger.NewMemoryStore(), ledger.WithMetrics(m))
	rm := reservation.NewManager(l, reservation.NewMemoryStore())
	ev := coupon.NewEvaluator(coupon.NewMemoryRepository(), coupon.NewMemoryCounter())
	pl := payments.NewLifecycle(payments.NewMemoryStore())
	ol := orders.NewLifecycle(orders.NewMemoryStore(), rm, orders.WithCoupons(ev), orders.WithRefunder(pl))
	engine := fulfillment.New(fulfillment.Deps{
		Ledger:       l,
		Reservations: rm,
		Coupons:      ev,
		Orders:       ol,
		Payments:     pl,
		Gateway:      gateway.NewSandbox("https://sandbox.test"),
		Catalog: fulfillment.NewMemoryCatalog(
			fulfillment.Product{SKU: ledger.SKU{ProductID: "X"}, Name: "Shoe", UnitPrice: 1500, Active: true},
		),
	})

	rdb := redisx.New(miniredis.RunT(t).Addr())
	t.Cleanup(func() { _ = rdb.Close() })

	log := zerolog.Nop()
	r := NewRouter(log, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	(&StockHandler{Engine: engine, Log: log}).Register(r)
	(&OrdersHandler{Engine: engine, Status: redisx.NewStatusCache(rdb), Keys: redisx.NewOrderKeys(rdb), Log: log}).Register(r)
	(&PaymentsHandler{Engine: engine, Stripe: stripe, Log: log}).Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, engine: engine}
}

func (e *env) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&rd).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusForKinds(t *testing.T) {
	cases := map[fault.Kind]int{
		fault.KindValidation: http.StatusBadRequest,
		fault.KindNotFound:   http.StatusNotFound,
		fault.KindBusiness:   http.StatusConflict,
		fault.KindExternal:   http.StatusBadGateway,
		fault.KindInvariant:  http.StatusInternalServerError,
		fault.KindUnknown:    http.StatusInternalServerError,
	}
	for k, want := range cases {
		assert.Equal(t, want, statusFor(k), k)
	}
}

func TestOrderFlowOverHTTP(t *testing.T) {
	e := newEnv(t, nil)

	var mv ledger.Movement
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/stock/inbound", map[string]any{"product_id": "X", "qty": 5}, &mv))
	assert.Equal(t, 5, mv.BalanceAfter)

	place := map[string]any{
		"external_id":    "cart-1",
		"customer_id":    "c1",
		"payment_method": "card",
		"items":          []map[string]any{{"product_id": "X", "qty": 2}},
	}
	var created placeOrderResp
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/orders", place, &created))
	assert.Equal(t, orders.StatusPending, created.Order.Status)
	assert.Equal(t, int64(3000), created.Order.Totals.Total)
	assert.NotEmpty(t, created.PaymentURL)

	var again placeOrderResp
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/orders", place, &again))
	assert.True(t, again.Existing)
	assert.Equal(t, created.Order.ID, again.Order.ID)

	var lvl ledger.StockLevel
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/stock/X", nil, &lvl))
	assert.Equal(t, 2, lvl.Reserved)
	assert.Equal(t, 3, lvl.Available)

	var confirmed orders.Order
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/webhooks/payments",
		gateway.Callback{ExternalRef: created.Payment.ExternalRef, Outcome: gateway.OutcomePaid, GatewayRef: "gw-1"}, &confirmed))
	assert.Equal(t, orders.StatusConfirmed, confirmed.Status)

	var st redisx.OrderStatus
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/orders/"+created.Order.ID+"/status", nil, &st))
	assert.Equal(t, "confirmed", st.Status)

	var bad errorBody
	require.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/orders/"+created.Order.ID+"/transitions", transitionReq{To: orders.StatusDelivered}, &bad))
	assert.Equal(t, fault.KindBusiness, bad.Kind)

	var shipped orders.Order
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/orders/"+created.Order.ID+"/transitions", transitionReq{To: orders.StatusProcessing}, &shipped))
	assert.Equal(t, orders.StatusProcessing, shipped.Status)

	var refunded refundResp
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/payments/"+created.Payment.ID+"/refund", refundReq{Amount: 1000, Reason: "damaged"}, &refunded))
	assert.Equal(t, payments.StatusRefunded, refunded.Payment.Status)
	assert.Equal(t, orders.StatusProcessing, refunded.Order.Status)

	var mvs []ledger.Movement
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/stock/X/movements", nil, &mvs))
	assert.Len(t, mvs, 3) // inbound, hold, commit

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t, nil)

	var body errorBody
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/orders/missing", nil, &body))
	assert.Equal(t, fault.KindNotFound, body.Kind)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/stock/inbound", map[string]any{"product_id": "X", "qty": -1}, &body))

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/orders", map[string]any{"customer_id": "c1", "payment_method": "card",
		"items": []map[string]any{{"product_id": "nope", "qty": 1}}}, &body))

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/orders", map[string]any{"customer_id": "c1", "payment_method": "card",
		"items": []map[string]any{{"product_id": "X", "qty": 1}}}, &body))
	assert.Equal(t, fault.KindBusiness, body.Kind)
}

func TestStripeWebhook(t *testing.T) {
	parser := &fakeStripe{}
	e := newEnv(t, parser)
	ctx := context.Background()
	_, err := e.engine.ReceiveStock(ctx, ledger.SKU{ProductID: "X"}, 3, "", "")
	require.NoError(t, err)
	res, err := e.engine.PlaceOrder(ctx, fulfillment.PlaceOrderRequest{
		CustomerID: "c1", PaymentMethod: "card", Items: []fulfillment.ItemRequest{{ProductID: "X", Quantity: 1}},
	})
	require.NoError(t, err)

	parser.ok = false
	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, "/webhooks/stripe", map[string]string{}, nil))

	parser.cb = gateway.Callback{ExternalRef: res.Payment.ExternalRef, Outcome: gateway.OutcomePaid}
	parser.ok = true
	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, "/webhooks/stripe", map[string]string{}, nil))

	ord, err := e.engine.Orders.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, ord.Status)

	parser.err = fault.Validation("bad signature")
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/webhooks/stripe", map[string]string{}, nil))
}

func TestEventsCarryCallerTraceID(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	rec := &events.Recorder{}
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithEmitter(events.NewEmitter(rec, "test", zerolog.Nop())))
	engine := fulfillment.New(fulfillment.Deps{Ledger: l})
	r := NewRouter(zerolog.Nop(), nil)
	(&StockHandler{Engine: engine, Log: zerolog.Nop()}).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	body := bytes.NewBufferString(`{"product_id":"X","qty":2}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/stock/inbound", body)
	require.NoError(t, err)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got := rec.Events()
	require.Len(t, got, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got[0].Envelope.TraceID)
}
