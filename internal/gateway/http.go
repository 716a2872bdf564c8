package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-realtime-ledger/internal/fault"
)

// HTTPGateway opens sessions at a provider speaking plain JSON over HTTP:
// POST {endpoint}/sessions returns {payment_url, external_ref}.
type HTTPGateway struct {
	endpoint string
	client   *http.Client
	tracer   trace.Tracer
}

func NewHTTPGateway(endpoint string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
			},
		},
		tracer: otel.Tracer("gateway"),
	}
}

type sessionRequest struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Method    string `json:"method"`
	ReturnURL string `json:"return_url"`
}

func (g *HTTPGateway) InitiateExternal(ctx context.Context, req Request) (Session, error) {
	if err := validate(req); err != nil {
		return Session{}, err
	}
	ctx, span := g.tracer.Start(ctx, "gateway.InitiateExternal", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", req.PaymentID),
		attribute.Int64("payment.amount", req.Amount),
	)

	s, err := g.post(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Session{}, err
	}
	return s, nil
}

func (g *HTTPGateway) post(ctx context.Context, req Request) (Session, error) {
	body, err := json.Marshal(sessionRequest(req))
	if err != nil {
		return Session{}, err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/sessions", bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Idempotency-Key", req.PaymentID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(hr.Header))

	resp, err := g.client.Do(hr)
	if err != nil {
		return Session{}, fault.External(err, "gateway: create session for %s", req.PaymentID)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Session{}, fault.External(fmt.Errorf("status %s", resp.Status), "gateway: create session for %s", req.PaymentID)
	case resp.StatusCode >= 400:
		return Session{}, fault.Validation("gateway rejected session for %s: %s", req.PaymentID, resp.Status)
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Session{}, fault.External(err, "gateway: decode session for %s", req.PaymentID)
	}
	if s.ExternalRef == "" || s.PaymentURL == "" {
		return Session{}, fault.External(nil, "gateway: incomplete session for %s", req.PaymentID)
	}
	return s, nil
}
