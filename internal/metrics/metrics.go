// Package metrics holds the Prometheus collectors shared by the ledger and the
// lifecycles. A nil *Metrics records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Movements          *prometheus.CounterVec
	Rejections         *prometheus.CounterVec
	OrderTransitions   *prometheus.CounterVec
	PaymentTransitions *prometheus.CounterVec
	CouponRedemptions  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Movements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_movements_total",
			Help: "Stock movements written to the ledger, by movement type.",
		}, []string{"type"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_rejections_total",
			Help: "Stock movements rejected by the ledger, by movement type.",
		}, []string{"type"}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Applied order status transitions.",
		}, []string{"from", "to"}),
		PaymentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Applied payment status transitions.",
		}, []string{"from", "to"}),
		CouponRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coupon_redemptions_total",
			Help: "Coupon redemption attempts at order commit, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Movements, m.Rejections, m.OrderTransitions, m.PaymentTransitions, m.CouponRedemptions)
	}
	return m
}

func (m *Metrics) Movement(kind string) {
	if m == nil {
		return
	}
	m.Movements.WithLabelValues(kind).Inc()
}

func (m *Metrics) Rejection(kind string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) OrderTransition(from, to string) {
	if m == nil {
		return
	}
	m.OrderTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) PaymentTransition(from, to string) {
	if m == nil {
		return
	}
	m.PaymentTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) CouponRedemption(result string) {
	if m == nil {
		return
	}
	m.CouponRedemptions.WithLabelValues(result).Inc()
}
