package licensing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the server counters exposed on /metrics.
type Metrics struct {
	logins        *prometheus.CounterVec
	expired       prometheus.Counter
	resets        prometheus.Counter
	issued        prometheus.Counter
	accountsTotal prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiosk_licensing",
			Name:      "logins_total",
			Help:      "Login attempts by outcome reason.",
		}, []string{"outcome"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiosk_licensing",
			Name:      "subscriptions_expired_total",
			Help:      "Subscriptions moved to expired by the sweeper.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiosk_licensing",
			Name:      "device_lock_resets_total",
			Help:      "Administrative device lock resets.",
		}),
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiosk_licensing",
			Name:      "license_tokens_issued_total",
			Help:      "License tokens minted.",
		}),
		accountsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kiosk_licensing",
			Name:      "accounts",
			Help:      "Accounts counted at the last account listing or expiry sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.logins, m.expired, m.resets, m.issued, m.accountsTotal)
	}
	return m
}

// Nil receivers are no-ops so callers never have to check.

func (m *Metrics) login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) expiredSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) lockReset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}

func (m *Metrics) tokenIssued() {
	if m == nil {
		return
	}
	m.issued.Inc()
}

func (m *Metrics) accounts(n int) {
	if m == nil {
		return
	}
	m.accountsTotal.Set(float64(n))
}
