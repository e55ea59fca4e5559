package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chebizarro/nostr-signer/history"
)

// Metrics holds the broker's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	policy   *prometheus.CounterVec
	pending  prometheus.Gauge
	wait     prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nostr_signer",
			Subsystem: "broker",
			Name:      "requests_total",
			Help:      "Signing requests by outcome.",
		}, []string{"result"}),
		policy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nostr_signer",
			Subsystem: "broker",
			Name:      "policy_decisions_total",
			Help:      "Requests decided by a remembered policy.",
		}, []string{"decision"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nostr_signer",
			Subsystem: "broker",
			Name:      "pending_requests",
			Help:      "Requests waiting for a prompter.",
		}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nostr_signer",
			Subsystem: "broker",
			Name:      "approval_wait_seconds",
			Help:      "Time between a prompt and its answer.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.policy, m.pending, m.wait} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) request(r history.Result) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) policyDecision(allow bool) {
	if m == nil {
		return
	}
	d := "deny"
	if allow {
		d = "allow"
	}
	m.policy.WithLabelValues(d).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) observeWait(d time.Duration) {
	if m == nil {
		return
	}
	m.wait.Observe(d.Seconds())
}
