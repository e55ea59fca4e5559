package ipc

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts bus calls. A nil *Metrics records nothing.
type Metrics struct {
	calls   *prometheus.CounterVec
	signals *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nostr_signer",
			Subsystem: "ipc",
			Name:      "calls_total",
			Help:      "Bus method calls by method and reply.",
		}, []string{"method", "reply"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nostr_signer",
			Subsystem: "ipc",
			Name:      "signals_total",
			Help:      "Signals emitted by name.",
		}, []string{"signal"}),
	}
	for _, c := range []prometheus.Collector{m.calls, m.signals} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) call(method string, err *dbus.Error) {
	if m == nil {
		return
	}
	reply := "ok"
	if err != nil {
		reply = strings.TrimPrefix(err.Name, ErrorPrefix)
	}
	m.calls.WithLabelValues(method, reply).Inc()
}

func (m *Metrics) signal(name string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(name).Inc()
}
