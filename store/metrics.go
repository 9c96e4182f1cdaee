package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

type storeMetrics struct {
	accepted *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

// EnableMetrics registers Prometheus counters for merge outcomes. Call at
// most once per store; Close unregisters them.
func (s *Store) EnableMetrics() {
	m := &storeMetrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsync",
			Subsystem: "store",
			Name:      "updates_accepted",
			Help:      "Number of accepted entity updates",
		}, []string{"class"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsync",
			Subsystem: "store",
			Name:      "updates_rejected",
			Help:      "Number of rejected entity updates",
		}, []string{"reason"}),
	}
	prometheus.MustRegister(m.accepted)
	prometheus.MustRegister(m.rejected)
	s.metrics = m
}

func (m *storeMetrics) unregister() {
	prometheus.Unregister(m.accepted)
	prometheus.Unregister(m.rejected)
}

func (s *Store) countAccept(class Class) {
	if s.metrics == nil {
		return
	}
	s.metrics.accepted.WithLabelValues(string(class)).Inc()
}

func (s *Store) countReject(reason RejectReason) {
	if s.metrics == nil {
		return
	}
	s.metrics.rejected.WithLabelValues(string(reason)).Inc()
}
