package donneur

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts reconciler activity. A nil *Metrics records nothing.
type Metrics struct {
	changes      *prometheus.CounterVec
	upgrades     *prometheus.CounterVec
	rollbacks    *prometheus.CounterVec
	pending      *prometheus.GaugeVec
	resubscribes *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "donneur_remote_changes_total",
			Help: "Remote change notifications applied to local caches",
		}, []string{"entity", "kind"}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "donneur_temp_upgrades_total",
			Help: "Optimistic records whose temporary id was replaced by a store id",
		}, []string{"entity", "via"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "donneur_rollbacks_total",
			Help: "Optimistic mutations reverted after a failed write",
		}, []string{"entity", "op"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "donneur_pending_remote_items",
			Help: "Remote inserts held back until the next refresh",
		}, []string{"entity"}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "donneur_resubscribes_total",
			Help: "Subscription retries after a listener failure",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.changes, m.upgrades, m.rollbacks, m.pending, m.resubscribes)
	}
	return m
}

func (m *Metrics) change(entity string, kind ChangeKind) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(entity, string(kind)).Inc()
}

func (m *Metrics) upgrade(entity, via string) {
	if m == nil {
		return
	}
	m.upgrades.WithLabelValues(entity, via).Inc()
}

func (m *Metrics) rollback(entity, op string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(entity, op).Inc()
}

func (m *Metrics) setPending(entity string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(entity).Set(float64(n))
}

func (m *Metrics) resubscribe(outcome string) {
	if m == nil {
		return
	}
	m.resubscribes.WithLabelValues(outcome).Inc()
}
