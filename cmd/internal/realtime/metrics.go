package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "courier"

// Metrics instruments the delivery core. A nil *Metrics is valid and records nothing.
type Metrics struct {
	logins          *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	routed          *prometheus.CounterVec
	streamsOpened   prometheus.Counter
	historyFailures prometheus.Counter
	sweeps          prometheus.Counter
	sweepFailures   prometheus.Counter

	collectors []prometheus.Collector
}

// NewMetrics builds the core's collectors. sessions and streams report the current
// registry and channel sizes. When r is nil nothing is registered.
func NewMetrics(r prometheus.Registerer, sessions, streams func() int) (*Metrics, error) {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_evictions_total",
			Help:      "Sessions removed from the registry by reason.",
		}, []string{"reason"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_routed_total",
			Help:      "Messages accepted by the router by delivery outcome.",
		}, []string{"delivery"}),
		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "streams_opened_total",
			Help:      "Incoming-message streams opened.",
		}),
		historyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "history_append_failures_total",
			Help:      "Messages the history store failed to record.",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweeps_total",
			Help:      "Liveness sweep passes.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_record_failures_total",
			Help:      "Records a sweep pass failed to evict.",
		}),
	}

	m.collectors = []prometheus.Collector{
		m.logins, m.evictions, m.routed, m.streamsOpened,
		m.historyFailures, m.sweeps, m.sweepFailures,
	}
	if sessions != nil {
		m.collectors = append(m.collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Sessions currently held by the registry.",
		}, func() float64 { return float64(sessions()) }))
	}
	if streams != nil {
		m.collectors = append(m.collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "streams_open",
			Help:      "Delivery channels with a live subscriber.",
		}, func() float64 { return float64(streams()) }))
	}

	if r != nil {
		for _, c := range m.collectors {
			if err := r.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) login(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) evicted(reason EvictReason) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) messageRouted(live bool) {
	if m == nil {
		return
	}
	delivery := "offline"
	if live {
		delivery = "live"
	}
	m.routed.WithLabelValues(delivery).Inc()
}

func (m *Metrics) streamOpened() {
	if m == nil {
		return
	}
	m.streamsOpened.Inc()
}

func (m *Metrics) historyFailed() {
	if m == nil {
		return
	}
	m.historyFailures.Inc()
}

func (m *Metrics) swept() {
	if m == nil {
		return
	}
	m.sweeps.Inc()
}

func (m *Metrics) sweepFailed() {
	if m == nil {
		return
	}
	m.sweepFailures.Inc()
}
