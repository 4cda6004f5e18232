package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for booking, status changes,
// the change feed and notification dispatch.
type SchedulingMetrics struct {
	bookingsTotal      *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	feedObservers      prometheus.Gauge
	feedEventsTotal    *prometheus.CounterVec
	relayLatency       prometheus.Histogram
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "requests_total",
			Help:      "Booking attempts by result",
		}, []string{"result"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointment",
			Name:      "transitions_total",
			Help:      "Status transition attempts",
		}, []string{"from", "to", "result"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "notify",
			Name:      "dispatch_total",
			Help:      "Notification dispatches by channel and result",
		}, []string{"channel", "result"}),
		feedObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "feed",
			Name:      "observers",
			Help:      "Currently subscribed feed observers",
		}),
		feedEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Feed events by outcome (published, duplicate, observer_dropped)",
		}, []string{"outcome"}),
		relayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "feed",
			Name:      "relay_batch_seconds",
			Help:      "Time to relay one batch of outbox events",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.bookingsTotal,
		m.transitionsTotal,
		m.notificationsTotal,
		m.feedObservers,
		m.feedEventsTotal,
		m.relayLatency,
	)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(result string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveTransition(from, to, result string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to, result).Inc()
}

func (m *SchedulingMetrics) ObserveNotification(channel, result string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(channel, result).Inc()
}

func (m *SchedulingMetrics) ObserverAdded() {
	if m == nil {
		return
	}
	m.feedObservers.Inc()
}

func (m *SchedulingMetrics) ObserverRemoved() {
	if m == nil {
		return
	}
	m.feedObservers.Dec()
}

func (m *SchedulingMetrics) ObserveFeedEvent(outcome string) {
	if m == nil {
		return
	}
	m.feedEventsTotal.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveRelayBatch(seconds float64) {
	if m == nil {
		return
	}
	m.relayLatency.Observe(seconds)
}
