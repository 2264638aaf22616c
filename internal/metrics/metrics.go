package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the option watch engine.
// All recording methods are safe on a nil *Metrics.
type Metrics struct {
	CandlesTotal     *prometheus.CounterVec // labels: source
	CandlesIgnored   prometheus.Counter
	ProcessDur       prometheus.Histogram
	EventsTotal      *prometheus.CounterVec // labels: kind
	PhaseTransitions *prometheus.CounterVec // labels: to
	MonitoredGauge   prometheus.Gauge
	PendingMomentum  prometheus.Gauge
	PartitionPanics  prometheus.Counter
	QueueSaturation  *prometheus.GaugeVec // labels: partition

	// Backpressure
	BusDropsTotal *prometheus.CounterVec // labels: subscriber

	// Delivery
	AlertsSent   *prometheus.CounterVec // labels: sink
	AlertsFailed *prometheus.CounterVec // labels: sink

	// Sources
	SourceErrors *prometheus.CounterVec // labels: source
	PollDur      prometheus.Histogram

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// Journal
	JournalWriteDur prometheus.Histogram

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open

	// WebSocket
	WSClients prometheus.Gauge
}

// NewMetrics registers and returns all metrics on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionwatch_candles_total",
			Help: "Candles processed by the detection engine",
		}, []string{"source"}),
		CandlesIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionwatch_candles_ignored_total",
			Help: "Candles for instruments that are not monitored",
		}),
		ProcessDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optionwatch_candle_process_duration_seconds",
			Help:    "Detector latency per candle",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionwatch_events_total",
			Help: "Events emitted by kind",
		}, []string{"kind"}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionwatch_phase_transitions_total",
			Help: "Breakout phase transitions by target phase",
		}, []string{"to"}),
		MonitoredGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionwatch_monitored_instruments",
			Help: "Instruments currently monitored",
		}),
		PendingMomentum: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionwatch_pending_momentum",
			Help: "Momentum calculations waiting on the paired leg",
		}),
		PartitionPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionwatch_partition_panics_total",
			Help: "Recovered panics while processing a candle",
		}),
		QueueSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optionwatch_queue_saturation_pct",
			Help: "Partition queue fill percentage (len/cap * 100)",
		}, []string{"partition"}),
		BusDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionwatch_bus_drops_total",
			Help: "Events dropped by the event bus per subscriber",
		}, []string{"subscriber"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionwatch_alerts_sent_total",
			Help: "Alerts delivered per sink",
		}, []string{"sink"}),
		AlertsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionwatch_alerts_failed_total",
			Help: "Alerts that exhausted retries per sink",
		}, []string{"sink"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionwatch_source_errors_total",
			Help: "Candle source fetch errors",
		}, []string{"source"}),
		PollDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optionwatch_poll_duration_seconds",
			Help:    "Broker poll cycle latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionwatch_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionwatch_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		JournalWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optionwatch_journal_write_duration_seconds",
			Help:    "Journal insert latency",
			Buckets: prometheus.DefBuckets,
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionwatch_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionwatch_ws_clients",
			Help: "Connected WebSocket event clients",
		}),
	}

	reg.MustRegister(
		m.CandlesTotal,
		m.CandlesIgnored,
		m.ProcessDur,
		m.EventsTotal,
		m.PhaseTransitions,
		m.MonitoredGauge,
		m.PendingMomentum,
		m.PartitionPanics,
		m.QueueSaturation,
		m.BusDropsTotal,
		m.AlertsSent,
		m.AlertsFailed,
		m.SourceErrors,
		m.PollDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.JournalWriteDur,
		m.MarketState,
		m.WSClients,
	)

	return m
}

func (m *Metrics) ObserveCandle(source string, started time.Time) {
	if m == nil {
		return
	}
	m.CandlesTotal.WithLabelValues(source).Inc()
	m.ProcessDur.Observe(time.Since(started).Seconds())
}

func (m *Metrics) IgnoreCandle() {
	if m == nil {
		return
	}
	m.CandlesIgnored.Inc()
}

func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Phase(to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Monitored(delta float64) {
	if m == nil {
		return
	}
	m.MonitoredGauge.Add(delta)
}

func (m *Metrics) Pending(delta float64) {
	if m == nil {
		return
	}
	m.PendingMomentum.Add(delta)
}

func (m *Metrics) Panic() {
	if m == nil {
		return
	}
	m.PartitionPanics.Inc()
}

func (m *Metrics) Saturation(partition string, length, capacity int) {
	if m == nil || capacity == 0 {
		return
	}
	m.QueueSaturation.WithLabelValues(partition).Set(float64(length) / float64(capacity) * 100)
}

func (m *Metrics) BusDrop(subscriber string) {
	if m == nil {
		return
	}
	m.BusDropsTotal.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) Alert(sink string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AlertsFailed.WithLabelValues(sink).Inc()
		return
	}
	m.AlertsSent.WithLabelValues(sink).Inc()
}

func (m *Metrics) SourceError(source string) {
	if m == nil {
		return
	}
	m.SourceErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) ObservePoll(started time.Time) {
	if m == nil {
		return
	}
	m.PollDur.Observe(time.Since(started).Seconds())
}

func (m *Metrics) BreakerState(state int) {
	if m == nil {
		return
	}
	m.RedisCircuitBreakerState.Set(float64(state))
}

func (m *Metrics) BreakerTrip() {
	if m == nil {
		return
	}
	m.RedisCircuitBreakerTrips.Inc()
}

func (m *Metrics) ObserveJournal(started time.Time) {
	if m == nil {
		return
	}
	m.JournalWriteDur.Observe(time.Since(started).Seconds())
}

func (m *Metrics) Market(open bool) {
	if m == nil {
		return
	}
	if open {
		m.MarketState.Set(1)
		return
	}
	m.MarketState.Set(0)
}

func (m *Metrics) WSClient(delta float64) {
	if m == nil {
		return
	}
	m.WSClients.Add(delta)
}
