package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsp",
			Subsystem: "transport",
			Name:      "publishes_total",
			Help:      "Publish calls by message type and final result.",
		},
		[]string{"message_type", "result"},
	)
	publishAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hsp",
			Subsystem: "transport",
			Name:      "publish_attempts",
			Help:      "Network attempts spent per publish call.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"message_type"},
	)
	breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hsp",
			Subsystem: "transport",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open).",
		},
	)
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsp",
			Subsystem: "transport",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		},
		[]string{"from", "to"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsp",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Broker reconnect attempts by result.",
		},
		[]string{"result"},
	)
	inbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsp",
			Subsystem: "dispatch",
			Name:      "inbound_total",
			Help:      "Inbound envelopes by message type and handling result.",
		},
		[]string{"message_type", "result"},
	)
	queueDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hsp",
			Subsystem: "dispatch",
			Name:      "queue_drops_total",
			Help:      "Inbound deliveries dropped because a dispatch queue was full.",
		},
	)
	taskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsp",
			Subsystem: "tasks",
			Name:      "outcomes_total",
			Help:      "Task records reaching a terminal state.",
		},
		[]string{"state"},
	)
	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hsp",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time from task request to terminal state.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	registryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hsp",
			Subsystem: "discovery",
			Name:      "entries",
			Help:      "Live capability entries in the registry.",
		},
	)
	contradictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsp",
			Subsystem: "facts",
			Name:      "contradictions_total",
			Help:      "Fact conflicts by class and resolution.",
		},
		[]string{"class", "resolution"},
	)
	trustUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsp",
			Subsystem: "trust",
			Name:      "updates_total",
			Help:      "Trust score updates by signal.",
		},
		[]string{"success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsp",
			Subsystem: "status_http",
			Name:      "requests_total",
			Help:      "Status endpoint HTTP requests.",
		},
		[]string{"peer", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hsp",
			Subsystem: "status_http",
			Name:      "request_duration_seconds",
			Help:      "Status endpoint HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"peer", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			publishes,
			publishAttempts,
			breakerState,
			breakerTransitions,
			reconnects,
			inbound,
			queueDrops,
			taskOutcomes,
			taskDuration,
			registryEntries,
			contradictions,
			trustUpdates,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordPublish(messageType, result string, attempts int) {
	RegisterMetrics()
	publishes.WithLabelValues(messageType, result).Inc()
	if attempts > 0 {
		publishAttempts.WithLabelValues(messageType).Observe(float64(attempts))
	}
}

// SetBreakerState records the breaker state as its numeric code.
func SetBreakerState(code int) {
	RegisterMetrics()
	breakerState.Set(float64(code))
}

func RecordBreakerTransition(from, to string) {
	RegisterMetrics()
	breakerTransitions.WithLabelValues(from, to).Inc()
}

func RecordReconnect(success bool) {
	RegisterMetrics()
	result := "failed"
	if success {
		result = "ok"
	}
	reconnects.WithLabelValues(result).Inc()
}

func RecordInbound(messageType, result string) {
	RegisterMetrics()
	if messageType == "" {
		messageType = "unknown"
	}
	inbound.WithLabelValues(messageType, result).Inc()
}

func RecordQueueDrop() {
	RegisterMetrics()
	queueDrops.Inc()
}

func RecordTaskOutcome(state string, elapsed time.Duration) {
	RegisterMetrics()
	taskOutcomes.WithLabelValues(state).Inc()
	taskDuration.Observe(elapsed.Seconds())
}

func SetRegistryEntries(n int) {
	RegisterMetrics()
	registryEntries.Set(float64(n))
}

func RecordContradiction(class, resolution string) {
	RegisterMetrics()
	contradictions.WithLabelValues(class, resolution).Inc()
}

func RecordTrustUpdate(success bool) {
	RegisterMetrics()
	trustUpdates.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func RecordHTTPRequest(peer, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(peer, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(peer, method, path, statusLabel).Observe(duration.Seconds())
}
