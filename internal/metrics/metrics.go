package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "gamesense_bridge"

// Collector provides a central place for all application metrics
type Collector struct {
	// Tailer metrics
	TailerLinesRead   *prometheus.CounterVec
	TailerBytesRead   prometheus.Counter
	TailerReadErrors  *prometheus.CounterVec
	TailerRotations   prometheus.Counter
	TailerTruncations prometheus.Counter
	TailerState       *prometheus.GaugeVec

	// Classifier metrics
	ClassifierEvents   *prometheus.CounterVec
	ClassifierDuration prometheus.Histogram

	// Buffer metrics
	BufferUtilization *prometheus.GaugeVec
	BufferDropped     *prometheus.CounterVec

	// Sink metrics
	SinkRequests  *prometheus.CounterVec
	SinkDuration  *prometheus.HistogramVec
	SinkReachable prometheus.Gauge

	// Delivery metrics
	EventsDelivered *prometheus.CounterVec
	EventsUnmapped  *prometheus.CounterVec

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionActive   prometheus.Gauge

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerConsecutive *prometheus.GaugeVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initTailerMetrics()
	c.initClassifierMetrics()
	c.initBufferMetrics()
	c.initSinkMetrics()
	c.initSessionMetrics()
	c.initSystemMetrics()
	c.initCircuitBreakerMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initTailerMetrics() {
	c.TailerLinesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "lines_read_total",
			Help:      "Total number of complete lines read from the log",
		},
		[]string{"mode"},
	)

	c.TailerBytesRead = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "bytes_read_total",
			Help:      "Total bytes read from the log",
		},
	)

	c.TailerReadErrors = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "read_errors_total",
			Help:      "Total number of swallowed I/O errors by operation",
		},
		[]string{"op"},
	)

	c.TailerRotations = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "rotations_total",
			Help:      "Total number of times the tracked file changed",
		},
	)

	c.TailerTruncations = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "truncations_total",
			Help:      "Total number of times the tracked file shrank below the offset",
		},
	)

	c.TailerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "state",
			Help:      "Tailer state (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)
}

func (c *Collector) initClassifierMetrics() {
	c.ClassifierEvents = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "events_total",
			Help:      "Total number of classified events by kind",
		},
		[]string{"kind"},
	)

	c.ClassifierDuration = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "duration_seconds",
			Help:      "Time taken to classify one line",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to ~16ms
		},
	)
}

func (c *Collector) initBufferMetrics() {
	c.BufferUtilization = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "utilization_ratio",
			Help:      "Buffer utilization ratio (0.0-1.0)",
		},
		[]string{"buffer_type"},
	)

	c.BufferDropped = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped due to buffer full",
		},
		[]string{"buffer_type", "backpressure_strategy"},
	)
}

func (c *Collector) initSinkMetrics() {
	c.SinkRequests = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "requests_total",
			Help:      "Total number of sink calls by endpoint and outcome",
		},
		[]string{"endpoint", "status"},
	)

	c.SinkDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "duration_seconds",
			Help:      "Time taken by sink calls",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 500µs to ~1s
		},
		[]string{"endpoint"},
	)

	c.SinkReachable = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "reachable",
			Help:      "Result of the last liveness probe (1=reachable, 0=unreachable)",
		},
	)

	c.EventsDelivered = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "events_total",
			Help:      "Total number of deliveries attempted by sink event",
		},
		[]string{"sink_event"},
	)

	c.EventsUnmapped = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "unmapped_total",
			Help:      "Total number of classified events with no sink event assigned",
		},
		[]string{"kind"},
	)
}

func (c *Collector) initSessionMetrics() {
	c.SessionsStarted = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Total number of tailing sessions started",
		},
	)

	c.SessionActive = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Whether a tailing session is running (1=yes, 0=no)",
		},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initCircuitBreakerMetrics() {
	c.CircuitBreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	c.CircuitBreakerConsecutive = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive failures",
		},
		[]string{"name"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// Tailer states reported through TailerState
var tailerStates = []string{"idle", "tailing", "stopped"}

// SetTailerState marks state as the current tailer state
func (c *Collector) SetTailerState(state string) {
	for _, s := range tailerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.TailerState.WithLabelValues(s).Set(v)
	}
}

// SetSinkReachable records the outcome of a liveness probe
func (c *Collector) SetSinkReachable(ok bool) {
	if ok {
		c.SinkReachable.Set(1)
		return
	}
	c.SinkReachable.Set(0)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		return
	}

	stopCh := make(chan struct{})
	c.stopCh = stopCh

	// Collect system metrics every 15 seconds
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		c.collectSystemMetrics()
		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	c.stopCh = nil
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	// Record GC pause time
	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
