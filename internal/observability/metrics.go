package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_transcriber_active_sessions",
		Help: "Number of listening sessions currently active",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_transcriber_sessions_total",
		Help: "Total number of listening sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "live_transcriber_session_duration_seconds",
		Help:    "Duration of listening sessions in seconds",
		Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
	})

	componentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "live_transcriber_component_state",
		Help: "Current lifecycle state per component (1 for the active state)",
	}, []string{"component", "state"})

	// Recognition metrics
	engineStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_engine_starts_total",
		Help: "Total number of recognition engine launches",
	}, []string{"status"})

	engineStartLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "live_transcriber_engine_start_latency_seconds",
		Help:    "Time from engine launch to start acknowledgement",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_engine_restarts_total",
		Help: "Total number of engine restarts by reason",
	}, []string{"reason"})

	watchdogFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_watchdog_fired_total",
		Help: "Total number of watchdog expirations",
	}, []string{"watchdog"})

	segmentsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_transcriber_segments_finalized_total",
		Help: "Total number of transcript segments finalized",
	})

	boundaryMarkers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_boundary_markers_total",
		Help: "Total number of boundary markers inserted",
	}, []string{"marker"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_errors_total",
		Help: "Total number of errors",
	}, []string{"class", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "live_transcriber_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio relay metrics
	audioChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_audio_chunks_total",
		Help: "Total audio chunks relayed to the backend",
	}, []string{"status"})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "captured" or "relayed"

	backendMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_backend_messages_total",
		Help: "Total messages exchanged with the backend channel",
	}, []string{"direction", "type"})

	// Sink metrics
	sinkClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_transcriber_sink_clients",
		Help: "Number of connected UI event clients",
	})

	kafkaPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_kafka_publishes_total",
		Help: "Total transcript events published to Kafka",
	}, []string{"kind", "status"})
)

// Metrics tracks metrics for a single listening session
type Metrics struct {
	sessionID      string
	startTime      time.Time
	engineLaunchAt time.Time
	mu             sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	m.mu.Lock()
	duration := time.Since(m.startTime).Seconds()
	m.mu.Unlock()
	sessionDuration.Observe(duration)
}

// RecordEngineLaunch records that an engine run was requested
func (m *Metrics) RecordEngineLaunch() {
	m.mu.Lock()
	m.engineLaunchAt = time.Now()
	m.mu.Unlock()
}

// RecordEngineStarted records the outcome of an engine launch
func (m *Metrics) RecordEngineStarted(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if success && !m.engineLaunchAt.IsZero() {
		engineStartLatency.Observe(time.Since(m.engineLaunchAt).Seconds())
	}
	m.engineLaunchAt = time.Time{}

	status := "success"
	if !success {
		status = "error"
	}
	engineStarts.WithLabelValues(status).Inc()
}

// RecordStateChange moves the component state gauge from one state to another
func RecordStateChange(component, from, to string) {
	if from != "" {
		componentState.WithLabelValues(component, from).Set(0)
	}
	componentState.WithLabelValues(component, to).Set(1)
}

// RecordRestart records an engine restart
func RecordRestart(reason string) {
	restartsTotal.WithLabelValues(reason).Inc()
}

// RecordWatchdog records a watchdog expiration
func RecordWatchdog(name string) {
	watchdogFired.WithLabelValues(name).Inc()
}

// RecordSegmentsFinalized records finalized transcript segments
func RecordSegmentsFinalized(n int) {
	if n > 0 {
		segmentsFinalized.Add(float64(n))
	}
}

// RecordMarker records a boundary marker
func RecordMarker(marker string) {
	boundaryMarkers.WithLabelValues(marker).Inc()
}

// RecordError records an error
func RecordError(class, component string) {
	errorsTotal.WithLabelValues(class, component).Inc()
}

// RecordChunk records the outcome of a relayed audio chunk
func RecordChunk(success bool, bytes int) {
	if !success {
		audioChunks.WithLabelValues("error").Inc()
		return
	}
	audioChunks.WithLabelValues("success").Inc()
	audioBytesProcessed.WithLabelValues("relayed").Add(float64(bytes))
}

// RecordCapturedBytes records audio bytes read from the capture device
func RecordCapturedBytes(bytes int) {
	audioBytesProcessed.WithLabelValues("captured").Add(float64(bytes))
}

// RecordEngineBytes records audio bytes streamed to the recognition engine
func RecordEngineBytes(bytes int) {
	audioBytesProcessed.WithLabelValues("engine").Add(float64(bytes))
}

// RecordBackendMessage records a message sent to or received from the backend
func RecordBackendMessage(direction, msgType string) {
	backendMessages.WithLabelValues(direction, msgType).Inc()
}

// SetSinkClients sets the number of connected UI event clients
func SetSinkClients(n int) {
	sinkClients.Set(float64(n))
}

// RecordKafkaPublish records a Kafka publish attempt
func RecordKafkaPublish(kind string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	kafkaPublishes.WithLabelValues(kind, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
