package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Task metrics
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	QueueDepth   *prometheus.GaugeVec

	// Worker metrics
	ActiveWorkers prometheus.Gauge
	TargetWorkers prometheus.Gauge
	ScaleEvents   *prometheus.CounterVec

	// Resilience metrics
	RetryAttempts       *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Budget metrics
	BudgetErrors *prometheus.CounterVec
	BudgetStatus prometheus.Gauge

	// Degradation metrics
	WorkaroundAttempts *prometheus.CounterVec
	DegradationLevel   prometheus.Gauge

	// Decision metrics
	DecisionsTotal *prometheus.CounterVec

	// Cache metrics
	CacheOperations *prometheus.CounterVec

	// Pool metrics
	PoolHandles  *prometheus.GaugeVec
	PoolTimeouts prometheus.Counter
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "keel",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics. A nil registerer
// registers into the default registry.
func NewMetrics(config *Config, reg prometheus.Registerer) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "tasks_total",
				Help:      "Total number of tasks by terminal status",
			},
			[]string{"status", "category"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"category", "status"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "queue_depth",
				Help:      "Number of pending tasks in the durable queue",
			},
			[]string{"priority"},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "active_workers",
				Help:      "Number of running worker executors",
			},
		),
		TargetWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "target_workers",
				Help:      "Worker count the autoscaler is steering toward",
			},
		),
		ScaleEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "scale_events_total",
				Help:      "Total autoscaling events",
			},
			[]string{"direction"},
		),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "retry_attempts_total",
				Help:      "Total retry attempts by category and outcome",
			},
			[]string{"category", "outcome"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per category (0=closed, 1=open, 2=half-open)",
			},
			[]string{"category"},
		),
		CircuitBreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker open transitions",
			},
			[]string{"category"},
		),
		BudgetErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "budget_errors_total",
				Help:      "Errors recorded against the error budget",
			},
			[]string{"category"},
		),
		BudgetStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "budget_status",
				Help:      "Error budget status (0=healthy, 1=degraded, 2=critical, 3=exceeded)",
			},
		),
		WorkaroundAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "workaround_attempts_total",
				Help:      "Workaround attempts by component and outcome",
			},
			[]string{"component", "outcome"},
		),
		DegradationLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "degradation_level",
				Help:      "System degradation level (0=full ... 4=minimal)",
			},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "decisions_total",
				Help:      "Confidence decisions by chosen strategy",
			},
			[]string{"strategy"},
		),
		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "cache_operations_total",
				Help:      "Cache operations by result (hit, miss, expired, eviction)",
			},
			[]string{"result"},
		),
		PoolHandles: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "pool_handles",
				Help:      "Resource pool handles by state",
			},
			[]string{"state"},
		),
		PoolTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "pool_acquire_timeouts_total",
				Help:      "Total pool acquisitions that timed out",
			},
		),
	}

	reg.MustRegister(
		m.TasksTotal,
		m.TaskDuration,
		m.QueueDepth,
		m.ActiveWorkers,
		m.TargetWorkers,
		m.ScaleEvents,
		m.RetryAttempts,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
		m.BudgetErrors,
		m.BudgetStatus,
		m.WorkaroundAttempts,
		m.DegradationLevel,
		m.DecisionsTotal,
		m.CacheOperations,
		m.PoolHandles,
		m.PoolTimeouts,
	)

	return m
}

// RecordTask records a finished task
func (m *Metrics) RecordTask(status, category string, duration time.Duration) {
	if m.TasksTotal == nil {
		return
	}

	m.TasksTotal.WithLabelValues(status, category).Inc()
	m.TaskDuration.WithLabelValues(category, status).Observe(duration.Seconds())
}

// UpdateQueueDepth updates the pending depth gauge for a priority
func (m *Metrics) UpdateQueueDepth(priority string, depth int64) {
	if m.QueueDepth == nil {
		return
	}

	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// UpdateWorkers updates worker gauges
func (m *Metrics) UpdateWorkers(active, target int) {
	if m.ActiveWorkers == nil {
		return
	}

	m.ActiveWorkers.Set(float64(active))
	m.TargetWorkers.Set(float64(target))
}

// RecordScaleEvent records an autoscaling event
func (m *Metrics) RecordScaleEvent(direction string) {
	if m.ScaleEvents == nil {
		return
	}

	m.ScaleEvents.WithLabelValues(direction).Inc()
}

// RecordRetryAttempt records a retry engine attempt outcome
func (m *Metrics) RecordRetryAttempt(category, outcome string) {
	if m.RetryAttempts == nil {
		return
	}

	m.RetryAttempts.WithLabelValues(category, outcome).Inc()
}

// UpdateCircuitBreakerState updates the breaker gauge for a category
func (m *Metrics) UpdateCircuitBreakerState(category string, state int) {
	if m.CircuitBreakerState == nil {
		return
	}

	m.CircuitBreakerState.WithLabelValues(category).Set(float64(state))
}

// RecordCircuitBreakerTrip records an open transition
func (m *Metrics) RecordCircuitBreakerTrip(category string) {
	if m.CircuitBreakerTrips == nil {
		return
	}

	m.CircuitBreakerTrips.WithLabelValues(category).Inc()
}

// RecordBudgetError records an error counted against the budget
func (m *Metrics) RecordBudgetError(category string, status int) {
	if m.BudgetErrors == nil {
		return
	}

	m.BudgetErrors.WithLabelValues(category).Inc()
	m.BudgetStatus.Set(float64(status))
}

// RecordWorkaround records a workaround attempt
func (m *Metrics) RecordWorkaround(component, outcome string) {
	if m.WorkaroundAttempts == nil {
		return
	}

	m.WorkaroundAttempts.WithLabelValues(component, outcome).Inc()
}

// UpdateDegradationLevel updates the system degradation gauge
func (m *Metrics) UpdateDegradationLevel(level int) {
	if m.DegradationLevel == nil {
		return
	}

	m.DegradationLevel.Set(float64(level))
}

// RecordDecision records a confidence decision
func (m *Metrics) RecordDecision(strategy string) {
	if m.DecisionsTotal == nil {
		return
	}

	m.DecisionsTotal.WithLabelValues(strategy).Inc()
}

// RecordCacheOperation records a cache access result
func (m *Metrics) RecordCacheOperation(result string) {
	if m.CacheOperations == nil {
		return
	}

	m.CacheOperations.WithLabelValues(result).Inc()
}

// UpdatePoolHandles updates the pool gauges
func (m *Metrics) UpdatePoolHandles(live, inUse, idle int) {
	if m.PoolHandles == nil {
		return
	}

	m.PoolHandles.WithLabelValues("live").Set(float64(live))
	m.PoolHandles.WithLabelValues("in_use").Set(float64(inUse))
	m.PoolHandles.WithLabelValues("idle").Set(float64(idle))
}

// RecordPoolTimeout records a pool acquire timeout
func (m *Metrics) RecordPoolTimeout() {
	if m.PoolTimeouts == nil {
		return
	}

	m.PoolTimeouts.Inc()
}
