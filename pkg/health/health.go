// Package health exposes component health checks and the observability
// HTTP surface (liveness, readiness, metrics).
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keelworks/keel/internal/pool"
	"github.com/keelworks/keel/internal/queue"
	"github.com/keelworks/keel/internal/store"
	"github.com/keelworks/keel/pkg/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a single health check result
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Response represents the overall health response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service runs registered checkers and serves the results.
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: config.Metadata,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth runs every registered checker concurrently.
func (s *Service) CheckHealth(ctx context.Context) *Response {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			check := checker.Check(ctx)

			mutex.Lock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
			mutex.Unlock()
		}(name, checker)
	}

	wg.Wait()

	return &Response{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for the full health report.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		switch health.Status {
		case StatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		case StatusDegraded:
			statusCode = http.StatusPartialContent
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// Router builds the observability HTTP surface: health endpoints plus the
// Prometheus scrape endpoint. Passing a nil registry falls back to the
// default gatherer.
func (s *Service) Router(reg prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Handler())
	r.GET("/health/live", s.LivenessHandler())
	r.GET("/health/ready", s.ReadinessHandler())

	if reg == nil {
		reg = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return r
}

// StoreChecker checks durable store connectivity.
type StoreChecker struct {
	store *store.Store
	name  string
}

// NewStoreChecker creates a store health checker.
func NewStoreChecker(s *store.Store, name string) *StoreChecker {
	return &StoreChecker{store: s, name: name}
}

// Check pings the store.
func (sc *StoreChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      sc.name,
		Timestamp: start,
	}

	if sc.store == nil {
		check.Status = StatusUnhealthy
		check.Error = "store is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := sc.store.DB().PingContext(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "store is healthy"
	check.Duration = time.Since(start)
	return check
}

// PoolChecker checks handle pool occupancy.
type PoolChecker struct {
	pool *pool.Pool
	name string
}

// NewPoolChecker creates a pool health checker.
func NewPoolChecker(p *pool.Pool, name string) *PoolChecker {
	return &PoolChecker{pool: p, name: name}
}

// Check reports pool stats; a pool with every handle leased is degraded.
func (pc *PoolChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      pc.name,
		Timestamp: start,
	}

	if pc.pool == nil {
		check.Status = StatusUnhealthy
		check.Error = "pool is nil"
		check.Duration = time.Since(start)
		return check
	}

	stats := pc.pool.Stats()
	check.Status = StatusHealthy
	check.Message = "pool is healthy"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"live":   fmt.Sprintf("%d", stats.Live),
		"idle":   fmt.Sprintf("%d", stats.Idle),
		"in_use": fmt.Sprintf("%d", stats.InUse),
	}

	if stats.Live > 0 && stats.Idle == 0 {
		check.Status = StatusDegraded
		check.Message = "pool has no idle handles"
	}

	return check
}

// QueueChecker verifies the queue can read its depth.
type QueueChecker struct {
	queue *queue.Queue
	name  string
}

// NewQueueChecker creates a queue health checker.
func NewQueueChecker(q *queue.Queue, name string) *QueueChecker {
	return &QueueChecker{queue: q, name: name}
}

// Check measures queue depth.
func (qc *QueueChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      qc.name,
		Timestamp: start,
	}

	if qc.queue == nil {
		check.Status = StatusUnhealthy
		check.Error = "queue is nil"
		check.Duration = time.Since(start)
		return check
	}

	depth, err := qc.queue.Depth(ctx)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "queue is reachable"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"depth": fmt.Sprintf("%d", depth),
	}
	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
