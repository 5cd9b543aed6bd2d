package metrics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PoolStats represents statistics for a processing pool
type PoolStats struct {
	PoolCode                string  `json:"poolCode"`
	TotalProcessed          int64   `json:"totalProcessed"`
	TotalSucceeded          int64   `json:"totalSucceeded"`
	TotalFailed             int64   `json:"totalFailed"`
	TotalRateLimited        int64   `json:"totalRateLimited"`
	SuccessRate             float64 `json:"successRate"`
	ActiveWorkers           int     `json:"activeWorkers"`
	AvailablePermits        int     `json:"availablePermits"`
	MaxConcurrency          int     `json:"maxConcurrency"`
	QueueSize               int     `json:"queueSize"`
	MaxQueueCapacity        int     `json:"maxQueueCapacity"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
	// 5-minute rolling window
	TotalProcessed5min int64   `json:"totalProcessed5min"`
	Succeeded5min      int64   `json:"succeeded5min"`
	Failed5min         int64   `json:"failed5min"`
	SuccessRate5min    float64 `json:"successRate5min"`
	// 30-minute rolling window
	TotalProcessed30min int64   `json:"totalProcessed30min"`
	Succeeded30min      int64   `json:"succeeded30min"`
	Failed30min         int64   `json:"failed30min"`
	SuccessRate30min    float64 `json:"successRate30min"`
}

// EmptyPoolStats returns empty statistics for a pool
func EmptyPoolStats(poolCode string) *PoolStats {
	return &PoolStats{
		PoolCode:         poolCode,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// PoolMetricsService tracks processing pool metrics
type PoolMetricsService interface {
	RecordMessageSubmitted(poolCode string)
	RecordProcessingStarted(poolCode string)
	RecordProcessingFinished(poolCode string)
	RecordProcessingSuccess(poolCode string, durationMs int64)
	RecordProcessingFailure(poolCode string, durationMs int64, errorType string)
	RecordRateLimitExceeded(poolCode string)
	RecordProcessingTransient(poolCode string, durationMs int64)
	InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int)
	UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int)
	GetPoolStats(poolCode string) *PoolStats
	GetAllPoolStats() map[string]*PoolStats
	GetLastActivityTimestamp(poolCode string) *time.Time
	RemovePoolMetrics(poolCode string)
}

// poolCounters are the monotonically-increasing tallies for a pool; they
// never need the outcome window's mutex since they only ever add.
type poolCounters struct {
	submitted     atomic.Int64
	succeeded     atomic.Int64
	failed        atomic.Int64
	rateLimited   atomic.Int64
	transient     atomic.Int64
	processTimeMs atomic.Int64
}

// poolGauges are point-in-time values overwritten on every report rather
// than accumulated, so they get their own lock distinct from the counters.
type poolGauges struct {
	mu                sync.RWMutex
	activeWorkers     int
	availablePermits  int
	queueSize         int
	messageGroupCount int
	maxConcurrency    int
	maxQueueCapacity  int
	lastActivity      time.Time
}

func (g *poolGauges) set(activeWorkers, availablePermits, queueSize, messageGroupCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activeWorkers = activeWorkers
	g.availablePermits = availablePermits
	g.queueSize = queueSize
	g.messageGroupCount = messageGroupCount
}

func (g *poolGauges) setCapacity(maxConcurrency, maxQueueCapacity int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxConcurrency = maxConcurrency
	g.maxQueueCapacity = maxQueueCapacity
}

func (g *poolGauges) touchActivity() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastActivity = time.Now()
}

func (g *poolGauges) snapshot() poolGauges {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return poolGauges{
		activeWorkers:     g.activeWorkers,
		availablePermits:  g.availablePermits,
		queueSize:         g.queueSize,
		messageGroupCount: g.messageGroupCount,
		maxConcurrency:    g.maxConcurrency,
		maxQueueCapacity:  g.maxQueueCapacity,
		lastActivity:      g.lastActivity,
	}
}

// poolMetricsHolder holds metrics for a single pool.
type poolMetricsHolder struct {
	counters poolCounters
	gauges   poolGauges
	window   outcomeWindow
}

// InMemoryPoolMetricsService is an in-memory implementation of PoolMetricsService
type InMemoryPoolMetricsService struct {
	mu      sync.RWMutex
	metrics map[string]*poolMetricsHolder
}

// NewInMemoryPoolMetricsService creates a new pool metrics service
func NewInMemoryPoolMetricsService() *InMemoryPoolMetricsService {
	return &InMemoryPoolMetricsService{
		metrics: make(map[string]*poolMetricsHolder),
	}
}

// RecordMessageSubmitted records that a message was submitted to a pool
func (s *InMemoryPoolMetricsService) RecordMessageSubmitted(poolCode string) {
	s.getOrCreateMetrics(poolCode).counters.submitted.Add(1)
}

// RecordProcessingStarted is a no-op; active workers are tracked via UpdatePoolGauges.
func (s *InMemoryPoolMetricsService) RecordProcessingStarted(poolCode string) {}

// RecordProcessingFinished is a no-op; active workers are tracked via UpdatePoolGauges.
func (s *InMemoryPoolMetricsService) RecordProcessingFinished(poolCode string) {}

// RecordProcessingSuccess records successful message processing
func (s *InMemoryPoolMetricsService) RecordProcessingSuccess(poolCode string, durationMs int64) {
	h := s.getOrCreateMetrics(poolCode)
	h.counters.succeeded.Add(1)
	h.counters.processTimeMs.Add(durationMs)
	h.gauges.touchActivity()
	h.window.record(true)
}

// RecordProcessingFailure records failed message processing
func (s *InMemoryPoolMetricsService) RecordProcessingFailure(poolCode string, durationMs int64, errorType string) {
	h := s.getOrCreateMetrics(poolCode)
	h.counters.failed.Add(1)
	h.counters.processTimeMs.Add(durationMs)
	h.gauges.touchActivity()
	h.window.record(false)
}

// RecordRateLimitExceeded records a rate limit rejection
func (s *InMemoryPoolMetricsService) RecordRateLimitExceeded(poolCode string) {
	s.getOrCreateMetrics(poolCode).counters.rateLimited.Add(1)
}

// RecordProcessingTransient records a transient error (will be retried).
// Activity timestamp is deliberately left untouched: a transient error
// isn't evidence the pool is making forward progress.
func (s *InMemoryPoolMetricsService) RecordProcessingTransient(poolCode string, durationMs int64) {
	h := s.getOrCreateMetrics(poolCode)
	h.counters.transient.Add(1)
	h.counters.processTimeMs.Add(durationMs)
}

// InitializePoolCapacity sets pool capacity settings
func (s *InMemoryPoolMetricsService) InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int) {
	s.getOrCreateMetrics(poolCode).gauges.setCapacity(maxConcurrency, maxQueueCapacity)
}

// UpdatePoolGauges updates gauge metrics for pool state
func (s *InMemoryPoolMetricsService) UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int) {
	s.getOrCreateMetrics(poolCode).gauges.set(activeWorkers, availablePermits, queueSize, messageGroupCount)
}

// GetPoolStats returns statistics for a specific pool
func (s *InMemoryPoolMetricsService) GetPoolStats(poolCode string) *PoolStats {
	s.mu.RLock()
	holder, ok := s.metrics[poolCode]
	s.mu.RUnlock()

	if !ok {
		return EmptyPoolStats(poolCode)
	}
	return holder.buildStats(poolCode)
}

// GetAllPoolStats returns statistics for all pools
func (s *InMemoryPoolMetricsService) GetAllPoolStats() map[string]*PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*PoolStats, len(s.metrics))
	for poolCode, holder := range s.metrics {
		result[poolCode] = holder.buildStats(poolCode)
	}
	return result
}

// GetLastActivityTimestamp returns the last activity timestamp for a pool
func (s *InMemoryPoolMetricsService) GetLastActivityTimestamp(poolCode string) *time.Time {
	s.mu.RLock()
	holder, ok := s.metrics[poolCode]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	g := holder.gauges.snapshot()
	if g.lastActivity.IsZero() {
		return nil
	}
	return &g.lastActivity
}

// RemovePoolMetrics removes all metrics for a pool
func (s *InMemoryPoolMetricsService) RemovePoolMetrics(poolCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.metrics[poolCode]; ok {
		delete(s.metrics, poolCode)
		slog.Info("Removed metrics for pool", "poolCode", poolCode)
	}
}

func (s *InMemoryPoolMetricsService) getOrCreateMetrics(poolCode string) *poolMetricsHolder {
	s.mu.RLock()
	holder, ok := s.metrics[poolCode]
	s.mu.RUnlock()
	if ok {
		return holder
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.metrics[poolCode]; ok {
		return holder
	}

	holder = &poolMetricsHolder{}
	s.metrics[poolCode] = holder
	slog.Info("Creating metrics for pool", "poolCode", poolCode)
	return holder
}

func (h *poolMetricsHolder) buildStats(poolCode string) *PoolStats {
	succeeded := h.counters.succeeded.Load()
	failed := h.counters.failed.Load()
	totalProcessed := succeeded + failed

	avgProcessingTime := 0.0
	if totalProcessed > 0 {
		avgProcessingTime = float64(h.counters.processTimeMs.Load()) / float64(totalProcessed)
	}

	wc := h.window.counts()
	g := h.gauges.snapshot()

	return &PoolStats{
		PoolCode:                poolCode,
		TotalProcessed:          totalProcessed,
		TotalSucceeded:          succeeded,
		TotalFailed:             failed,
		TotalRateLimited:        h.counters.rateLimited.Load(),
		SuccessRate:             ratio(succeeded, totalProcessed),
		ActiveWorkers:           g.activeWorkers,
		AvailablePermits:        g.availablePermits,
		MaxConcurrency:          g.maxConcurrency,
		QueueSize:               g.queueSize,
		MaxQueueCapacity:        g.maxQueueCapacity,
		AverageProcessingTimeMs: avgProcessingTime,
		TotalProcessed5min:      wc.succeeded5min + wc.failed5min,
		Succeeded5min:           wc.succeeded5min,
		Failed5min:              wc.failed5min,
		SuccessRate5min:         ratio(wc.succeeded5min, wc.succeeded5min+wc.failed5min),
		TotalProcessed30min:     wc.succeeded30min + wc.failed30min,
		Succeeded30min:          wc.succeeded30min,
		Failed30min:             wc.failed30min,
		SuccessRate30min:        ratio(wc.succeeded30min, wc.succeeded30min+wc.failed30min),
	}
}
