package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// QueueStats represents statistics for a queue
type QueueStats struct {
	Name               string  `json:"name"`
	TotalMessages      int64   `json:"totalMessages"`
	TotalConsumed      int64   `json:"totalConsumed"`
	TotalFailed        int64   `json:"totalFailed"`
	SuccessRate        float64 `json:"successRate"`
	CurrentSize        int64   `json:"currentSize"`
	Throughput         float64 `json:"throughput"`
	PendingMessages    int64   `json:"pendingMessages"`
	MessagesNotVisible int64   `json:"messagesNotVisible"`
	// 5-minute rolling window
	TotalMessages5min int64   `json:"totalMessages5min"`
	Consumed5min      int64   `json:"consumed5min"`
	Failed5min        int64   `json:"failed5min"`
	SuccessRate5min   float64 `json:"successRate5min"`
	// 30-minute rolling window
	TotalMessages30min int64   `json:"totalMessages30min"`
	Consumed30min      int64   `json:"consumed30min"`
	Failed30min        int64   `json:"failed30min"`
	SuccessRate30min   float64 `json:"successRate30min"`
}

// EmptyQueueStats returns empty statistics for a queue
func EmptyQueueStats(queueID string) *QueueStats {
	return &QueueStats{
		Name:             queueID,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// QueueMetricsService tracks queue-level metrics including message throughput,
// success/failure rates, and queue depth.
type QueueMetricsService interface {
	RecordMessageReceived(queueID string)
	RecordMessageProcessed(queueID string, success bool)
	RecordQueueDepth(queueID string, depth int64)
	RecordQueueMetrics(queueID string, pendingMessages, messagesNotVisible int64)
	GetQueueStats(queueID string) *QueueStats
	GetAllQueueStats() map[string]*QueueStats
}

// queueCounters are the monotonically-increasing tallies for a queue.
type queueCounters struct {
	received atomic.Int64
	consumed atomic.Int64
	failed   atomic.Int64
}

// queueGauges are point-in-time depth/backlog values.
type queueGauges struct {
	mu                 sync.RWMutex
	currentDepth       int64
	pendingMessages    int64
	messagesNotVisible int64
	lastProcessedTime  time.Time
}

func (g *queueGauges) setDepth(depth int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentDepth = depth
}

func (g *queueGauges) setBacklog(pendingMessages, messagesNotVisible int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingMessages = pendingMessages
	g.messagesNotVisible = messagesNotVisible
}

func (g *queueGauges) touchProcessed() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastProcessedTime = time.Now()
}

func (g *queueGauges) snapshot() queueGauges {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return queueGauges{
		currentDepth:       g.currentDepth,
		pendingMessages:    g.pendingMessages,
		messagesNotVisible: g.messagesNotVisible,
		lastProcessedTime:  g.lastProcessedTime,
	}
}

// queueMetricsHolder holds metrics for a single queue.
type queueMetricsHolder struct {
	counters  queueCounters
	gauges    queueGauges
	window    outcomeWindow
	startTime time.Time
}

// InMemoryQueueMetricsService is an in-memory implementation of QueueMetricsService
type InMemoryQueueMetricsService struct {
	mu      sync.RWMutex
	metrics map[string]*queueMetricsHolder
}

// NewInMemoryQueueMetricsService creates a new queue metrics service
func NewInMemoryQueueMetricsService() *InMemoryQueueMetricsService {
	return &InMemoryQueueMetricsService{
		metrics: make(map[string]*queueMetricsHolder),
	}
}

// RecordMessageReceived records that a message was received from a queue
func (s *InMemoryQueueMetricsService) RecordMessageReceived(queueID string) {
	s.getOrCreateMetrics(queueID).counters.received.Add(1)
}

// RecordMessageProcessed records that a message was processed
func (s *InMemoryQueueMetricsService) RecordMessageProcessed(queueID string, success bool) {
	h := s.getOrCreateMetrics(queueID)
	if success {
		h.counters.consumed.Add(1)
	} else {
		h.counters.failed.Add(1)
	}
	h.gauges.touchProcessed()
	h.window.record(success)
}

// RecordQueueDepth records the current queue depth
func (s *InMemoryQueueMetricsService) RecordQueueDepth(queueID string, depth int64) {
	s.getOrCreateMetrics(queueID).gauges.setDepth(depth)
}

// RecordQueueMetrics records pending messages and messages not visible
func (s *InMemoryQueueMetricsService) RecordQueueMetrics(queueID string, pendingMessages, messagesNotVisible int64) {
	s.getOrCreateMetrics(queueID).gauges.setBacklog(pendingMessages, messagesNotVisible)
}

// GetQueueStats returns statistics for a specific queue
func (s *InMemoryQueueMetricsService) GetQueueStats(queueID string) *QueueStats {
	s.mu.RLock()
	holder, ok := s.metrics[queueID]
	s.mu.RUnlock()

	if !ok {
		return EmptyQueueStats(queueID)
	}
	return holder.buildStats(queueID)
}

// GetAllQueueStats returns statistics for all queues
func (s *InMemoryQueueMetricsService) GetAllQueueStats() map[string]*QueueStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*QueueStats, len(s.metrics))
	for queueID, holder := range s.metrics {
		result[queueID] = holder.buildStats(queueID)
	}
	return result
}

func (s *InMemoryQueueMetricsService) getOrCreateMetrics(queueID string) *queueMetricsHolder {
	s.mu.RLock()
	holder, ok := s.metrics[queueID]
	s.mu.RUnlock()
	if ok {
		return holder
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.metrics[queueID]; ok {
		return holder
	}

	holder = &queueMetricsHolder{startTime: time.Now()}
	s.metrics[queueID] = holder
	return holder
}

func (h *queueMetricsHolder) buildStats(queueID string) *QueueStats {
	received := h.counters.received.Load()
	consumed := h.counters.consumed.Load()
	failed := h.counters.failed.Load()

	elapsed := time.Since(h.startTime).Seconds()
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(consumed) / elapsed
	}

	wc := h.window.counts()
	g := h.gauges.snapshot()

	return &QueueStats{
		Name:               queueID,
		TotalMessages:      received,
		TotalConsumed:      consumed,
		TotalFailed:        failed,
		SuccessRate:        ratio(consumed, received),
		CurrentSize:        g.currentDepth,
		Throughput:         throughput,
		PendingMessages:    g.pendingMessages,
		MessagesNotVisible: g.messagesNotVisible,
		TotalMessages5min:  wc.succeeded5min + wc.failed5min,
		Consumed5min:       wc.succeeded5min,
		Failed5min:         wc.failed5min,
		SuccessRate5min:    ratio(wc.succeeded5min, wc.succeeded5min+wc.failed5min),
		TotalMessages30min: wc.succeeded30min + wc.failed30min,
		Consumed30min:      wc.succeeded30min,
		Failed30min:        wc.failed30min,
		SuccessRate30min:   ratio(wc.succeeded30min, wc.succeeded30min+wc.failed30min),
	}
}
