package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaycore"

func counter(subsystem, name, help string) prometheus.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func gaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogram(subsystem, name, help string, buckets []float64) prometheus.Histogram {
	return promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	})
}

func histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

var mediatorDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
var outboxAPIDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	// Pool metrics

	PoolMessagesProcessed = counterVec("pool", "messages_processed_total",
		"Total messages processed by dispatch pool", "pool_code", "result") // result: success, failed, rate_limited

	PoolProcessingDuration = histogramVec("pool", "processing_duration_seconds",
		"Time to process a message", prometheus.DefBuckets, "pool_code")

	PoolActiveWorkers = gaugeVec("pool", "active_workers",
		"Number of active workers in the pool", "pool_code")

	PoolQueueDepth = gaugeVec("pool", "queue_depth",
		"Number of messages pending in the pool queue", "pool_code")

	PoolRateLimitRejections = counterVec("pool", "rate_limit_rejections_total",
		"Total messages rejected due to rate limiting", "pool_code")

	PoolAvailablePermits = gaugeVec("pool", "available_permits",
		"Available concurrency permits in the pool", "pool_code")

	PoolMessageGroupCount = gaugeVec("pool", "message_group_count",
		"Number of active message groups in the pool", "pool_code")

	// Mediator metrics

	MediatorHTTPRequests = counterVec("mediator", "http_requests_total",
		"Total HTTP requests made by the mediator", "status_code", "method")

	MediatorHTTPDuration = histogramVec("mediator", "http_duration_seconds",
		"HTTP request duration", mediatorDurationBuckets, "target")

	// MediatorCircuitBreakerState: 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	MediatorCircuitBreakerState = gaugeVec("mediator", "circuit_breaker_state",
		"Circuit breaker state (0=closed, 1=open, 2=half-open)", "target")

	MediatorCircuitBreakerTrips = counterVec("mediator", "circuit_breaker_trips_total",
		"Total circuit breaker trip events", "target")

	// Scheduler metrics

	SchedulerJobsScheduled = counter("scheduler", "jobs_scheduled_total", "Total jobs scheduled for dispatch")
	SchedulerJobsPending   = gauge("scheduler", "jobs_pending", "Number of jobs pending dispatch")
	SchedulerStaleJobs     = counter("scheduler", "stale_jobs_recovered_total", "Total stale jobs recovered")

	// Stream processor metrics

	StreamEventsProcessed = counterVec("stream", "events_processed_total",
		"Total events processed by stream processor", "event_type", "result") // result: success, failed

	StreamProcessingDuration = histogramVec("stream", "processing_duration_seconds",
		"Time to process an event", prometheus.DefBuckets, "event_type")

	StreamLag = gaugeVec("stream", "consumer_lag",
		"Number of messages behind in the stream", "stream_name")

	// Queue metrics

	QueueMessagesPublished = counterVec("queue", "messages_published_total",
		"Total messages published to queue", "queue_type") // nats, sqs

	QueueMessagesConsumed = counterVec("queue", "messages_consumed_total",
		"Total messages consumed from queue", "queue_type") // nats, sqs

	QueuePublishErrors = counterVec("queue", "publish_errors_total",
		"Total queue publish errors", "queue_type")

	// Consumer health metrics

	ConsumerRestarts    = counter("consumer", "restarts_total", "Total consumer restart attempts due to stall detection")
	ConsumerStallEvents = counter("consumer", "stall_events_total", "Total consumer stall events detected")

	// Pipeline metrics (for leak detection)

	PipelineMapSize       = gauge("pipeline", "map_size", "Number of messages currently in the processing pipeline")
	PipelineTotalCapacity = gauge("pipeline", "total_capacity", "Total capacity across all processing pools")

	// Outbox processor metrics

	OutboxItemsProcessed = counterVec("outbox", "items_processed_total",
		"Total outbox items processed", "type", "status") // type: event, dispatch_job; status: completed, failed, retried

	OutboxBufferSize       = gauge("outbox", "buffer_size", "Current size of the outbox buffer")
	OutboxActiveProcessors = gauge("outbox", "active_processors", "Number of active message group processors")

	OutboxPollDuration = histogram("outbox", "poll_duration_seconds",
		"Time to poll and process an outbox batch", prometheus.DefBuckets)

	OutboxAPIDuration = histogramVec("outbox", "api_duration_seconds",
		"Time to deliver outbox items via API", outboxAPIDurationBuckets, "type") // event, dispatch_job

	OutboxRecoveredItems = counterVec("outbox", "recovered_items_total",
		"Total items recovered from stuck PROCESSING state", "type") // event, dispatch_job

	// OutboxLeaderElectionState: 0 = follower, 1 = leader
	OutboxLeaderElectionState = gauge("outbox", "leader_election_state", "Leader election state (0=follower, 1=leader)")

	OutboxInFlightItems = gauge("outbox", "in_flight_items", "Total items in-flight (buffer + processing queues)")

	// HTTP API metrics

	HTTPRequestsTotal = counterVec("http", "requests_total",
		"Total HTTP API requests", "method", "path", "status")

	HTTPRequestDuration = histogramVec("http", "request_duration_seconds",
		"HTTP API request duration", prometheus.DefBuckets, "method", "path")

	HTTPActiveConnections = gauge("http", "active_connections", "Number of active HTTP connections")
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
