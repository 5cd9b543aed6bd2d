// Package manager provides the queue manager for the message router.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"relaycore.dev/dispatcher/internal/common/metrics"
	"relaycore.dev/dispatcher/internal/common/tsid"
	"relaycore.dev/dispatcher/internal/platform/dispatchpool"
	"relaycore.dev/dispatcher/internal/queue"
	"relaycore.dev/dispatcher/internal/router/mediator"
	"relaycore.dev/dispatcher/internal/router/model"
	"relaycore.dev/dispatcher/internal/router/pool"
)

// Pool sizing defaults applied when a dispatch pool has no explicit
// configuration on record.
const (
	DefaultPoolConcurrency         = 20
	DefaultQueueCapacityMultiplier = 2
	MinQueueCapacity               = 50
	DefaultPoolCode                = "DEFAULT-POOL"
)

// StandbyChecker reports whether this instance currently holds the
// primary lock. Only the primary processes messages; standbys idle.
type StandbyChecker interface {
	IsPrimary() bool
}

// PoolConfig describes the desired shape of one processing pool.
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// ConfigSyncConfig controls periodic refresh of pool configuration from
// the dispatch-pool repository.
type ConfigSyncConfig struct {
	Enabled                bool
	Interval               time.Duration
	InitialRetryAttempts   int
	InitialRetryDelay      time.Duration
	FailOnInitialSyncError bool
}

func DefaultConfigSyncConfig() *ConfigSyncConfig {
	return &ConfigSyncConfig{
		Enabled:                false,
		Interval:               5 * time.Minute,
		InitialRetryAttempts:   12,
		InitialRetryDelay:      5 * time.Second,
		FailOnInitialSyncError: true,
	}
}

// PipelineCleanupConfig bounds how long a message may sit in the
// in-flight tracking maps before it is considered abandoned.
type PipelineCleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	TTL      time.Duration
}

func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      1 * time.Hour,
	}
}

// VisibilityExtenderConfig controls periodic extension of the broker
// visibility timeout for messages that are still in flight.
type VisibilityExtenderConfig struct {
	Enabled          bool
	Interval         time.Duration
	Threshold        time.Duration
	ExtensionSeconds int32
}

func DefaultVisibilityExtenderConfig() *VisibilityExtenderConfig {
	return &VisibilityExtenderConfig{
		Enabled:          true,
		Interval:         55 * time.Second,
		Threshold:        50 * time.Second,
		ExtensionSeconds: 120,
	}
}

// ConsumerHealthConfig controls stall detection and auto-restart of the
// queue consumer goroutine.
type ConsumerHealthConfig struct {
	Enabled            bool
	CheckInterval      time.Duration
	StallThreshold     time.Duration
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// LeakDetectionConfig controls the background scan that looks for
// pipeline-map entries piling up faster than pools can drain them.
type LeakDetectionConfig struct {
	Enabled  bool
	Interval time.Duration
}

func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// WarningService receives operational warnings surfaced by the manager's
// background checks.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// runTicker calls fn on every tick of the given interval until ctx is
// cancelled. Shared by every periodic background task the manager runs,
// so each task only needs to supply its own body.
func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// QueueManager owns the set of processing pools and the dual-ID
// dedup/pipeline-tracking state shared across them.
type QueueManager struct {
	pools         map[string]*pool.ProcessPool
	poolsMu       sync.RWMutex
	drainingPools sync.Map // code -> *pool.ProcessPool, pools being drained asynchronously

	// Dual-ID in-flight tracking: a message is considered "in the pipeline"
	// from the moment it is admitted until it is acked or nacked. Two
	// identifiers key the same entry so both a broker-level redelivery and
	// an application-level requeue can be recognized as duplicates.
	inPipelineMap        sync.Map // pipelineKey -> *DispatchMessage
	inPipelineTimestamps sync.Map // pipelineKey -> admission time (unix millis)
	appIdToPipelineKey   sync.Map // app message id -> pipelineKey

	mediator        *mediator.HTTPMediator
	messageCallback *MessageCallbackImpl
	running         bool
	runningMu       sync.Mutex
	initialized     bool

	standbyChecker StandbyChecker

	poolRepo   dispatchpool.Repository
	syncConfig *ConfigSyncConfig
	syncCtx    context.Context
	syncCancel context.CancelFunc
	syncWg     sync.WaitGroup

	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	visibilityConfig *VisibilityExtenderConfig
	visibilityCtx    context.Context
	visibilityCancel context.CancelFunc
	visibilityWg     sync.WaitGroup

	leakDetectionConfig *LeakDetectionConfig
	leakDetectionCtx    context.Context
	leakDetectionCancel context.CancelFunc
	leakDetectionWg     sync.WaitGroup
	warningService      WarningService
}

// NewQueueManager builds a manager wired to an HTTP mediator, with every
// background task set to its default configuration (config sync disabled
// until WithConfigSync is called).
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig) *QueueManager {
	qm := &QueueManager{
		pools:               make(map[string]*pool.ProcessPool),
		mediator:            mediator.NewHTTPMediator(mediatorCfg),
		syncConfig:          DefaultConfigSyncConfig(),
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		visibilityConfig:    DefaultVisibilityExtenderConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
	}
	qm.messageCallback = &MessageCallbackImpl{manager: qm}
	return qm
}

func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultVisibilityExtenderConfig()
	}
	m.visibilityConfig = cfg
	return m
}

func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithConfigSync enables periodic pool-configuration refresh from db.
func (m *QueueManager) WithConfigSync(db *mongo.Database, cfg *ConfigSyncConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultConfigSyncConfig()
	}
	m.poolRepo = dispatchpool.NewRepository(db)
	m.syncConfig = cfg
	return m
}

// WithStandbyChecker wires HA awareness into the manager: config sync
// only runs while this instance holds the primary lock.
func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	return m
}

// Start launches every enabled background task and marks the manager
// ready to accept messages.
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	m.running = true

	if m.syncConfig.Enabled && m.poolRepo != nil {
		m.syncCtx, m.syncCancel = context.WithCancel(context.Background())
		m.syncWg.Add(1)
		go m.runConfigSync()
		slog.Info("pool config sync started", "interval", m.syncConfig.Interval)
	}

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
		slog.Info("pipeline cleanup started", "interval", m.cleanupConfig.Interval, "ttl", m.cleanupConfig.TTL)
	}

	if m.visibilityConfig.Enabled {
		m.visibilityCtx, m.visibilityCancel = context.WithCancel(context.Background())
		m.visibilityWg.Add(1)
		go m.runVisibilityExtender()
		slog.Info("visibility extender started",
			"interval", m.visibilityConfig.Interval,
			"threshold", m.visibilityConfig.Threshold,
			"extensionSeconds", m.visibilityConfig.ExtensionSeconds)
	}

	if m.leakDetectionConfig.Enabled {
		m.leakDetectionCtx, m.leakDetectionCancel = context.WithCancel(context.Background())
		m.leakDetectionWg.Add(1)
		go m.runLeakDetection()
		slog.Info("pipeline leak detection started", "interval", m.leakDetectionConfig.Interval)
	}

	slog.Info("queue manager started")
}

// Stop halts every background task and shuts down all processing pools.
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	stopAndWait := func(cancel context.CancelFunc, wg *sync.WaitGroup) {
		if cancel != nil {
			cancel()
			wg.Wait()
		}
	}
	stopAndWait(m.syncCancel, &m.syncWg)
	stopAndWait(m.cleanupCancel, &m.cleanupWg)
	stopAndWait(m.visibilityCancel, &m.visibilityWg)
	stopAndWait(m.leakDetectionCancel, &m.leakDetectionWg)

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	for code, p := range m.pools {
		slog.Info("shutting down pool", "pool", code)
		p.Shutdown()
	}

	slog.Info("queue manager stopped")
}

// GetOrCreatePool returns the pool for cfg.Code, creating and starting
// it if this is the first time the code has been seen.
func (m *QueueManager) GetOrCreatePool(cfg *PoolConfig) *pool.ProcessPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[cfg.Code]; exists {
		return p
	}

	p := pool.NewProcessPool(cfg.Code, cfg.Concurrency, cfg.QueueCapacity, cfg.RateLimitPerMinute, m.mediator, m.messageCallback)
	m.pools[cfg.Code] = p
	p.Start()

	slog.Info("created processing pool", "pool", cfg.Code, "concurrency", cfg.Concurrency, "queueCapacity", cfg.QueueCapacity)
	return p
}

func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// UpdatePool pushes a revised configuration into an existing pool.
// Reports false if no pool with this code exists.
func (m *QueueManager) UpdatePool(cfg *PoolConfig) bool {
	m.poolsMu.RLock()
	p, exists := m.pools[cfg.Code]
	m.poolsMu.RUnlock()
	if !exists {
		return false
	}

	if cfg.Concurrency > 0 && cfg.Concurrency != p.GetConcurrency() {
		p.UpdateConcurrency(cfg.Concurrency, 60)
	}
	p.UpdateRateLimit(cfg.RateLimitPerMinute)
	return true
}

// RemovePool drains then shuts down the named pool and removes it from
// the active set.
func (m *QueueManager) RemovePool(code string) {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[code]; exists {
		p.Drain()
		p.Shutdown()
		delete(m.pools, code)
		slog.Info("removed processing pool", "pool", code)
	}
}

// pipelineKeyFor picks the identifier used to key in-flight tracking for
// msg: the broker message id when known, falling back to the
// application-level job id for brokers that don't expose one.
func pipelineKeyFor(msg *DispatchMessage) string {
	if msg.SQSMessageID != "" {
		return msg.SQSMessageID
	}
	return msg.JobID
}

// toMessagePointer adapts a DispatchMessage into the wire type the
// processing pool operates on, carrying the queue ack/nack closures
// through unchanged.
func toMessagePointer(msg *DispatchMessage) *pool.MessagePointer {
	return &pool.MessagePointer{
		ID:              msg.JobID,
		SQSMessageID:    msg.SQSMessageID,
		BatchID:         msg.BatchID,
		MessageGroupID:  msg.MessageGroup,
		MediationTarget: msg.TargetURL,
		MediationType:   msg.MediationType,
		AuthToken:       msg.AuthToken,
		Payload:         []byte(msg.Payload),
		Headers:         msg.Headers,
		TimeoutSeconds:  msg.TimeoutSeconds,
		AckFunc:         msg.AckFunc,
		NakFunc:         msg.NakFunc,
		NakDelayFunc:    msg.NakDelayFunc,
		InProgressFunc:  msg.InProgressFunc,
	}
}

// admission describes the outcome of checking a message against the
// in-flight pipeline state before it is allowed into a pool.
type admission int

const (
	// admitOK means the message is not a duplicate and may proceed.
	admitOK admission = iota
	// admitRedelivery means the same broker message is already in
	// flight (visibility-timeout redelivery). RouteMessage leaves the
	// duplicate unacknowledged and returns true; dedupBatch nacks it.
	admitRedelivery
	// admitRequeue means the same application message arrived under a
	// new broker id (an external requeue). RouteMessage leaves the
	// duplicate unacknowledged and returns true; dedupBatch acks it,
	// dropping it while the original attempt finishes.
	admitRequeue
)

// classify checks msg's ids against the in-flight maps, updating the
// redelivery receipt handle as a side effect when relevant, and reports
// what the caller should do with the duplicate.
func (m *QueueManager) classify(msg *DispatchMessage) admission {
	if msg.SQSMessageID != "" {
		if _, exists := m.inPipelineMap.Load(msg.SQSMessageID); exists {
			m.refreshReceiptHandle(msg.SQSMessageID, msg.JobID, msg)
			return admitRedelivery
		}
	}

	if existing, loaded := m.appIdToPipelineKey.Load(msg.JobID); loaded {
		existingSQSID := existing.(string)
		if msg.SQSMessageID != "" && msg.SQSMessageID != existingSQSID {
			return admitRequeue
		}
		return admitRedelivery
	}

	return admitOK
}

// admit records msg in the in-flight pipeline maps. Must only be called
// after classify has returned admitOK for this message.
func (m *QueueManager) admit(msg *DispatchMessage) {
	key := pipelineKeyFor(msg)
	m.inPipelineMap.Store(key, msg)
	m.inPipelineTimestamps.Store(key, time.Now().UnixMilli())
	m.appIdToPipelineKey.Store(msg.JobID, key)
}

// RouteMessage admits a single message into its target pool, applying
// dual-ID deduplication first. Returns false if the manager is stopped
// or the pool rejected the message (caller should nack for retry).
func (m *QueueManager) RouteMessage(msg *DispatchMessage) bool {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		return false
	}

	switch m.classify(msg) {
	case admitRedelivery:
		slog.Debug("duplicate: already in pipeline", "appMessageId", msg.JobID, "sqsMessageId", msg.SQSMessageID)
		return true
	case admitRequeue:
		slog.Info("requeued duplicate detected", "appMessageId", msg.JobID, "newSQSId", msg.SQSMessageID)
		return true
	}

	m.admit(msg)

	poolCfg := &PoolConfig{
		Code:          msg.DispatchPoolID,
		Concurrency:   DefaultPoolConcurrency,
		QueueCapacity: max(DefaultPoolConcurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity),
	}
	p := m.GetOrCreatePool(poolCfg)

	if !p.Submit(toMessagePointer(msg)) {
		m.cleanupPipelineEntry(msg.JobID, pipelineKeyFor(msg))
		return false
	}
	return true
}

// BatchRouteResult summarizes how a RouteMessageBatch call disposed of
// each message in the batch.
type BatchRouteResult struct {
	Submitted    int
	Deduplicated int
	Rejected     int
	FailBarrier  int
}

// RouteMessageBatch admits a batch of messages, applying dedup, then
// per-pool capacity/rate-limit checks, then a FIFO failure barrier per
// message group: once a message in a group fails to submit, every
// remaining message in that group is nacked rather than submitted
// out of order.
func (m *QueueManager) RouteMessageBatch(ctx context.Context, messages []*DispatchMessage) BatchRouteResult {
	var result BatchRouteResult
	if len(messages) == 0 {
		return result
	}

	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		for _, msg := range messages {
			nak(msg)
		}
		result.Rejected = len(messages)
		return result
	}

	admitted := m.dedupBatch(messages, &result)
	if len(admitted) == 0 {
		return result
	}

	byPool := groupByPool(admitted)
	ready := m.filterPoolsWithCapacity(byPool, &result)

	for poolCode, poolMessages := range byPool {
		if !ready[poolCode] {
			continue
		}
		p := m.GetOrCreatePool(&PoolConfig{
			Code:          poolCode,
			Concurrency:   DefaultPoolConcurrency,
			QueueCapacity: max(DefaultPoolConcurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity),
		})
		m.submitGroupsWithBarrier(p, poolCode, poolMessages, &result)
	}

	slog.Info("batch routing complete",
		"submitted", result.Submitted,
		"deduplicated", result.Deduplicated,
		"rejected", result.Rejected,
		"failBarrier", result.FailBarrier)
	return result
}

// dedupBatch partitions messages into those admitted for submission and
// those resolved as duplicates, nacking redeliveries and acking requeues
// along the way. Tallies the duplicate count into result.
func (m *QueueManager) dedupBatch(messages []*DispatchMessage, result *BatchRouteResult) []*DispatchMessage {
	admitted := make([]*DispatchMessage, 0, len(messages))
	var redeliveries, requeues []*DispatchMessage

	for _, msg := range messages {
		switch m.classify(msg) {
		case admitRedelivery:
			redeliveries = append(redeliveries, msg)
			result.Deduplicated++
		case admitRequeue:
			requeues = append(requeues, msg)
			result.Deduplicated++
		default:
			admitted = append(admitted, msg)
		}
	}

	for _, dup := range redeliveries {
		nak(dup)
	}
	for _, dup := range requeues {
		ack(dup)
	}
	return admitted
}

// groupByPool buckets messages by dispatch pool code, defaulting to
// "default" for messages with none set.
func groupByPool(messages []*DispatchMessage) map[string][]*DispatchMessage {
	byPool := make(map[string][]*DispatchMessage)
	for _, msg := range messages {
		code := msg.DispatchPoolID
		if code == "" {
			code = "default"
		}
		byPool[code] = append(byPool[code], msg)
	}
	return byPool
}

// filterPoolsWithCapacity checks rate limit and queue capacity for each
// pool's share of the batch, nacking the whole share and tallying it as
// rejected for any pool that can't currently take it.
func (m *QueueManager) filterPoolsWithCapacity(byPool map[string][]*DispatchMessage, result *BatchRouteResult) map[string]bool {
	ready := make(map[string]bool, len(byPool))
	for code, msgs := range byPool {
		p := m.GetPool(code)
		if p == nil {
			ready[code] = true
			continue
		}
		if p.IsRateLimited() {
			slog.Warn("pool rate limited, nacking batch", "pool", code, "messageCount", len(msgs))
			m.rejectAll(msgs, result)
			continue
		}
		if !p.HasCapacity(len(msgs)) {
			slog.Warn("pool at capacity, nacking batch", "pool", code, "messageCount", len(msgs))
			m.rejectAll(msgs, result)
			continue
		}
		ready[code] = true
	}
	return ready
}

func (m *QueueManager) rejectAll(msgs []*DispatchMessage, result *BatchRouteResult) {
	for _, msg := range msgs {
		m.inPipelineMap.Delete(msg.JobID)
		nak(msg)
	}
	result.Rejected += len(msgs)
}

// submitGroupsWithBarrier splits poolMessages by message group (default
// group for unset ids, preserving arrival order) and submits each group
// in order, tripping a failure barrier that nacks the rest of a group
// once one of its messages fails to submit.
func (m *QueueManager) submitGroupsWithBarrier(p *pool.ProcessPool, poolCode string, poolMessages []*DispatchMessage, result *BatchRouteResult) {
	for _, group := range groupByMessageGroup(poolMessages) {
		barrierTripped := false

		for _, msg := range group.messages {
			key := pipelineKeyFor(msg)

			if barrierTripped {
				m.cleanupPipelineEntry(msg.JobID, key)
				nak(msg)
				result.FailBarrier++
				continue
			}

			m.admit(msg)

			if !p.Submit(toMessagePointer(msg)) {
				slog.Warn("submit failed, tripping failure barrier", "pool", poolCode, "messageId", msg.JobID, "group", group.groupID)
				m.cleanupPipelineEntry(msg.JobID, key)
				nak(msg)
				barrierTripped = true
				result.Rejected++
				continue
			}
			result.Submitted++
		}
	}
}

type messageGroup struct {
	groupID  string
	messages []*DispatchMessage
}

// groupByMessageGroup buckets messages by message-group id, preserving
// first-seen order of both groups and messages within a group so FIFO
// ordering within a business entity is respected.
func groupByMessageGroup(messages []*DispatchMessage) []messageGroup {
	groups := make([]messageGroup, 0)
	index := make(map[string]int)

	for _, msg := range messages {
		groupID := msg.MessageGroup
		if groupID == "" {
			groupID = pool.DefaultGroup
		}
		if idx, ok := index[groupID]; ok {
			groups[idx].messages = append(groups[idx].messages, msg)
			continue
		}
		index[groupID] = len(groups)
		groups = append(groups, messageGroup{groupID: groupID, messages: []*DispatchMessage{msg}})
	}
	return groups
}

func nak(msg *DispatchMessage) {
	if msg.NakFunc != nil {
		msg.NakFunc()
	}
}

func ack(msg *DispatchMessage) {
	if msg.AckFunc != nil {
		msg.AckFunc()
	}
}

// cleanupPipelineEntry removes every trace of a message from the
// in-flight tracking maps.
func (m *QueueManager) cleanupPipelineEntry(appMessageId, pipelineKey string) {
	m.inPipelineMap.Delete(pipelineKey)
	m.inPipelineTimestamps.Delete(pipelineKey)
	m.appIdToPipelineKey.Delete(appMessageId)
}

func (m *QueueManager) cleanupPipelineEntryFromPointer(msg *pool.MessagePointer) {
	key := msg.SQSMessageID
	if key == "" {
		key = msg.ID
	}
	m.cleanupPipelineEntry(msg.ID, key)
}

// refreshReceiptHandle points the stored in-flight message at the
// receipt handle of a redelivery so that, once the original attempt
// finishes, ack/nack uses a handle the broker still considers valid.
func (m *QueueManager) refreshReceiptHandle(pipelineKey, appMessageId string, newMsg *DispatchMessage) {
	storedValue, exists := m.inPipelineMap.Load(pipelineKey)
	if !exists {
		return
	}
	storedMsg, ok := storedValue.(*DispatchMessage)
	if !ok || storedMsg.UpdateReceiptHandleFunc == nil || newMsg.GetReceiptHandleFunc == nil {
		return
	}

	newHandle := newMsg.GetReceiptHandleFunc()
	if newHandle == "" {
		slog.Warn("new receipt handle is empty, cannot update", "appMessageId", appMessageId)
		return
	}

	oldHandle := ""
	if storedMsg.GetReceiptHandleFunc != nil {
		oldHandle = storedMsg.GetReceiptHandleFunc()
	}
	storedMsg.UpdateReceiptHandleFunc(newHandle)

	slog.Info("refreshed receipt handle after redelivery",
		"appMessageId", appMessageId,
		"pipelineKey", pipelineKey,
		"oldHandle", truncateHandle(oldHandle),
		"newHandle", truncateHandle(newHandle))
}

func truncateHandle(handle string) string {
	if len(handle) <= 20 {
		return handle
	}
	return handle[:20] + "..."
}

// Ack removes msg from pipeline tracking and invokes its broker ack.
func (m *QueueManager) Ack(msg *pool.MessagePointer) {
	m.cleanupPipelineEntryFromPointer(msg)
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("ack failed", "error", err, "messageId", msg.ID)
		}
	}
}

// Nack removes msg from pipeline tracking and invokes its broker nack.
func (m *QueueManager) Nack(msg *pool.MessagePointer) {
	m.cleanupPipelineEntryFromPointer(msg)
	if msg.NakFunc != nil {
		if err := msg.NakFunc(); err != nil {
			slog.Error("nack failed", "error", err, "messageId", msg.ID)
		}
	}
}

// MessageCallbackImpl implements pool.MessageCallback by delegating back
// into the owning QueueManager.
type MessageCallbackImpl struct {
	manager *QueueManager
}

func (c *MessageCallbackImpl) Ack(msg *pool.MessagePointer)  { c.manager.Ack(msg) }
func (c *MessageCallbackImpl) Nack(msg *pool.MessagePointer) { c.manager.Nack(msg) }

func (c *MessageCallbackImpl) SetVisibilityDelay(msg *pool.MessagePointer, seconds int) {
	if msg.NakDelayFunc != nil {
		msg.NakDelayFunc(time.Duration(seconds) * time.Second)
	}
}

func (c *MessageCallbackImpl) SetFastFailVisibility(msg *pool.MessagePointer) {
	c.SetVisibilityDelay(msg, 1)
}

func (c *MessageCallbackImpl) ResetVisibilityToDefault(msg *pool.MessagePointer) {
	// The queue implementation's default visibility timeout applies; nothing to do here.
}

// DispatchMessage is the internal representation of a message while it
// moves through routing and pipeline tracking. It is built from a
// model.MessagePointer as messages are consumed off the broker.
type DispatchMessage struct {
	JobID          string            `json:"jobId"`
	SQSMessageID   string            `json:"-"`
	DispatchPoolID string            `json:"dispatchPoolId"`
	MessageGroup   string            `json:"messageGroup"`
	BatchID        string            `json:"batchId"`
	Sequence       int               `json:"sequence"`
	TargetURL      string            `json:"targetUrl"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        string            `json:"payload"`
	ContentType    string            `json:"contentType"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	MaxRetries     int               `json:"maxRetries"`
	AttemptNumber  int               `json:"attemptNumber"`

	AuthToken     string `json:"-"`
	MediationType string `json:"-"`

	AckFunc        func() error              `json:"-"`
	NakFunc        func() error              `json:"-"`
	NakDelayFunc   func(time.Duration) error `json:"-"`
	InProgressFunc func() error              `json:"-"`

	// Receipt-handle plumbing lets a redelivered message refresh the
	// handle on the in-flight copy so a late ack/nack of the original
	// attempt still targets a handle the broker accepts.
	UpdateReceiptHandleFunc func(string)  `json:"-"`
	GetReceiptHandleFunc    func() string `json:"-"`
}

// Consumer pulls messages off a broker queue and routes them into the
// manager, tracking its own activity so a health monitor can detect and
// restart a stalled consume loop.
type Consumer struct {
	manager  *QueueManager
	consumer queue.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	lastActivity atomic.Int64
	restartCount atomic.Int32
	stalled      atomic.Bool
}

func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		manager:  manager,
		consumer: queueConsumer,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

func (c *Consumer) updateActivity()            { c.lastActivity.Store(time.Now().Unix()) }
func (c *Consumer) GetLastActivity() time.Time { return time.Unix(c.lastActivity.Load(), 0) }
func (c *Consumer) IsStalled() bool            { return c.stalled.Load() }
func (c *Consumer) GetRestartCount() int       { return int(c.restartCount.Load()) }
func (c *Consumer) incrementRestartCount() int { return int(c.restartCount.Add(1)) }
func (c *Consumer) resetRestartCount()         { c.restartCount.Store(0) }

func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume()
	}()
	slog.Info("consumer started")
}

func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	slog.Info("consumer stopped")
}

// WireReceiptHandleCallbacks attaches receipt-handle get/update closures
// to dispatchMsg when the underlying broker message supports them
// (currently SQS only).
func WireReceiptHandleCallbacks(dispatchMsg *DispatchMessage, queueMsg queue.Message) {
	if updatable, ok := queueMsg.(queue.ReceiptHandleUpdatable); ok {
		dispatchMsg.UpdateReceiptHandleFunc = updatable.UpdateReceiptHandle
		dispatchMsg.GetReceiptHandleFunc = updatable.GetReceiptHandle
	}
}

// toDispatchMessage converts a raw broker message into the pipeline's
// internal representation, decoding the wire-level MessagePointer and
// wiring its ack/nack/receipt-handle callbacks.
func toDispatchMessage(msg queue.Message) (DispatchMessage, error) {
	var pointer model.MessagePointer
	if err := json.Unmarshal(msg.Data(), &pointer); err != nil {
		return DispatchMessage{}, err
	}

	dispatchMsg := DispatchMessage{
		JobID:          pointer.ID,
		SQSMessageID:   msg.ID(),
		DispatchPoolID: pointer.PoolCode,
		MessageGroup:   pointer.MessageGroupID,
		TargetURL:      pointer.MediationTarget,
		AuthToken:      pointer.AuthToken,
		MediationType:  string(pointer.MediationType),
		AckFunc:        msg.Ack,
		NakFunc:        msg.Nak,
		NakDelayFunc:   msg.NakWithDelay,
		InProgressFunc: msg.InProgress,
	}
	WireReceiptHandleCallbacks(&dispatchMsg, msg)
	return dispatchMsg, nil
}

func (c *Consumer) consume() {
	err := c.consumer.Consume(c.ctx, func(msg queue.Message) error {
		c.updateActivity()

		dispatchMsg, err := toDispatchMessage(msg)
		if err != nil {
			slog.Error("failed to unmarshal message pointer", "error", err)
			msg.Ack() // malformed payload will never succeed; ack to stop the retry loop
			return nil
		}

		if !c.manager.RouteMessage(&dispatchMsg) {
			slog.Warn("pool rejected message, nacking for redelivery", "messageId", dispatchMsg.JobID, "pool", dispatchMsg.DispatchPoolID)
			msg.Nak()
		}
		return nil
	})

	if err != nil && err != context.Canceled {
		slog.Error("consumer stopped with error", "error", err)
	}
}

// ConsumerFactory builds a fresh queue.Consumer, used to replace one
// that the health monitor has decided is stalled beyond recovery.
type ConsumerFactory func() queue.Consumer

// Router ties a queue consumer to a QueueManager and supervises the
// consumer's health.
type Router struct {
	manager         *QueueManager
	consumer        *Consumer
	consumerMu      sync.Mutex
	consumerFactory ConsumerFactory

	healthConfig *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

func NewRouter(queueConsumer queue.Consumer, mediatorCfg *mediator.HTTPMediatorConfig) *Router {
	manager := NewQueueManager(mediatorCfg)

	var consumer *Consumer
	if queueConsumer != nil {
		consumer = NewConsumer(manager, queueConsumer)
	}

	return &Router{
		manager:      manager,
		consumer:     consumer,
		healthConfig: DefaultConsumerHealthConfig(),
	}
}

func (r *Router) WithConsumerFactory(factory ConsumerFactory) *Router {
	r.consumerFactory = factory
	return r
}

func (r *Router) WithConsumerHealthConfig(cfg *ConsumerHealthConfig) *Router {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	r.healthConfig = cfg
	return r
}

func (r *Router) Start() {
	r.manager.Start()
	if r.consumer != nil {
		r.consumer.Start()
	}

	if r.healthConfig.Enabled && r.consumer != nil {
		r.healthCtx, r.healthCancel = context.WithCancel(context.Background())
		r.healthWg.Add(1)
		go r.runConsumerHealthMonitor()
		slog.Info("consumer health monitor started",
			"checkInterval", r.healthConfig.CheckInterval,
			"stallThreshold", r.healthConfig.StallThreshold,
			"maxRestarts", r.healthConfig.MaxRestartAttempts)
	}

	slog.Info("message router started")
}

func (r *Router) Stop() {
	if r.healthCancel != nil {
		r.healthCancel()
		r.healthWg.Wait()
	}

	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
	r.manager.Stop()
	slog.Info("message router stopped")
}

func (r *Router) Manager() *QueueManager { return r.manager }

func (r *Router) Consumer() *Consumer {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()
	return r.consumer
}

func (r *Router) runConsumerHealthMonitor() {
	defer r.healthWg.Done()
	runTicker(r.healthCtx, r.healthConfig.CheckInterval, r.checkConsumerHealth)
	slog.Info("consumer health monitor stopped")
}

// checkConsumerHealth restarts the consumer if it has gone too long
// without activity, up to the configured maximum number of attempts.
func (r *Router) checkConsumerHealth() {
	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()
	if consumer == nil {
		return
	}

	stalledFor := time.Since(consumer.GetLastActivity())
	if stalledFor < r.healthConfig.StallThreshold {
		if consumer.IsStalled() {
			consumer.stalled.Store(false)
			consumer.resetRestartCount()
			slog.Info("consumer recovered from stalled state")
		}
		return
	}

	consumer.stalled.Store(true)
	restartCount := consumer.GetRestartCount()
	metrics.ConsumerStallEvents.Inc()

	slog.Warn("consumer appears stalled",
		"stalledFor", stalledFor,
		"restartAttempts", restartCount,
		"maxAttempts", r.healthConfig.MaxRestartAttempts)

	if restartCount >= r.healthConfig.MaxRestartAttempts {
		slog.Error("consumer exceeded max restart attempts, requires manual intervention", "attempts", restartCount)
		return
	}
	r.restartConsumer()
}

// restartConsumer stops the stalled consumer and replaces it, preferring
// a fresh one from consumerFactory when available.
func (r *Router) restartConsumer() {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()

	oldConsumer := r.consumer
	if oldConsumer == nil {
		return
	}

	attempt := oldConsumer.incrementRestartCount()
	metrics.ConsumerRestarts.Inc()
	slog.Info("restarting stalled consumer", "attempt", attempt, "maxAttempts", r.healthConfig.MaxRestartAttempts)

	oldConsumer.Stop()
	time.Sleep(r.healthConfig.RestartDelay)

	var underlying queue.Consumer
	if r.consumerFactory != nil {
		underlying = r.consumerFactory()
	}
	if underlying == nil {
		slog.Warn("no consumer factory available, restarting with existing broker connection")
		underlying = oldConsumer.consumer
	}

	newConsumer := NewConsumer(r.manager, underlying)
	newConsumer.restartCount.Store(int32(attempt))
	newConsumer.Start()
	r.consumer = newConsumer
	slog.Info("consumer restarted", "attempt", attempt)
}

// GenerateBatchID mints a new batch identifier for grouping messages
// submitted together through RouteMessageBatch.
func GenerateBatchID() string {
	return tsid.Generate()
}

func (m *QueueManager) runConfigSync() {
	defer m.syncWg.Done()

	if !m.doInitialSyncWithRetry() {
		if m.syncConfig.FailOnInitialSyncError {
			slog.Error("initial pool config sync failed after all retries, shutting down")
			panic("initial pool config sync failed")
		}
		slog.Error("initial pool config sync failed, continuing with no configured pools")
	}

	runTicker(m.syncCtx, m.syncConfig.Interval, m.syncPoolConfig)
	slog.Info("pool config sync stopped")
}

// doInitialSyncWithRetry runs the first config fetch from the config-sync
// goroutine that Start launches (Start does not wait for it), retrying up
// to InitialRetryAttempts times and deferring to the standby lock while
// this instance is not primary.
func (m *QueueManager) doInitialSyncWithRetry() bool {
	maxAttempts := m.syncConfig.InitialRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
			slog.Info("in standby mode, waiting for primary lock before initial sync", "attempt", attempt)
			time.Sleep(m.syncConfig.InitialRetryDelay)
			continue
		}

		if m.syncPoolConfigWithResult() {
			m.initialized = true
			slog.Info("initial pool config sync completed", "attempt", attempt)
			return true
		}

		if attempt < maxAttempts {
			slog.Warn("initial pool config sync failed, retrying",
				"attempt", attempt, "maxAttempts", maxAttempts, "retryDelay", m.syncConfig.InitialRetryDelay)
			time.Sleep(m.syncConfig.InitialRetryDelay)
		}
	}

	slog.Error("initial pool config sync failed after all retry attempts", "attempts", maxAttempts)
	return false
}

func (m *QueueManager) syncPoolConfig() {
	if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
		if !m.initialized {
			slog.Info("in standby mode, waiting for primary lock")
			m.initialized = true
		}
		return
	}
	m.syncPoolConfigWithResult()
}

// syncPoolConfigWithResult fetches enabled pool configs from the
// repository, creates/updates pools to match, and drains any pool that
// is no longer present in the database.
func (m *QueueManager) syncPoolConfigWithResult() bool {
	ctx, cancel := context.WithTimeout(m.syncCtx, 30*time.Second)
	defer cancel()

	configs, err := m.poolRepo.FindAllEnabled(ctx)
	if err != nil {
		slog.Error("failed to fetch pool configs", "error", err)
		return false
	}

	activeCodes := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			slog.Warn("skipping invalid pool config", "pool", cfg.Code, "error", err)
			continue
		}
		activeCodes[cfg.Code] = true
		m.applyPoolConfig(cfg)
	}

	removed := m.drainPoolsNotIn(activeCodes)

	if len(configs) > 0 || removed > 0 {
		slog.Debug("pool config sync completed", "activeCount", len(configs), "removedCount", removed)
	}
	return true
}

// applyPoolConfig creates a pool from a database record, or pushes
// updated concurrency/rate-limit settings into one that already exists.
func (m *QueueManager) applyPoolConfig(cfg *dispatchpool.DispatchPool) {
	m.poolsMu.RLock()
	existing, exists := m.pools[cfg.Code]
	m.poolsMu.RUnlock()

	if exists {
		if cfg.Concurrency > 0 && cfg.Concurrency != existing.GetConcurrency() {
			existing.UpdateConcurrency(cfg.Concurrency, 60)
			slog.Debug("updated pool configuration", "pool", cfg.Code, "concurrency", cfg.Concurrency)
		}
		existing.UpdateRateLimit(cfg.RateLimitPerMin)
		return
	}

	poolCfg := &PoolConfig{
		Code:               cfg.Code,
		Concurrency:        cfg.GetConcurrencyOrDefault(DefaultPoolConcurrency),
		QueueCapacity:      cfg.GetQueueCapacityOrDefault(DefaultPoolConcurrency * DefaultQueueCapacityMultiplier),
		RateLimitPerMinute: cfg.RateLimitPerMin,
	}
	m.GetOrCreatePool(poolCfg)
	slog.Info("created pool from database config", "pool", cfg.Code, "concurrency", poolCfg.Concurrency, "queueCapacity", poolCfg.QueueCapacity)
}

// drainPoolsNotIn drains and removes every active pool whose code is not
// in activeCodes (the "default" pool is exempt), returning how many were
// drained.
func (m *QueueManager) drainPoolsNotIn(activeCodes map[string]bool) int {
	m.poolsMu.RLock()
	var stale []string
	for code := range m.pools {
		if !activeCodes[code] && code != "default" {
			stale = append(stale, code)
		}
	}
	m.poolsMu.RUnlock()

	for _, code := range stale {
		m.drainPool(code)
	}
	return len(stale)
}

func (m *QueueManager) drainPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	m.drainingPools.Store(code, p)
	slog.Info("draining pool no longer present in database", "pool", code)

	go func() {
		p.Drain()
		p.Shutdown()
		m.drainingPools.Delete(code)
		slog.Info("pool drained and removed", "pool", code)
	}()
}

func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()
	runTicker(m.cleanupCtx, m.cleanupConfig.Interval, m.cleanupStalePipelineEntries)
	slog.Info("pipeline cleanup stopped")
}

// cleanupStalePipelineEntries evicts pipeline entries older than the
// configured TTL. A large eviction count usually means acks/nacks are
// not reaching the manager for some pool.
func (m *QueueManager) cleanupStalePipelineEntries() {
	now := time.Now().UnixMilli()
	ttlMillis := m.cleanupConfig.TTL.Milliseconds()

	var staleKeys, staleAppIds []string
	m.inPipelineTimestamps.Range(func(key, value interface{}) bool {
		pipelineKey := key.(string)
		if now-value.(int64) > ttlMillis {
			staleKeys = append(staleKeys, pipelineKey)
			if msgValue, exists := m.inPipelineMap.Load(pipelineKey); exists {
				if msg, ok := msgValue.(*DispatchMessage); ok {
					staleAppIds = append(staleAppIds, msg.JobID)
				}
			}
		}
		return true
	})

	for i, pipelineKey := range staleKeys {
		m.inPipelineMap.Delete(pipelineKey)
		m.inPipelineTimestamps.Delete(pipelineKey)
		if i < len(staleAppIds) {
			m.appIdToPipelineKey.Delete(staleAppIds[i])
		}
	}

	if len(staleKeys) > 0 {
		slog.Warn("cleaned up stale pipeline entries, messages may have been stuck", "count", len(staleKeys), "ttl", m.cleanupConfig.TTL)
	}
}

func (m *QueueManager) runVisibilityExtender() {
	defer m.visibilityWg.Done()
	runTicker(m.visibilityCtx, m.visibilityConfig.Interval, m.extendLongRunningVisibility)
	slog.Info("visibility extender stopped")
}

// extendLongRunningVisibility calls InProgress on every in-flight
// message that has been processing longer than the configured
// threshold, so the broker doesn't redeliver it out from under a still
// running mediation call.
func (m *QueueManager) extendLongRunningVisibility() {
	now := time.Now().UnixMilli()
	thresholdMillis := m.visibilityConfig.Threshold.Milliseconds()
	extended := 0

	m.inPipelineTimestamps.Range(func(key, value interface{}) bool {
		elapsed := now - value.(int64)
		if elapsed < thresholdMillis {
			return true
		}

		msgValue, exists := m.inPipelineMap.Load(key.(string))
		if !exists {
			return true
		}
		msg, ok := msgValue.(*DispatchMessage)
		if !ok || msg.InProgressFunc == nil {
			return true
		}

		if err := msg.InProgressFunc(); err != nil {
			slog.Warn("failed to extend visibility", "error", err, "messageId", msg.JobID, "elapsedMs", elapsed)
		} else {
			extended++
		}
		return true
	})

	if extended > 0 {
		slog.Info("extended visibility for long-running messages", "count", extended, "threshold", m.visibilityConfig.Threshold)
	}
}

func (m *QueueManager) runLeakDetection() {
	defer m.leakDetectionWg.Done()
	runTicker(m.leakDetectionCtx, m.leakDetectionConfig.Interval, m.checkForMapLeaks)
	slog.Info("pipeline leak detection stopped")
}

// checkForMapLeaks warns when the in-flight pipeline map holds more
// entries than total pool capacity allows, which can only happen if acks
// or nacks are failing to clear entries.
func (m *QueueManager) checkForMapLeaks() {
	m.runningMu.Lock()
	running, initialized := m.running, m.initialized
	m.runningMu.Unlock()
	if !running || !initialized {
		return
	}

	pipelineSize := m.GetPipelineSize()
	totalCapacity := m.GetTotalPoolCapacity()
	if totalCapacity == 0 {
		totalCapacity = MinQueueCapacity
	}

	if pipelineSize > totalCapacity {
		message := fmt.Sprintf("in-flight pipeline map size (%d) exceeds total pool capacity (%d), possible leak", pipelineSize, totalCapacity)
		slog.Warn("pipeline leak detection: "+message, "pipelineSize", pipelineSize, "totalCapacity", totalCapacity)
		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_MAP_LEAK", "WARN", message, "QueueManager")
		}
	}

	metrics.PipelineMapSize.Set(float64(pipelineSize))
}

// GetPipelineSize reports how many messages are currently tracked as
// in-flight, for monitoring.
func (m *QueueManager) GetPipelineSize() int {
	size := 0
	m.inPipelineMap.Range(func(_, _ interface{}) bool {
		size++
		return true
	})
	return size
}

// GetTotalPoolCapacity sums the queue capacity across every active pool,
// for monitoring.
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}
