// Package pool implements the bounded, per-message-group FIFO work
// dispatcher that sits between a queue consumer and a mediator. One Pool
// instance is created per configured pool code.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"relaycore.dev/dispatcher/internal/common/metrics"
	"relaycore.dev/dispatcher/internal/router/ratelimit"
)

// MessagePointer is the in-flight representation of a routed message: the
// mediation target/credentials plus the ack/nack closures the owning
// consumer wired up when it handed the message to the pool.
type MessagePointer struct {
	ID              string // application-level message id, used for dedup
	SQSMessageID    string // broker-assigned id, kept for pipeline tracing
	BatchID         string
	MessageGroupID  string
	MediationTarget string
	MediationType   string
	AuthToken       string
	Payload         []byte
	Headers         map[string]string
	TimeoutSeconds  int
	AckFunc         func() error
	NakFunc         func() error
	NakDelayFunc    func(time.Duration) error
	InProgressFunc  func() error
}

// MediationResult classifies the outcome of one mediator call.
type MediationResult string

const (
	MediationResultSuccess         MediationResult = "SUCCESS"
	MediationResultErrorProcess    MediationResult = "ERROR_PROCESS"    // 400, or ack=false: retryable
	MediationResultErrorServer     MediationResult = "ERROR_SERVER"     // 5xx, unexpected status: retryable
	MediationResultErrorConnection MediationResult = "ERROR_CONNECTION" // connect/timeout: retryable
	MediationResultRateLimited     MediationResult = "RATE_LIMITED"     // pool-side limiter rejection
)

// MediationOutcome is the full result of a mediator call, including any
// caller-requested redelivery delay.
type MediationOutcome struct {
	Result      MediationResult
	Delay       *time.Duration
	Error       error
	StatusCode  int
	ResponseAck *bool
}

// HasCustomDelay reports whether the mediator requested a specific
// redelivery delay instead of the default visibility window.
func (o *MediationOutcome) HasCustomDelay() bool {
	return o.Delay != nil
}

// EffectiveDelaySeconds returns the requested delay in whole seconds, or
// zero if none was requested.
func (o *MediationOutcome) EffectiveDelaySeconds() int {
	if o.Delay == nil {
		return 0
	}
	return int(o.Delay.Seconds())
}

// Mediator executes one mediation attempt against a downstream endpoint.
type Mediator interface {
	Process(msg *MessagePointer) *MediationOutcome
}

// MessageCallback is how the pool reports a terminal or retryable outcome
// back to the owning consumer.
type MessageCallback interface {
	Ack(msg *MessagePointer)
	Nack(msg *MessagePointer)
	SetVisibilityDelay(msg *MessagePointer, seconds int)
	SetFastFailVisibility(msg *MessagePointer)
	ResetVisibilityToDefault(msg *MessagePointer)
}

// Pool is a bounded work dispatcher for a single pool code.
type Pool interface {
	Start()
	Drain()
	Submit(msg *MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
}

const (
	// DefaultGroup is the synthetic group assigned to ungrouped messages.
	// All ungrouped messages share the single lane under this name, so
	// they are processed one at a time in arrival order, not independently.
	DefaultGroup = "__DEFAULT__"

	// groupIdleTimeout is how long an empty group queue lingers before its
	// goroutine exits and the group entry is forgotten.
	groupIdleTimeout = 5 * time.Minute

	// shutdownGrace bounds how long Shutdown waits for in-flight group
	// goroutines to exit before giving up.
	shutdownGrace = 10 * time.Second

	// gaugeInterval is how often pool gauges are recomputed and published.
	gaugeInterval = 500 * time.Millisecond
)

// fifoFence tracks, per (batchID, groupID) pair admitted together, whether
// an earlier member has already failed. Once a pair is marked failed every
// remaining member nacks without reaching the mediator, preserving batch
// ordering; the pair is forgotten once its last member has been resolved.
type fifoFence struct {
	remaining map[string]*atomic.Int32
	failed    sync.Map // map[string]struct{}
	mu        sync.Mutex
}

func newFIFOFence() *fifoFence {
	return &fifoFence{remaining: make(map[string]*atomic.Int32)}
}

func fenceKey(batchID, groupID string) string {
	if batchID == "" {
		return ""
	}
	return batchID + "|" + groupID
}

func (f *fifoFence) track(key string) {
	if key == "" {
		return
	}
	f.mu.Lock()
	counter, ok := f.remaining[key]
	if !ok {
		counter = &atomic.Int32{}
		f.remaining[key] = counter
	}
	f.mu.Unlock()
	counter.Add(1)
}

func (f *fifoFence) hasFailed(key string) bool {
	if key == "" {
		return false
	}
	_, failed := f.failed.Load(key)
	return failed
}

func (f *fifoFence) markFailed(key string) {
	if key != "" {
		f.failed.Store(key, struct{}{})
	}
}

// resolve decrements the pair's outstanding count and, once it reaches
// zero, drops both the counter and the failed marker.
func (f *fifoFence) resolve(key string) {
	if key == "" {
		return
	}
	f.mu.Lock()
	counter, ok := f.remaining[key]
	f.mu.Unlock()
	if !ok {
		return
	}
	if counter.Add(-1) <= 0 {
		f.mu.Lock()
		delete(f.remaining, key)
		f.mu.Unlock()
		f.failed.Delete(key)
	}
}

// groupLane is a single message group's FIFO sub-queue plus the goroutine
// draining it.
type groupLane struct {
	messages chan *MessagePointer
	active   atomic.Bool
}

// ProcessPool dispatches messages for one pool code across C concurrent
// workers while guaranteeing per-group FIFO ordering and batch-failure
// cascade.
type ProcessPool struct {
	poolCode      string
	concurrency   atomic.Int32
	queueCapacity int
	permits       chan struct{} // counting semaphore, buffered to concurrency

	running     atomic.Bool
	rateLimiter *ratelimit.Limiter
	rateLimitMu sync.RWMutex
	rateLimit   *int

	mediator Mediator
	callback MessageCallback

	lanes      sync.Map // map[string]*groupLane
	queuedSize atomic.Int32
	fence      *fifoFence

	ctx    context.Context
	cancel context.CancelFunc
	lanesWG sync.WaitGroup

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWG     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewProcessPool constructs a pool. Workers and the gauge ticker are not
// started until Start is called.
func NewProcessPool(
	poolCode string,
	concurrency int,
	queueCapacity int,
	rateLimitPerMinute *int,
	mediator Mediator,
	callback MessageCallback,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	p := &ProcessPool{
		poolCode:      poolCode,
		queueCapacity: queueCapacity,
		permits:       make(chan struct{}, concurrency),
		mediator:      mediator,
		callback:      callback,
		rateLimiter:   ratelimit.New(),
		rateLimit:     rateLimitPerMinute,
		fence:         newFIFOFence(),
		ctx:           ctx,
		cancel:        cancel,
		gaugeCtx:      gaugeCtx,
		gaugeCancel:   gaugeCancel,
	}
	p.concurrency.Store(int32(concurrency))
	for i := 0; i < concurrency; i++ {
		p.permits <- struct{}{}
	}

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		slog.Info("pool rate limit configured", "pool", poolCode, "perMinute", *rateLimitPerMinute)
	}
	return p
}

// rateLimitKey scopes this pool's own traffic in the shared limiter; the
// limiter itself accepts any pool- or message-derived key.
func (p *ProcessPool) rateLimitKey() string { return p.poolCode }

// Start enables submissions and begins the gauge ticker. Safe to call once.
func (p *ProcessPool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.gaugeWG.Add(1)
	go p.runGaugeLoop()
	slog.Info("pool started", "pool", p.poolCode, "concurrency", p.concurrency.Load())
}

// Drain stops accepting new submissions; in-flight and already-queued
// messages continue to completion.
func (p *ProcessPool) Drain() {
	slog.Info("pool draining", "pool", p.poolCode, "queued", p.queuedSize.Load())
	p.running.Store(false)
}

// Submit enqueues msg onto its message-group lane. Returns false if the
// pool is not running, the pool is at capacity, or the lane's buffer is
// momentarily full.
func (p *ProcessPool) Submit(msg *MessagePointer) bool {
	if !p.running.Load() {
		return false
	}

	groupID := msg.MessageGroupID
	if groupID == "" {
		groupID = DefaultGroup
	}
	key := fenceKey(msg.BatchID, groupID)
	p.fence.track(key)

	lane := p.laneFor(groupID)

	if int(p.queuedSize.Load()) >= p.queueCapacity {
		slog.Debug("pool at capacity, rejecting", "pool", p.poolCode, "capacity", p.queueCapacity, "messageId", msg.ID)
		p.fence.resolve(key)
		return false
	}

	select {
	case lane.messages <- msg:
		p.queuedSize.Add(1)
		return true
	default:
		p.fence.resolve(key)
		return false
	}
}

// laneFor returns the lane for groupID, creating (and starting its drain
// goroutine) or restarting it as needed.
func (p *ProcessPool) laneFor(groupID string) *groupLane {
	laneIface, created := p.lanes.LoadOrStore(groupID, &groupLane{messages: make(chan *MessagePointer, p.queueCapacity)})
	lane := laneIface.(*groupLane)

	if created {
		p.startLane(groupID, lane)
		slog.Debug("message group lane created", "pool", p.poolCode, "group", groupID)
	} else if !lane.active.Load() {
		slog.Warn("message group lane found stopped, restarting", "pool", p.poolCode, "group", groupID)
		p.startLane(groupID, lane)
	}
	return lane
}

func (p *ProcessPool) startLane(groupID string, lane *groupLane) {
	lane.active.Store(true)
	p.lanesWG.Add(1)
	go p.drainLane(groupID, lane)
}

// drainLane processes messages for one group, one at a time, in arrival
// order, until the pool shuts down or the lane idles out empty.
func (p *ProcessPool) drainLane(groupID string, lane *groupLane) {
	defer p.lanesWG.Done()
	defer lane.active.Store(false)

	slog.Debug("message group lane running", "pool", p.poolCode, "group", groupID)

	idle := time.NewTimer(groupIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-p.ctx.Done():
			slog.Debug("message group lane stopping", "pool", p.poolCode, "group", groupID)
			return

		case msg := <-lane.messages:
			if msg == nil {
				continue
			}
			resetTimer(idle, groupIdleTimeout)
			p.queuedSize.Add(-1)
			p.dispatch(groupID, msg)

		case <-idle.C:
			if len(lane.messages) == 0 {
				slog.Debug("message group lane idle, retiring", "pool", p.poolCode, "group", groupID)
				p.lanes.Delete(groupID)
				return
			}
			idle.Reset(groupIdleTimeout)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// dispatch runs the full per-message pipeline: FIFO-fence check, rate
// limit, permit acquisition, mediation, and outcome handling.
func (p *ProcessPool) dispatch(groupID string, msg *MessagePointer) {
	var permitHeld bool
	defer func() {
		if permitHeld {
			p.permits <- struct{}{}
		}
		if r := recover(); r != nil {
			slog.Error("panic while dispatching message", "pool", p.poolCode, "messageId", msg.ID, "panic", r)
			p.nackSafely(msg)
		}
	}()

	effectiveGroup := groupID
	if effectiveGroup == "" {
		effectiveGroup = DefaultGroup
	}
	key := fenceKey(msg.BatchID, effectiveGroup)

	if p.fence.hasFailed(key) {
		slog.Warn("skipping message from already-failed batch+group", "pool", p.poolCode, "messageId", msg.ID)
		p.callback.SetFastFailVisibility(msg)
		p.nackSafely(msg)
		p.fence.resolve(key)
		return
	}

	if p.isRateLimited() {
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rate_limited").Inc()
		slog.Warn("rate limit exceeded", "pool", p.poolCode, "messageId", msg.ID)
		p.callback.SetFastFailVisibility(msg)
		p.nackSafely(msg)
		p.fence.resolve(key)
		return
	}

	select {
	case <-p.permits:
		permitHeld = true
	case <-p.ctx.Done():
		p.nackSafely(msg)
		return
	}

	slog.Info("dispatching to mediator", "pool", p.poolCode, "messageId", msg.ID, "target", msg.MediationTarget)
	start := time.Now()
	outcome := p.mediator.Process(msg)
	elapsed := time.Since(start)
	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(elapsed.Seconds())
	slog.Info("mediation complete", "pool", p.poolCode, "messageId", msg.ID, "result", resultOf(outcome), "duration", elapsed)

	p.resolveOutcome(msg, outcome, key)
}

func resultOf(o *MediationOutcome) string {
	if o == nil {
		return string(MediationResultErrorProcess)
	}
	return string(o.Result)
}

// outcomeAction captures how a given MediationResult affects visibility
// and the FIFO fence, independent of the per-message specifics.
type outcomeAction struct {
	metricLabel  string
	visibility   func(p *ProcessPool, msg *MessagePointer, o *MediationOutcome)
	marksFailure bool
}

var outcomeTable = map[MediationResult]outcomeAction{
	MediationResultSuccess: {
		metricLabel: "success",
	},
	MediationResultErrorProcess: {
		metricLabel: "failed",
		visibility: func(p *ProcessPool, msg *MessagePointer, o *MediationOutcome) {
			if o.HasCustomDelay() {
				p.callback.SetVisibilityDelay(msg, o.EffectiveDelaySeconds())
			} else {
				p.callback.ResetVisibilityToDefault(msg)
			}
		},
		marksFailure: true,
	},
	MediationResultErrorServer: {
		metricLabel: "failed",
		visibility: func(p *ProcessPool, msg *MessagePointer, o *MediationOutcome) {
			p.callback.ResetVisibilityToDefault(msg)
		},
		marksFailure: true,
	},
	MediationResultErrorConnection: {
		metricLabel: "failed",
		visibility: func(p *ProcessPool, msg *MessagePointer, o *MediationOutcome) {
			p.callback.ResetVisibilityToDefault(msg)
		},
		marksFailure: true,
	},
}

// resolveOutcome applies the ack/nack side effect for outcome and updates
// the FIFO fence for key.
func (p *ProcessPool) resolveOutcome(msg *MessagePointer, outcome *MediationOutcome, key string) {
	if outcome == nil {
		outcome = &MediationOutcome{Result: MediationResultErrorProcess}
	}

	action, known := outcomeTable[outcome.Result]
	if !known {
		slog.Warn("unrecognized mediation result, treating as retryable failure", "pool", p.poolCode, "messageId", msg.ID, "result", string(outcome.Result))
		action = outcomeTable[MediationResultErrorServer]
	}

	metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, action.metricLabel).Inc()

	if outcome.Result == MediationResultSuccess {
		slog.Info("message acknowledged", "pool", p.poolCode, "messageId", msg.ID)
		p.callback.Ack(msg)
		p.fence.resolve(key)
		return
	}

	if action.visibility != nil {
		action.visibility(p, msg, outcome)
	}
	p.callback.Nack(msg)
	slog.Warn("message nacked for retry", "pool", p.poolCode, "messageId", msg.ID, "result", string(outcome.Result), "statusCode", outcome.StatusCode)

	if action.marksFailure {
		p.fence.markFailed(key)
	}
	p.fence.resolve(key)
}

func (p *ProcessPool) isRateLimited() bool {
	p.rateLimitMu.RLock()
	perMinute := p.rateLimit
	p.rateLimitMu.RUnlock()
	// Acquire bypasses (returns true, i.e. "not limited") when perMinute is nil/absent.
	return !p.rateLimiter.Acquire(p.rateLimitKey(), perMinute)
}

func (p *ProcessPool) nackSafely(msg *MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while nacking message", "pool", p.poolCode, "messageId", msg.ID, "panic", r)
		}
	}()
	p.callback.Nack(msg)
}

func (p *ProcessPool) GetPoolCode() string { return p.poolCode }

func (p *ProcessPool) GetConcurrency() int { return int(p.concurrency.Load()) }

func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimit
}

// IsFullyDrained reports whether the pool has no queued work and every
// permit is available (i.e. no worker is mid-dispatch).
func (p *ProcessPool) IsFullyDrained() bool {
	return p.queuedSize.Load() == 0 && len(p.permits) == int(p.concurrency.Load())
}

// Shutdown stops the gauge loop and all lane goroutines, waiting up to
// shutdownGrace before giving up. Safe to call more than once.
func (p *ProcessPool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.running.Store(false)

		p.gaugeCancel()
		p.gaugeWG.Wait()

		p.cancel()

		done := make(chan struct{})
		go func() {
			p.lanesWG.Wait()
			close(done)
		}()

		select {
		case <-done:
			slog.Info("pool shutdown complete", "pool", p.poolCode)
		case <-time.After(shutdownGrace):
			slog.Warn("pool shutdown timed out", "pool", p.poolCode)
		}
	})
}

func (p *ProcessPool) GetQueueSize() int { return int(p.queuedSize.Load()) }

func (p *ProcessPool) GetActiveWorkers() int {
	return int(p.concurrency.Load()) - len(p.permits)
}

func (p *ProcessPool) GetQueueCapacity() int { return p.queueCapacity }

// HasCapacity reports whether needed more messages would still fit under
// the queue capacity.
func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.queueCapacity
}

func (p *ProcessPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	perMinute := p.rateLimit
	p.rateLimitMu.RUnlock()
	return p.rateLimiter.IsLimited(p.rateLimitKey(), perMinute)
}

// UpdateConcurrency resizes the permit semaphore to newLimit, blocking
// (up to timeoutSeconds) to reclaim permits when shrinking. Returns false
// if the shrink could not complete within the deadline, leaving the pool
// at its prior concurrency.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(p.concurrency.Load())
	if newLimit == current {
		return true
	}

	if newLimit > current {
		for i := 0; i < newLimit-current; i++ {
			p.permits <- struct{}{}
		}
		p.concurrency.Store(int32(newLimit))
		slog.Info("concurrency increased", "pool", p.poolCode, "from", current, "to", newLimit)
		return true
	}

	toReclaim := current - newLimit
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	reclaimed := 0
	for reclaimed < toReclaim {
		select {
		case <-p.permits:
			reclaimed++
		case <-time.After(time.Until(deadline)):
			for i := 0; i < reclaimed; i++ {
				p.permits <- struct{}{}
			}
			slog.Warn("concurrency decrease timed out", "pool", p.poolCode, "from", current, "to", newLimit)
			return false
		}
	}

	p.concurrency.Store(int32(newLimit))
	slog.Info("concurrency decreased", "pool", p.poolCode, "from", current, "to", newLimit)
	return true
}

// UpdateRateLimit replaces the configured rate limit, forcing the
// underlying limiter to re-create its bucket at the new rate on next use.
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.rateLimit = nil
		p.rateLimiter.Forget(p.rateLimitKey())
		slog.Info("rate limit disabled", "pool", p.poolCode)
		return
	}

	p.rateLimit = newRateLimitPerMinute
	p.rateLimiter.Forget(p.rateLimitKey())
	slog.Info("rate limit updated", "pool", p.poolCode, "perMinute", *newRateLimitPerMinute)
}

func (p *ProcessPool) runGaugeLoop() {
	defer p.gaugeWG.Done()

	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	p.publishGauges()
	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.publishGauges()
		}
	}
}

func (p *ProcessPool) publishGauges() {
	active := p.GetActiveWorkers()
	available := int(p.concurrency.Load()) - active

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(active))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(p.GetQueueSize()))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(available))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(p.laneCount()))
}

func (p *ProcessPool) laneCount() int {
	count := 0
	p.lanes.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
