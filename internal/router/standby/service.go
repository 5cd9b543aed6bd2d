// Package standby provides high-availability failover via distributed
// leader election.
//
// Multiple instances compete for a distributed lock. The instance holding
// the lock is PRIMARY and actively processes messages; every other
// instance is STANDBY and takes over only if the PRIMARY disappears.
package standby

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaycore.dev/dispatcher/internal/router/health"
)

// Role is the leader-election state of one instance.
type Role string

const (
	RolePrimary Role = "PRIMARY"
	RoleStandby Role = "STANDBY"
	RoleUnknown Role = "UNKNOWN"
)

// Config controls standby/leader-election behavior for one instance.
type Config struct {
	Enabled         bool
	InstanceID      string
	LockKey         string
	LockTTL         time.Duration
	RefreshInterval time.Duration
	RedisURL        string
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		LockKey:         "relaycore:router:leader",
		LockTTL:         30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Callbacks fire on role transitions.
type Callbacks struct {
	OnBecomePrimary func()
	OnBecomeStandby func()
}

// LockProvider is a distributed mutual-exclusion primitive used for
// leader election (Redis, etc.).
type LockProvider interface {
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, instanceID string) error
	GetHolder(ctx context.Context, key string) (string, error)
	IsAvailable(ctx context.Context) bool
	Close() error
}

// electionState is every piece of state that changes as leader election
// runs, kept behind one mutex so readers (GetStatus, IsPrimary, ...)
// never observe it half-updated.
type electionState struct {
	mu sync.RWMutex

	role           Role
	redisAvailable bool
	lockHolder     string
	lastRefresh    time.Time
	warning        string
}

func (s *electionState) getRole() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// setRole updates the role and reports whether it actually changed.
func (s *electionState) setRole(role Role) (changed bool, old Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old = s.role
	s.role = role
	return old != role, old
}

func (s *electionState) recordRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = time.Now()
	s.warning = ""
}

func (s *electionState) setWarning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warning = msg
}

func (s *electionState) setRedisAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redisAvailable = available
}

func (s *electionState) setLockHolder(holder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockHolder = holder
}

func (s *electionState) snapshot() electionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return electionState{
		role:           s.role,
		redisAvailable: s.redisAvailable,
		lockHolder:     s.lockHolder,
		lastRefresh:    s.lastRefresh,
		warning:        s.warning,
	}
}

// Service runs leader election against a LockProvider and reports the
// resulting role to callbacks and to GetStatus for monitoring.
type Service struct {
	config    *Config
	callbacks *Callbacks

	instanceID string
	state      electionState

	providerMu sync.RWMutex
	provider   LockProvider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds a standby service. A nil config takes DefaultConfig,
// and an empty InstanceID is replaced with a generated UUID.
func NewService(config *Config, callbacks *Callbacks) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:     config,
		callbacks:  callbacks,
		instanceID: instanceID,
		state:      electionState{role: RoleUnknown},
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) SetLockProvider(provider LockProvider) {
	s.providerMu.Lock()
	defer s.providerMu.Unlock()
	s.provider = provider
}

func (s *Service) lockProvider() LockProvider {
	s.providerMu.RLock()
	defer s.providerMu.RUnlock()
	return s.provider
}

// Start begins leader election. When standby mode is disabled this
// instance is immediately and permanently PRIMARY.
func (s *Service) Start() error {
	if !s.config.Enabled {
		slog.Info("standby mode disabled, running as standalone primary")
		s.transitionTo(RolePrimary)
		return nil
	}

	slog.Info("starting leader election",
		"instanceId", s.instanceID,
		"lockKey", s.config.LockKey,
		"lockTTL", s.config.LockTTL,
		"refreshInterval", s.config.RefreshInterval)

	s.tryAcquireOrRefresh()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.tryAcquireOrRefresh()
			}
		}
	}()
	return nil
}

// Stop halts election and releases the lock if this instance is holding
// it.
func (s *Service) Stop() {
	slog.Info("stopping standby service", "instanceId", s.instanceID)

	s.cancel()
	s.wg.Wait()

	snapshot := s.state.snapshot()
	provider := s.lockProvider()
	if provider == nil {
		return
	}

	if snapshot.role == RolePrimary {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := provider.Release(ctx, s.config.LockKey, s.instanceID); err != nil {
			slog.Warn("failed to release lock during shutdown", "error", err)
		} else {
			slog.Info("released leader lock")
		}
		cancel()
	}
	provider.Close()
}

// tryAcquireOrRefresh runs one election tick: a primary tries to extend
// its lease, a standby tries to claim an open one.
func (s *Service) tryAcquireOrRefresh() {
	provider := s.lockProvider()
	if provider == nil {
		slog.Warn("no lock provider configured, running as standalone primary")
		s.transitionTo(RolePrimary)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	available := provider.IsAvailable(ctx)
	s.state.setRedisAvailable(available)
	if !available {
		slog.Warn("lock backend unavailable, maintaining current role")
		s.state.setWarning("lock backend unavailable")
		return
	}

	if s.state.getRole() == RolePrimary {
		s.refreshLease(ctx, provider)
	} else {
		s.claimLease(ctx, provider)
	}
}

// refreshLease extends the lock this instance already holds, stepping
// down to STANDBY if the lease was lost to another instance.
func (s *Service) refreshLease(ctx context.Context, provider LockProvider) {
	refreshed, err := provider.Refresh(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		slog.Error("lock refresh failed", "error", err)
		s.state.setWarning("lock refresh error: " + err.Error())
		return
	}

	if refreshed {
		s.state.recordRefresh()
		slog.Debug("lock refreshed")
		return
	}

	slog.Warn("lost leader lock, stepping down to standby")
	s.transitionTo(RoleStandby)
	s.refreshLockHolder(ctx, provider)
}

// claimLease tries to acquire an unheld lock, becoming PRIMARY on
// success; otherwise tracks who currently holds it.
func (s *Service) claimLease(ctx context.Context, provider LockProvider) {
	acquired, err := provider.TryAcquire(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		slog.Error("lock acquisition failed", "error", err)
		s.state.setWarning("lock acquisition error: " + err.Error())
		s.refreshLockHolder(ctx, provider)
		return
	}

	if acquired {
		slog.Info("acquired leader lock, becoming primary")
		s.transitionTo(RolePrimary)
		s.state.recordRefresh()
		s.state.setLockHolder(s.instanceID)
		return
	}

	s.refreshLockHolder(ctx, provider)
	if s.state.getRole() == RoleUnknown {
		s.transitionTo(RoleStandby)
	}
}

// transitionTo updates the role and, only on an actual change, fires the
// matching callback.
func (s *Service) transitionTo(role Role) {
	changed, old := s.state.setRole(role)
	if !changed {
		return
	}

	slog.Info("role changed", "instanceId", s.instanceID, "oldRole", string(old), "newRole", string(role))

	if s.callbacks == nil {
		return
	}
	switch role {
	case RolePrimary:
		if s.callbacks.OnBecomePrimary != nil {
			s.callbacks.OnBecomePrimary()
		}
	case RoleStandby:
		if s.callbacks.OnBecomeStandby != nil {
			s.callbacks.OnBecomeStandby()
		}
	}
}

func (s *Service) refreshLockHolder(ctx context.Context, provider LockProvider) {
	holder, err := provider.GetHolder(ctx, s.config.LockKey)
	if err != nil {
		slog.Debug("failed to read current lock holder", "error", err)
		return
	}
	s.state.setLockHolder(holder)
}

func (s *Service) IsPrimary() bool { return s.state.getRole() == RolePrimary }
func (s *Service) IsStandby() bool { return s.state.getRole() == RoleStandby }
func (s *Service) GetRole() Role   { return s.state.getRole() }

func (s *Service) GetInstanceID() string { return s.instanceID }

// IsEnabled reports whether standby mode is active for this instance.
func (s *Service) IsEnabled() bool { return s.config.Enabled }

// GetStatus reports a point-in-time view of the election state, for
// monitoring endpoints.
func (s *Service) GetStatus() *health.StandbyStatus {
	snapshot := s.state.snapshot()

	var lastRefresh string
	if !snapshot.lastRefresh.IsZero() {
		lastRefresh = snapshot.lastRefresh.Format(time.RFC3339)
	}

	return &health.StandbyStatus{
		StandbyEnabled:        s.config.Enabled,
		InstanceID:            s.instanceID,
		Role:                  string(snapshot.role),
		RedisAvailable:        snapshot.redisAvailable,
		CurrentLockHolder:     snapshot.lockHolder,
		LastSuccessfulRefresh: lastRefresh,
		HasWarning:            snapshot.warning != "",
	}
}
