package warning

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service manages system warnings
type Service interface {
	// AddWarning adds a new warning
	AddWarning(category, severity, message, source string)

	// GetAllWarnings returns all warnings
	GetAllWarnings() []Warning

	// GetWarningsBySeverity returns warnings filtered by severity
	GetWarningsBySeverity(severity string) []Warning

	// GetUnacknowledgedWarnings returns unacknowledged warnings
	GetUnacknowledgedWarnings() []Warning

	// AcknowledgeWarning acknowledges a warning by ID
	AcknowledgeWarning(warningID string) bool

	// ClearAllWarnings removes all warnings
	ClearAllWarnings()

	// ClearOldWarnings removes warnings older than specified hours
	ClearOldWarnings(hoursOld int)
}

// InMemoryService keeps warnings in insertion order behind a doubly
// linked list, so evicting the oldest entry at capacity and walking
// newest-first are both O(1)/O(n) without a per-insert scan. A map
// from ID to list element gives O(1) lookup for acknowledge/lookup.
type InMemoryService struct {
	mu          sync.RWMutex
	order       *list.List // front = oldest, back = newest
	byID        map[string]*list.Element
	maxWarnings int
}

// DefaultMaxWarnings is the retention cap used by NewInMemoryService.
const DefaultMaxWarnings = 1000

// NewInMemoryService creates a new in-memory warning service
func NewInMemoryService() *InMemoryService {
	return NewInMemoryServiceWithLimit(DefaultMaxWarnings)
}

// NewInMemoryServiceWithLimit creates a new in-memory warning service with custom limit
func NewInMemoryServiceWithLimit(maxWarnings int) *InMemoryService {
	return &InMemoryService{
		order:       list.New(),
		byID:        make(map[string]*list.Element),
		maxWarnings: maxWarnings,
	}
}

// AddWarning adds a new warning
func (s *InMemoryService) AddWarning(category, severity, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.order.Len() >= s.maxWarnings {
		s.evictOldest()
	}

	w := &Warning{
		ID:           uuid.New().String(),
		Category:     category,
		Severity:     severity,
		Message:      message,
		Timestamp:    time.Now(),
		Source:       source,
		Acknowledged: false,
	}

	elem := s.order.PushBack(w)
	s.byID[w.ID] = elem

	slog.Info("Warning added",
		"severity", severity,
		"category", category,
		"source", source,
		"message", message)
}

// evictOldest drops the front (oldest) entry. Caller must hold the lock.
func (s *InMemoryService) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	s.order.Remove(front)
	delete(s.byID, front.Value.(*Warning).ID)
}

// GetAllWarnings returns all warnings sorted by timestamp (newest first)
func (s *InMemoryService) GetAllWarnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(nil)
}

// GetWarningsBySeverity returns warnings filtered by severity
func (s *InMemoryService) GetWarningsBySeverity(severity string) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(w *Warning) bool {
		return strings.EqualFold(w.Severity, severity)
	})
}

// GetUnacknowledgedWarnings returns unacknowledged warnings
func (s *InMemoryService) GetUnacknowledgedWarnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(w *Warning) bool {
		return !w.Acknowledged
	})
}

// collect walks the list back-to-front (newest first), copying entries
// that pass filter. Caller must hold at least the read lock.
func (s *InMemoryService) collect(filter func(*Warning) bool) []Warning {
	result := make([]Warning, 0, s.order.Len())
	for e := s.order.Back(); e != nil; e = e.Prev() {
		w := e.Value.(*Warning)
		if filter == nil || filter(w) {
			result = append(result, *w)
		}
	}
	return result
}

// AcknowledgeWarning acknowledges a warning by ID
func (s *InMemoryService) AcknowledgeWarning(warningID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.byID[warningID]
	if !exists {
		return false
	}

	elem.Value.(*Warning).Acknowledged = true
	slog.Info("Warning acknowledged", "warningId", warningID)
	return true
}

// ClearAllWarnings removes all warnings
func (s *InMemoryService) ClearAllWarnings() {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.order.Len()
	s.order.Init()
	s.byID = make(map[string]*list.Element)
	slog.Info("Cleared all warnings", "count", count)
}

// ClearOldWarnings removes warnings older than specified hours. Entries
// are inserted in timestamp order, so the oldest ones needing removal
// always sit at the front of the list.
func (s *InMemoryService) ClearOldWarnings(hoursOld int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-time.Duration(hoursOld) * time.Hour)
	removed := 0

	for e := s.order.Front(); e != nil; {
		w := e.Value.(*Warning)
		if !w.Timestamp.Before(threshold) {
			break
		}
		next := e.Next()
		s.order.Remove(e)
		delete(s.byID, w.ID)
		removed++
		e = next
	}

	slog.Info("Cleared old warnings", "count", removed, "hoursOld", hoursOld)
}

// Count returns the current number of warnings
func (s *InMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}
