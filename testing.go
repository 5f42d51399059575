package reqcache

import (
	"sync"
	"time"
)

// MockClock provides a controllable time source for testing freshness
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewMockClock creates a new mock clock starting at the given time
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

// Now returns the current mocked time
func (m *MockClock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Advance moves the clock forward by the given duration
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// Expire moves the clock just past the policy's FreshDuration, so data fetched
// at the current mocked time becomes stale
func (m *MockClock) Expire(policy Policy) {
	m.Advance(policy.FreshDuration + time.Nanosecond)
}

// Install replaces NowFunc with this mock clock and returns a function restoring it
func (m *MockClock) Install() func() {
	originalNowFunc := NowFunc
	NowFunc = m.Now
	return func() {
		NowFunc = originalNowFunc
	}
}
