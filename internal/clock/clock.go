// SPDX-License-Identifier: MIT

// Package clock abstracts time and ID generation for deterministic testing.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock provides an interface for time-based operations.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using time.Now().
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// MockClock provides deterministic time control for testing.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a mock clock starting at the given time.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance advances the mock clock by the given duration.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set pins the mock clock to an absolute instant.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
