// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock abstracts time so that flow windows and refresh intervals
// can be driven by packet timestamps during PCAP replay and by tests.
package clock

import (
	"sync"
	"time"
)

// Clock is a source of the current time.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// Real is the shared wall clock.
var Real Clock = RealClock{}

// Now returns the wall-clock time.
func Now() time.Time { return Real.Now() }

// MockClock is a manually driven clock. It is safe for concurrent use.
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMockClock creates a MockClock starting at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mock time.
func (m *MockClock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t. Moving backwards is ignored so that
// out-of-order capture timestamps cannot rewind flow state.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t
	}
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
