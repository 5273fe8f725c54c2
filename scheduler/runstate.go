// Package scheduler runs study crons over active scopes and the periodic
// housekeeping tasks (file cleanup, session cleanup, mail dispatch).
package scheduler

import (
	"sync"
	"time"
)

// RunStateStore remembers when each cron last ran
type RunStateStore interface {
	LastRun(cronID string) (time.Time, bool)
	SetLastRun(cronID string, at time.Time)
}

// MemoryRunState keeps last runs in process memory. It is lost on restart,
// so every periodic cron is due on the first tick after startup.
type MemoryRunState struct {
	mu   sync.RWMutex
	runs map[string]time.Time
}

// NewMemoryRunState creates an empty run state
func NewMemoryRunState() *MemoryRunState {
	return &MemoryRunState{runs: make(map[string]time.Time)}
}

func (m *MemoryRunState) LastRun(cronID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.runs[cronID]
	return at, ok
}

func (m *MemoryRunState) SetLastRun(cronID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[cronID] = at
}

// Snapshot returns a copy of every recorded last run
func (m *MemoryRunState) Snapshot() map[string]time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.runs))
	for k, v := range m.runs {
		out[k] = v
	}
	return out
}
