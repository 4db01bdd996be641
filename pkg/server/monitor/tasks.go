package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// maxConsecutiveErrors is the failure streak after which a task is unhealthy
const maxConsecutiveErrors = 3

// TaskMonitor tracks the health of named background tasks.
type TaskMonitor struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	tasks map[string]*taskState
}

type taskState struct {
	maxAge            time.Duration
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewTaskMonitor creates an empty monitor. A nil clock uses the real clock.
func NewTaskMonitor(clock clockwork.Clock) *TaskMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TaskMonitor{clock: clock, tasks: make(map[string]*taskState)}
}

// Register adds a task. A task whose last success is older than maxAge is
// unhealthy; zero disables the age check.
func (m *TaskMonitor) Register(name string, maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(name).maxAge = maxAge
}

// RecordSuccess records a successful run.
func (m *TaskMonitor) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	st := m.state(name)
	st.lastSuccess = now
	st.lastAttempt = now
	st.consecutiveErrors = 0
	st.lastError = ""
}

// RecordFailure records a failed run.
func (m *TaskMonitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(name)
	st.lastAttempt = m.clock.Now()
	st.consecutiveErrors++
	if err != nil {
		st.lastError = err.Error()
	}
}

// ConsecutiveErrors returns the current failure streak of a task
func (m *TaskMonitor) ConsecutiveErrors(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.tasks[name]; ok {
		return st.consecutiveErrors
	}
	return 0
}

func (m *TaskMonitor) state(name string) *taskState {
	st, ok := m.tasks[name]
	if !ok {
		st = &taskState{}
		m.tasks[name] = st
	}
	return st
}

// healthy reports whether one task is working. A task that has never run is
// healthy; one that ran but never succeeded is not.
func (st *taskState) healthy(now time.Time) bool {
	if st.lastAttempt.IsZero() {
		return true
	}
	if st.lastSuccess.IsZero() {
		return false
	}
	if st.maxAge > 0 && now.Sub(st.lastSuccess) > st.maxAge {
		return false
	}
	return st.consecutiveErrors <= maxConsecutiveErrors
}

// IsHealthy returns true if every task is healthy.
func (m *TaskMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	for _, st := range m.tasks {
		if !st.healthy(now) {
			return false
		}
	}
	return true
}

// TaskStatus is the health of one task as reported by /v1/health.
type TaskStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns every task's status, sorted by name.
func (m *TaskMonitor) Status() []TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	out := make([]TaskStatus, 0, len(m.tasks))
	for name, st := range m.tasks {
		status := TaskStatus{Name: name, Healthy: st.healthy(now)}
		if !st.lastSuccess.IsZero() {
			status.LastSuccess = st.lastSuccess.Format(time.RFC3339)
			status.TimeSinceSuccess = now.Sub(st.lastSuccess).Round(time.Second).String()
		}
		if !st.lastAttempt.IsZero() {
			status.LastAttempt = st.lastAttempt.Format(time.RFC3339)
		}
		if st.consecutiveErrors > 0 {
			status.ConsecutiveErrors = st.consecutiveErrors
			status.LastError = st.lastError
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
