package docsync

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs f once after d. The returned stop func cancels a call that
// has not started and reports whether it did.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// RealScheduler uses wall-clock timers.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ManualScheduler is a virtual clock: nothing fires until Advance.
type ManualScheduler struct {
	mu        sync.Mutex
	now       time.Time
	seq       int
	timers    []*manualTimer
	requested []time.Duration
}

type manualTimer struct {
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

// NewManualScheduler starts the virtual clock at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (m *ManualScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, f: f}
	m.seq++
	m.timers = append(m.timers, t)
	m.requested = append(m.requested, d)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Advance moves the clock forward by d and runs every due timer in due
// order, on the caller's goroutine. Returns how many ran.
func (m *ManualScheduler) Advance(d time.Duration) int {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due, rest []*manualTimer
	for _, t := range m.timers {
		switch {
		case t.stopped:
		case !t.at.After(m.now):
			t.stopped = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	m.timers = rest
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		return due[i].seq < due[j].seq
	})
	for _, t := range due {
		t.f()
	}
	return len(due)
}

// Now returns the virtual time.
func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending counts timers that have neither fired nor been stopped.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Requested returns every delay passed to AfterFunc, in call order.
func (m *ManualScheduler) Requested() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.requested...)
}
