package schedule

import (
	"context"
	"sync"
	"time"
)

// Manual is a deterministic Runtime for tests: posted work runs inline and
// timers fire only when the clock is advanced.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

// NewManual constructs a Manual runtime starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Post(fn func()) { fn() }

func (m *Manual) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fn()
	return nil
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock without firing timers.
func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manual) Every(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{owner: m, period: d, next: m.now.Add(d), fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due ticks in time order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		var due *manualTimer
		for _, t := range m.timers {
			if t.next.After(target) {
				continue
			}
			if due == nil || t.next.Before(due.next) {
				due = t
			}
		}
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = due.next
		due.next = due.next.Add(due.period)
		fn := due.fn
		m.mu.Unlock()
		fn()
	}
}

// Active reports how many timers are running.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type manualTimer struct {
	owner  *Manual
	period time.Duration
	next   time.Time
	fn     func()
}

func (t *manualTimer) Stop() {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}
