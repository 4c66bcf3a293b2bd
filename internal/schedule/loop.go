package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Loop is the single goroutine on which all core mutations happen: inbound
// pushes, completed requests and timer ticks are queued and executed one at a
// time.
type Loop struct {
	queue   chan func()
	stopped chan struct{}
	once    sync.Once
	logger  *zap.Logger

	mu     sync.Mutex
	timers map[*loopTimer]struct{}
}

// NewLoop constructs a loop with the given queue capacity.
func NewLoop(logger *zap.Logger, capacity int) *Loop {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		queue:   make(chan func(), capacity),
		stopped: make(chan struct{}),
		logger:  logger,
		timers:  make(map[*loopTimer]struct{}),
	}
}

// Run executes queued work until ctx is cancelled. All timers are stopped on exit.
func (l *Loop) Run(ctx context.Context) error {
	defer l.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("reaction panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

func (l *Loop) shutdown() {
	l.once.Do(func() {
		close(l.stopped)
		l.mu.Lock()
		timers := make([]*loopTimer, 0, len(l.timers))
		for t := range l.timers {
			timers = append(timers, t)
		}
		l.mu.Unlock()
		for _, t := range timers {
			t.Stop()
		}
	})
}

// Post enqueues fn. Work posted after the loop exits is dropped.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.stopped:
	case l.queue <- fn:
	}
}

// Do runs fn on the loop and waits for it. Once fn is queued Do waits for the
// loop to reach it; if ctx is done by then fn is skipped and ctx.Err() is
// returned, so a caller that gets an error knows fn did not run.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	skipped := false
	wrapped := func() {
		defer close(done)
		if ctx.Err() != nil {
			skipped = true
			return
		}
		fn()
	}
	select {
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case l.queue <- wrapped:
	}
	select {
	case <-done:
	case <-l.stopped:
		select {
		case <-done:
		default:
			return ErrStopped
		}
	}
	if skipped {
		return ctx.Err()
	}
	return nil
}

// Now returns wall-clock time.
func (l *Loop) Now() time.Time { return time.Now().UTC() }

// Every starts a ticker whose ticks are posted to the loop.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{loop: l, done: make(chan struct{})}
	l.mu.Lock()
	l.timers[t] = struct{}{}
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Post(func() {
					if t.stopped.Load() {
						return
					}
					fn()
				})
			case <-t.done:
				return
			case <-l.stopped:
				return
			}
		}
	}()
	return t
}

// Active reports how many timers are currently running.
func (l *Loop) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

type loopTimer struct {
	loop    *Loop
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

func (t *loopTimer) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.done)
		t.loop.mu.Lock()
		delete(t.loop.timers, t)
		t.loop.mu.Unlock()
	})
}
