package schedule

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned when work is submitted to a loop that has exited.
var ErrStopped = errors.New("executor stopped")

// Executor serializes reactions: every function posted runs alone, in
// submission order.
type Executor interface {
	// Post enqueues fn without waiting for it.
	Post(fn func())
	// Do runs fn on the executor and waits for it to finish. fn is skipped
	// when ctx is done before it starts, so a non-nil error means fn did not
	// run. It must not be called from inside a posted function.
	Do(ctx context.Context, fn func()) error
}

// Timer is a scoped periodic timer. Stop is idempotent and guarantees that no
// tick runs after it returns on the executor.
type Timer interface {
	Stop()
}

// Scheduler creates periodic timers whose ticks run on the executor.
type Scheduler interface {
	Every(d time.Duration, fn func()) Timer
}

// Runtime is what the core components need from the environment.
type Runtime interface {
	Executor
	Scheduler
	Now() time.Time
}
