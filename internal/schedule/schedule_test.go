package schedule_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/schedule"
)

func TestManualFiresTicksInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := schedule.NewManual(start)
	var fired []string
	fast := m.Every(time.Second, func() { fired = append(fired, "fast") })
	m.Every(3*time.Second, func() { fired = append(fired, "slow") })
	require.Equal(t, 2, m.Active())

	m.Advance(3 * time.Second)
	require.Equal(t, []string{"fast", "fast", "fast", "slow"}, fired)
	require.Equal(t, start.Add(3*time.Second), m.Now())

	fast.Stop()
	fast.Stop()
	require.Equal(t, 1, m.Active())
	m.Advance(3 * time.Second)
	require.Equal(t, []string{"fast", "fast", "fast", "slow", "slow"}, fired)
}

func TestManualTimerStoppedFromTick(t *testing.T) {
	m := schedule.NewManual(time.Unix(0, 0))
	count := 0
	var timer schedule.Timer
	timer = m.Every(time.Second, func() {
		count++
		if count == 2 {
			timer.Stop()
		}
	})
	m.Advance(10 * time.Second)
	require.Equal(t, 2, count)
	require.Zero(t, m.Active())
}

func TestLoopSerializesWork(t *testing.T) {
	loop := schedule.NewLoop(zap.NewNop(), 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	counter := 0
	for i := 0; i < 100; i++ {
		loop.Post(func() { counter++ })
	}
	var seen int
	require.NoError(t, loop.Do(ctx, func() { seen = counter }))
	require.Equal(t, 100, seen)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.ErrorIs(t, loop.Do(context.Background(), func() {}), schedule.ErrStopped)
}

func TestLoopTimerStopsAndShutdown(t *testing.T) {
	loop := schedule.NewLoop(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	var ticks atomic.Int32
	timer := loop.Every(5*time.Millisecond, func() { ticks.Add(1) })
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, loop.Do(ctx, timer.Stop))
	stoppedAt := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, stoppedAt, ticks.Load())
	require.Zero(t, loop.Active())

	loop.Every(time.Hour, func() {})
	require.Equal(t, 1, loop.Active())
	cancel()
	<-done
	require.Zero(t, loop.Active())
}

func TestLoopRecoversFromPanic(t *testing.T) {
	loop := schedule.NewLoop(zap.NewNop(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, loop.Do(ctx, func() { ran = true }))
	require.True(t, ran)
}

func TestLoopDoSkipsWorkWhoseContextEnded(t *testing.T) {
	loop := schedule.NewLoop(zap.NewNop(), 4)
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go loop.Run(runCtx)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	require.ErrorIs(t, loop.Do(cancelled, func() { ran = true }), context.Canceled)

	gate := make(chan struct{})
	loop.Post(func() { <-gate })
	queued, cancelQueued := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- loop.Do(queued, func() { ran = true }) }()
	time.Sleep(10 * time.Millisecond)
	cancelQueued()
	close(gate)
	require.ErrorIs(t, <-errc, context.Canceled)

	require.NoError(t, loop.Do(context.Background(), func() {}))
	require.False(t, ran)
}

func TestManualDoSkipsCancelledWork(t *testing.T) {
	m := schedule.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	require.ErrorIs(t, m.Do(ctx, func() { ran = true }), context.Canceled)
	require.False(t, ran)
}
