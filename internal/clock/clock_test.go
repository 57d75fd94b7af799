package clock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/logging"
)

var (
	realStart = time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	simAnchor = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
)

func newVirtualClock(t *testing.T, pass PassFunc) (*SimulatedClock, *Virtual) {
	t.Helper()
	v := NewVirtual(realStart)
	c := New(Options{
		Scale:     5,
		Interval:  time.Minute,
		Scheduler: v,
		RealNow:   v.Now,
		Pass:      pass,
		Logger:    logging.Discard(),
	})
	return c, v
}

func countingPass(n *int32) PassFunc {
	return func(context.Context, time.Time) (int, error) {
		atomic.AddInt32(n, 1)
		return 3, nil
	}
}

func TestCurrentTime_ScaleCorrectness(t *testing.T) {
	c, v := newVirtualClock(t, nil)
	ctx := context.Background()

	got, err := c.Start(ctx, simAnchor)
	require.NoError(t, err)
	assert.True(t, got.Equal(simAnchor))

	v.Advance(10 * time.Second)
	assert.Equal(t, simAnchor.Add(50*time.Second), c.CurrentTime())

	// Repeated polling does not drift.
	for i := 0; i < 100; i++ {
		_ = c.CurrentTime()
	}
	v.Advance(1500 * time.Millisecond)
	assert.Equal(t, simAnchor.Add(57500*time.Millisecond), c.CurrentTime())
}

func TestStart_IsIdempotentWhileRunning(t *testing.T) {
	c, v := newVirtualClock(t, nil)
	ctx := context.Background()

	_, err := c.Start(ctx, simAnchor)
	require.NoError(t, err)
	v.Advance(time.Minute / 2)

	again, err := c.Start(ctx, simAnchor.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, again.Equal(simAnchor))
	assert.Equal(t, simAnchor.Add(150*time.Second), c.CurrentTime(), "start must not reset the mapping")
	assert.Equal(t, 1, v.Pending(), "start must not schedule a second job")
}

func TestStart_DefaultAnchor(t *testing.T) {
	latest := time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)

	v := NewVirtual(realStart)
	c := New(Options{
		Scheduler: v, RealNow: v.Now, Logger: logging.Discard(),
		Anchor: func(context.Context) (time.Time, error) { return latest, nil },
	})
	got, err := c.Start(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.True(t, got.Equal(latest))

	empty := New(Options{
		Scheduler: v, RealNow: v.Now, Logger: logging.Discard(),
		Anchor: func(context.Context) (time.Time, error) { return time.Time{}, nil },
	})
	got, err = empty.Start(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.True(t, got.Equal(realStart), "no stored readings falls back to real time")

	failing := New(Options{
		Scheduler: v, RealNow: v.Now, Logger: logging.Discard(),
		Anchor: func(context.Context) (time.Time, error) { return time.Time{}, errors.New("db down") },
	})
	_, err = failing.Start(context.Background(), time.Time{})
	assert.Error(t, err)
	assert.False(t, failing.Status().Running)
}

func TestCurrentTime_BeforeStartIsRealTime(t *testing.T) {
	c, v := newVirtualClock(t, nil)
	assert.Equal(t, v.Now(), c.CurrentTime())
	assert.False(t, c.Status().Running)
}

func TestTick_WhileStoppedIsMisuse(t *testing.T) {
	var calls int32
	c, _ := newVirtualClock(t, countingPass(&calls))

	_, err := c.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrClockStopped)
	assert.Equal(t, domain.CategoryClockMisuse, domain.CategoryOf(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Zero(t, c.Status().TickCount)
}

func TestTick_RunsPassAtSimulatedTime(t *testing.T) {
	var seen time.Time
	c, v := newVirtualClock(t, func(_ context.Context, simTime time.Time) (int, error) {
		seen = simTime
		return 4, nil
	})
	_, err := c.Start(context.Background(), simAnchor)
	require.NoError(t, err)
	v.Advance(2 * time.Second)

	res, err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Seq)
	assert.Equal(t, 4, res.PatientsProcessed)
	assert.Equal(t, simAnchor.Add(10*time.Second), res.SimulatedTime)
	assert.Equal(t, res.SimulatedTime, seen)

	status := c.Status()
	assert.Equal(t, int64(1), status.TickCount)
	assert.Equal(t, res.SimulatedTime, status.LastTickTime)
}

func TestTick_PassErrorIsReported(t *testing.T) {
	c, _ := newVirtualClock(t, func(context.Context, time.Time) (int, error) {
		return 0, errors.New("store offline")
	})
	_, err := c.Start(context.Background(), simAnchor)
	require.NoError(t, err)

	_, err = c.Tick(context.Background())
	assert.Error(t, err)

	// The failed tick still releases its turn.
	done := make(chan struct{})
	go func() {
		_, _ = c.Tick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second tick blocked after a failed tick")
	}
}

// Two manual ticks issued while the first is still running: the second
// must start only after the first finishes.
func TestTick_SerializedInIssueOrder(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []string
		inFlight int32
		overlap  int32
	)
	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})
	var calls int32

	c, _ := newVirtualClock(t, func(context.Context, time.Time) (int, error) {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		defer atomic.AddInt32(&inFlight, -1)

		n := atomic.AddInt32(&calls, 1)
		mu.Lock()
		order = append(order, map[int32]string{1: "first-start", 2: "second-start"}[n])
		mu.Unlock()
		if n == 1 {
			close(firstEntered)
			<-releaseFirst
			mu.Lock()
			order = append(order, "first-end")
			mu.Unlock()
		}
		return 1, nil
	})
	_, err := c.Start(context.Background(), simAnchor)
	require.NoError(t, err)

	results := make(chan *TickResult, 2)
	go func() {
		r, err := c.Tick(context.Background())
		assert.NoError(t, err)
		results <- r
	}()
	<-firstEntered

	go func() {
		r, err := c.Tick(context.Background())
		assert.NoError(t, err)
		results <- r
	}()

	require.Eventually(t, func() bool { return c.Status().PendingTicks == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second tick must wait")

	close(releaseFirst)
	first, second := <-results, <-results

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, []string{"first-start", "first-end", "second-start"}, order)
	assert.Zero(t, atomic.LoadInt32(&overlap))
}

// A tick queued behind a long pass whose caller deadline passes while it
// waits still runs its full pass with a live context.
func TestTick_QueuedTickOutlivesCallerDeadline(t *testing.T) {
	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})
	var calls, liveCtx int32

	c, _ := newVirtualClock(t, func(ctx context.Context, _ time.Time) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(firstEntered)
			<-releaseFirst
		}
		if ctx.Err() == nil {
			atomic.AddInt32(&liveCtx, 1)
		}
		return 1, nil
	})
	_, err := c.Start(context.Background(), simAnchor)
	require.NoError(t, err)

	go func() { _, _ = c.Tick(context.Background()) }()
	<-firstEntered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "queued tick must not run before the first finishes")

	close(releaseFirst)
	c.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&liveCtx), "queued pass ran with a cancelled context")
	assert.Equal(t, int64(2), c.Status().TickCount)
	assert.Zero(t, c.Status().PendingTicks)
}

func TestWait_BlocksUntilScheduledTickFinishes(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished int32
	c, v := newVirtualClock(t, func(context.Context, time.Time) (int, error) {
		close(entered)
		<-release
		atomic.StoreInt32(&finished, 1)
		return 0, nil
	})
	_, err := c.Start(context.Background(), simAnchor)
	require.NoError(t, err)

	v.Advance(time.Minute)
	<-entered
	c.Stop()

	waited := make(chan struct{})
	go func() {
		c.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while a tick was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the tick finished")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestScheduledTicks(t *testing.T) {
	var calls int32
	c, v := newVirtualClock(t, countingPass(&calls))
	_, err := c.Start(context.Background(), simAnchor)
	require.NoError(t, err)

	v.Advance(3 * time.Minute)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.Status().TickCount == 3 }, time.Second, time.Millisecond)

	c.Stop()
	v.Advance(5 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "stop must cancel future ticks")
	assert.Zero(t, v.Pending())
}

func TestScheduledTicks_DeferredNotDropped(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	var seen []time.Time
	var mu sync.Mutex
	c, v := newVirtualClock(t, func(_ context.Context, simTime time.Time) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
		}
		mu.Lock()
		seen = append(seen, simTime)
		mu.Unlock()
		return 0, nil
	})
	_, err := c.Start(context.Background(), simAnchor)
	require.NoError(t, err)

	v.Advance(3 * time.Minute)
	require.Eventually(t, func() bool { return c.Status().PendingTicks == 3 }, time.Second, time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return c.Status().TickCount == 3 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	for i := 1; i < len(seen); i++ {
		assert.False(t, seen[i].Before(seen[i-1]), "ticks ran out of order")
	}
}

func TestStop_FreezesTimeAndIsIdempotent(t *testing.T) {
	c, v := newVirtualClock(t, nil)
	_, err := c.Start(context.Background(), simAnchor)
	require.NoError(t, err)

	v.Advance(12 * time.Second)
	final := c.Stop()
	assert.Equal(t, simAnchor.Add(time.Minute), final)

	v.Advance(time.Hour)
	assert.Equal(t, final, c.CurrentTime())
	assert.Equal(t, final, c.Stop())
	assert.False(t, c.Status().Running)
}

func TestStop_MidTickKeepsCompletedWork(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var completed int32
	c, _ := newVirtualClock(t, func(ctx context.Context, _ time.Time) (int, error) {
		close(entered)
		<-release
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		atomic.AddInt32(&completed, 1)
		return 2, nil
	})
	_, err := c.Start(context.Background(), simAnchor)
	require.NoError(t, err)

	done := make(chan *TickResult, 1)
	go func() {
		r, err := c.Tick(context.Background())
		assert.NoError(t, err)
		done <- r
	}()
	<-entered
	c.Stop()
	close(release)

	r := <-done
	assert.Equal(t, 2, r.PatientsProcessed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&completed))
	assert.Equal(t, int64(1), c.Status().TickCount)
}

func TestStart_ResumesFromFrozenTime(t *testing.T) {
	c, v := newVirtualClock(t, nil)
	ctx := context.Background()
	_, err := c.Start(ctx, simAnchor)
	require.NoError(t, err)
	v.Advance(6 * time.Second)
	final := c.Stop()

	v.Advance(time.Hour)
	resumed, err := c.Start(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, final, resumed)

	v.Advance(2 * time.Second)
	assert.Equal(t, final.Add(10*time.Second), c.CurrentTime())
}

func TestTickerScheduler(t *testing.T) {
	var fires int32
	job := TickerScheduler{}.Schedule(5*time.Millisecond, func() { atomic.AddInt32(&fires, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fires) >= 2 }, time.Second, time.Millisecond)

	job.Cancel()
	job.Cancel()
	time.Sleep(20 * time.Millisecond)
	after := atomic.LoadInt32(&fires)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&fires))
}

func TestVirtual_FiresInOrder(t *testing.T) {
	v := NewVirtual(realStart)
	var got []string
	v.Schedule(2*time.Second, func() { got = append(got, "slow") })
	fast := v.Schedule(time.Second, func() { got = append(got, "fast") })

	// Jobs due at the same instant run in scheduling order.
	v.Advance(2 * time.Second)
	assert.Equal(t, []string{"fast", "slow", "fast"}, got)

	fast.Cancel()
	v.Advance(2 * time.Second)
	assert.Equal(t, []string{"fast", "slow", "fast", "slow"}, got)
	assert.Equal(t, realStart.Add(4*time.Second), v.Now())
}
