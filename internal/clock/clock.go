// Package clock maps elapsed real time onto accelerated simulated time and
// drives periodic recomputation ticks.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/events"
)

// PassFunc runs one recomputation pass at simTime and reports how many
// patients it processed.
type PassFunc func(ctx context.Context, simTime time.Time) (int, error)

// AnchorFunc supplies the default start anchor. A zero time means none.
type AnchorFunc func(ctx context.Context) (time.Time, error)

// Options configure a SimulatedClock. Zero values fall back to a scale of
// 5, a one minute tick, real time and a ticker scheduler.
type Options struct {
	Scale     float64
	Interval  time.Duration
	Scheduler Scheduler
	RealNow   func() time.Time
	Anchor    AnchorFunc
	Pass      PassFunc
	Events    events.Publisher
	Logger    *logrus.Logger
}

// TickResult is the outcome of one tick.
type TickResult struct {
	Seq               int64     `json:"seq"`
	SimulatedTime     time.Time `json:"simulatedTime"`
	PatientsProcessed int       `json:"patientsProcessed"`
}

// Status is a snapshot of the clock.
type Status struct {
	Running       bool          `json:"running"`
	SimulatedTime time.Time     `json:"simulatedTime"`
	TickCount     int64         `json:"tickCount"`
	Scale         float64       `json:"scale"`
	TickInterval  time.Duration `json:"tickInterval"`
	AnchorTime    time.Time     `json:"anchorTime,omitempty"`
	LastTickTime  time.Time     `json:"lastTickTime,omitempty"`
	PendingTicks  int           `json:"pendingTicks"`
}

// SimulatedClock is the single source of current time for the pipeline.
//
// While running, CurrentTime is anchor + scale*(realNow - realStart). Ticks
// are served strictly in the order they were issued and never overlap; a
// tick that arrives while a pass is running waits its turn.
type SimulatedClock struct {
	mu   sync.Mutex
	turn *sync.Cond

	scale    float64
	interval time.Duration
	sched    Scheduler
	realNow  func() time.Time
	anchorFn AnchorFunc
	pass     PassFunc
	events   events.Publisher
	log      *logrus.Logger

	running   bool
	started   bool
	anchor    time.Time
	realStart time.Time
	frozen    time.Time
	job       Job

	issued    uint64
	served    uint64
	inflight  sync.WaitGroup
	tickCount int64
	lastTick  time.Time
}

// New creates a stopped clock.
func New(opts Options) *SimulatedClock {
	c := &SimulatedClock{
		scale:    opts.Scale,
		interval: opts.Interval,
		sched:    opts.Scheduler,
		realNow:  opts.RealNow,
		anchorFn: opts.Anchor,
		pass:     opts.Pass,
		events:   opts.Events,
		log:      opts.Logger,
	}
	c.turn = sync.NewCond(&c.mu)
	if c.scale <= 0 {
		c.scale = 5
	}
	if c.interval <= 0 {
		c.interval = time.Minute
	}
	if c.sched == nil {
		c.sched = TickerScheduler{}
	}
	if c.realNow == nil {
		c.realNow = time.Now
	}
	if c.events == nil {
		c.events = events.Nop{}
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	return c
}

// SetPass installs the recomputation pass run by each tick.
func (c *SimulatedClock) SetPass(pass PassFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pass = pass
}

// Start runs the clock from anchor and returns the anchor in force. While
// already running it returns the existing anchor unchanged. A zero anchor
// resumes from the frozen time after a Stop, otherwise comes from the
// anchor function, otherwise is the current real time.
func (c *SimulatedClock) Start(ctx context.Context, anchor time.Time) (time.Time, error) {
	c.mu.Lock()
	if c.running {
		defer c.mu.Unlock()
		return c.anchor, nil
	}
	resume, started := c.frozen, c.started
	c.mu.Unlock()

	if anchor.IsZero() {
		switch {
		case started:
			anchor = resume
		case c.anchorFn != nil:
			a, err := c.anchorFn(ctx)
			if err != nil {
				return time.Time{}, fmt.Errorf("resolving clock anchor: %w", err)
			}
			anchor = a
		}
	}
	if anchor.IsZero() {
		anchor = c.realNow()
	}
	anchor = anchor.UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return c.anchor, nil
	}
	c.running = true
	c.started = true
	c.anchor = anchor
	c.realStart = c.realNow()
	c.job = c.sched.Schedule(c.interval, c.scheduledTick)

	c.log.WithFields(logrus.Fields{
		"anchor":   anchor.Format(time.RFC3339),
		"scale":    c.scale,
		"interval": c.interval.String(),
	}).Info("Simulated clock started")
	return anchor, nil
}

// CurrentTime returns the simulated time. It is a pure function of elapsed
// real time while running, the frozen time once stopped, and real time
// before the first start.
func (c *SimulatedClock) CurrentTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

// Now implements domain.TimeSource.
func (c *SimulatedClock) Now() time.Time { return c.CurrentTime() }

func (c *SimulatedClock) currentLocked() time.Time {
	switch {
	case c.running:
		elapsed := c.realNow().Sub(c.realStart)
		return c.anchor.Add(time.Duration(c.scale * float64(elapsed)))
	case c.started:
		return c.frozen
	default:
		return c.realNow().UTC()
	}
}

// Tick runs one recomputation pass now. It waits for any earlier tick to
// finish first. Ticking a stopped clock is a *domain.ClockMisuse.
//
// Once issued the tick always runs: ctx only bounds how long the caller
// waits for it. A caller that gives up gets ctx's error while the pass
// still completes in order.
func (c *SimulatedClock) Tick(ctx context.Context) (*TickResult, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, &domain.ClockMisuse{Op: "tick", Reason: "clock is not running"}
	}
	ticket := c.issue()
	c.mu.Unlock()

	type outcome struct {
		result *TickResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer c.inflight.Done()
		res, err := c.serve(context.WithoutCancel(ctx), ticket)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		c.log.WithField("ticket", ticket).Warn("Caller stopped waiting for tick; it will still run")
		return nil, fmt.Errorf("waiting for tick: %w", ctx.Err())
	}
}

// issue hands out the next ticket. Must hold c.mu while running.
func (c *SimulatedClock) issue() uint64 {
	ticket := c.issued
	c.issued++
	c.inflight.Add(1)
	return ticket
}

// scheduledTick takes its place in line before returning so timer ticks
// keep their order; the pass itself runs off the timer goroutine.
func (c *SimulatedClock) scheduledTick() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	ticket := c.issue()
	waiting := c.issued - c.served - 1
	c.mu.Unlock()

	if waiting > 0 {
		c.log.WithField("waiting", waiting).Warn("Previous tick still running, deferring scheduled tick")
	}
	go func() {
		defer c.inflight.Done()
		if _, err := c.serve(context.Background(), ticket); err != nil {
			c.log.WithError(err).Error("Scheduled tick failed")
		}
	}()
}

// Wait blocks until every issued tick has finished. After Stop no new
// ticks are issued, so Stop then Wait drains the clock.
func (c *SimulatedClock) Wait() {
	c.inflight.Wait()
}

func (c *SimulatedClock) serve(ctx context.Context, ticket uint64) (*TickResult, error) {
	c.mu.Lock()
	for c.served != ticket {
		c.turn.Wait()
	}
	simTime := c.currentLocked()
	pass := c.pass
	seq := c.tickCount + 1
	c.mu.Unlock()

	start := time.Now()
	processed := 0
	var err error
	if pass != nil {
		processed, err = pass(ctx, simTime)
	}

	c.mu.Lock()
	c.tickCount = seq
	c.lastTick = simTime
	c.served++
	c.turn.Broadcast()
	c.mu.Unlock()

	logger := c.log.WithFields(logrus.Fields{
		"tick_seq":       seq,
		"simulated_time": simTime.Format(time.RFC3339),
		"patients":       processed,
		"duration_ms":    time.Since(start).Milliseconds(),
	})
	if err != nil {
		logger.WithError(err).Error("Tick pass failed")
		return nil, fmt.Errorf("running tick %d: %w", seq, err)
	}
	logger.Info("Tick completed")

	result := &TickResult{Seq: seq, SimulatedTime: simTime, PatientsProcessed: processed}
	c.events.Publish(ctx, events.Event{
		Type:       events.ClockTick,
		Tick:       &events.TickSummary{Seq: seq, SimulatedTime: simTime, PatientsProcessed: processed},
		OccurredAt: simTime,
	})
	return result, nil
}

// Stop halts tick scheduling and freezes simulated time. Ticks already
// issued still run; Wait blocks until they are done. It is safe to call at
// any time and returns the final simulated time.
func (c *SimulatedClock) Stop() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return c.currentLocked()
	}
	c.frozen = c.currentLocked()
	c.running = false
	if c.job != nil {
		c.job.Cancel()
		c.job = nil
	}
	c.log.WithField("simulated_time", c.frozen.Format(time.RFC3339)).Info("Simulated clock stopped")
	return c.frozen
}

// Status reports the clock state.
func (c *SimulatedClock) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Running:       c.running,
		SimulatedTime: c.currentLocked(),
		TickCount:     c.tickCount,
		Scale:         c.scale,
		TickInterval:  c.interval,
		LastTickTime:  c.lastTick,
		PendingTicks:  int(c.issued - c.served),
	}
	if c.started {
		s.AnchorTime = c.anchor
	}
	return s
}
