package clock

import (
	"sort"
	"sync"
	"time"
)

// Job is a scheduled periodic callback.
type Job interface {
	// Cancel stops future runs. It is safe to call more than once and does
	// not wait for a run in progress.
	Cancel()
}

// Scheduler runs fn every interval until the returned job is cancelled.
type Scheduler interface {
	Schedule(interval time.Duration, fn func()) Job
}

// TickerScheduler schedules on real time.
type TickerScheduler struct{}

type tickerJob struct {
	once sync.Once
	stop chan struct{}
}

func (j *tickerJob) Cancel() {
	j.once.Do(func() { close(j.stop) })
}

// Schedule implements Scheduler.
func (TickerScheduler) Schedule(interval time.Duration, fn func()) Job {
	job := &tickerJob{stop: make(chan struct{})}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// Cancel may race with a fire; prefer the cancel.
				select {
				case <-job.stop:
					return
				default:
				}
				fn()
			case <-job.stop:
				return
			}
		}
	}()
	return job
}

// Virtual is a manually advanced time source and scheduler. Jobs fire
// synchronously inside Advance, in due order.
type Virtual struct {
	mu   sync.Mutex
	now  time.Time
	jobs []*virtualJob
	seq  int
}

type virtualJob struct {
	v        *Virtual
	next     time.Time
	interval time.Duration
	fn       func()
	order    int
	done     bool
}

func (j *virtualJob) Cancel() {
	j.v.mu.Lock()
	defer j.v.mu.Unlock()
	j.done = true
}

// NewVirtual starts virtual time at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Schedule implements Scheduler.
func (v *Virtual) Schedule(interval time.Duration, fn func()) Job {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	job := &virtualJob{v: v, next: v.now.Add(interval), interval: interval, fn: fn, order: v.seq}
	v.jobs = append(v.jobs, job)
	return job
}

// Advance moves time forward by d, running every job that comes due.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	for {
		job := v.nextDueLocked(target)
		if job == nil {
			break
		}
		v.now = job.next
		job.next = job.next.Add(job.interval)
		v.mu.Unlock()
		job.fn()
		v.mu.Lock()
	}
	v.now = target
	v.mu.Unlock()
}

// Pending is the number of live jobs.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, j := range v.jobs {
		if !j.done {
			n++
		}
	}
	return n
}

func (v *Virtual) nextDueLocked(target time.Time) *virtualJob {
	live := v.jobs[:0]
	for _, j := range v.jobs {
		if !j.done {
			live = append(live, j)
		}
	}
	v.jobs = live
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(a, b int) bool {
		if live[a].next.Equal(live[b].next) {
			return live[a].order < live[b].order
		}
		return live[a].next.Before(live[b].next)
	})
	if live[0].next.After(target) {
		return nil
	}
	return live[0]
}
