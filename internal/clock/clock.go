// Package clock provides cancellable scheduled tasks so timer-driven code can
// be tested without sleeping.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled task that can be cancelled.
type Timer interface {
	// Stop cancels the task. It reports false if the task already ran or was
	// already stopped.
	Stop() bool
}

// Scheduler runs functions after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Real schedules on the runtime timer heap.
type Real struct{}

// AfterFunc implements Scheduler.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced Scheduler. Due tasks run synchronously on the
// goroutine calling Advance, in deadline order.
type Fake struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	tasks []*fakeTask
}

type fakeTask struct {
	owner   *Fake
	at      time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// NewFake creates a fake scheduler at time zero.
func NewFake() *Fake {
	return &Fake{}
}

// AfterFunc implements Scheduler.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	task := &fakeTask{owner: c, at: c.now + d, seq: c.seq, f: f}
	c.tasks = append(c.tasks, task)
	return task
}

// Advance moves the clock forward by d and runs every task that became due.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.tasks, func(i, j int) bool {
			if c.tasks[i].at == c.tasks[j].at {
				return c.tasks[i].seq < c.tasks[j].seq
			}
			return c.tasks[i].at < c.tasks[j].at
		})
		var next *fakeTask
		for _, task := range c.tasks {
			if !task.stopped && !task.fired && task.at <= target {
				next = task
				break
			}
		}
		if next == nil {
			c.now = target
			c.compact()
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

// Pending returns the number of tasks that are neither stopped nor fired.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, task := range c.tasks {
		if !task.stopped && !task.fired {
			n++
		}
	}
	return n
}

func (c *Fake) compact() {
	live := c.tasks[:0]
	for _, task := range c.tasks {
		if !task.stopped && !task.fired {
			live = append(live, task)
		}
	}
	c.tasks = live
}

func (t *fakeTask) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Task is a re-armable scheduled action owned by an event loop. Arm, Cancel
// and the action itself all run on the loop; a firing that was overtaken by
// Cancel or a later Arm is discarded when it reaches the loop.
type Task struct {
	sched Scheduler
	post  func(func())
	timer Timer
	gen   uint64
}

// NewTask creates a task that schedules on s and delivers firings via post.
func NewTask(s Scheduler, post func(func())) *Task {
	return &Task{sched: s, post: post}
}

// Arm schedules f after d, replacing any pending schedule.
func (t *Task) Arm(d time.Duration, f func()) {
	t.Cancel()
	gen := t.gen
	t.timer = t.sched.AfterFunc(d, func() {
		t.post(func() {
			if t.gen != gen {
				return
			}
			t.timer = nil
			f()
		})
	})
}

// Cancel drops the pending schedule, if any.
func (t *Task) Cancel() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Armed reports whether a firing is pending.
func (t *Task) Armed() bool {
	return t.timer != nil
}
