package charging

import (
	"sync"
	"time"
)

// Task names a scheduled engine job
type Task int

const (
	TaskMonitor Task = iota
	TaskTTF
	TaskSafety
)

func (t Task) String() string {
	switch t {
	case TaskMonitor:
		return "monitor"
	case TaskTTF:
		return "ttf"
	case TaskSafety:
		return "safety_timer"
	default:
		return "unknown"
	}
}

// Fired is a slot expiry waiting to be run by the loop.
type Fired struct {
	slot  *Delayed
	token uint64
}

// Task returns the job the fired slot belongs to.
func (f Fired) Task() Task { return f.slot.task }

// Claim disarms the slot and reports whether this firing is still current.
// A firing that was cancelled or superseded by a re-arm claims false.
func (f Fired) Claim() bool {
	return f.slot.claim(f.token)
}

// Scheduler runs delayed single-shot slots and hands their expiries to one
// consumer through Fired.
type Scheduler struct {
	fired chan Fired
	done  chan struct{}

	mu    sync.Mutex
	slots []*Delayed
	once  sync.Once
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		fired: make(chan Fired, 8),
		done:  make(chan struct{}),
	}
}

// Fired delivers slot expiries. Each must be claimed before running.
func (s *Scheduler) Fired() <-chan Fired { return s.fired }

// Slot creates a new disarmed slot for task.
func (s *Scheduler) Slot(task Task) *Delayed {
	d := &Delayed{sched: s, task: task}
	s.mu.Lock()
	s.slots = append(s.slots, d)
	s.mu.Unlock()
	return d
}

// Stop cancels every slot. Pending expiries are dropped.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		slots := append([]*Delayed(nil), s.slots...)
		s.mu.Unlock()
		for _, d := range slots {
			d.Cancel()
		}
	})
}

func (s *Scheduler) post(f Fired) {
	select {
	case s.fired <- f:
	case <-s.done:
	}
}

// Delayed is a re-armable single-shot slot.
type Delayed struct {
	sched *Scheduler
	task  Task

	mu    sync.Mutex
	timer *time.Timer
	token uint64
	armed bool
	due   time.Time
}

// Arm schedules the slot after delay. Arming an armed slot is a no-op and
// returns false.
func (d *Delayed) Arm(delay time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.armed {
		return false
	}
	d.armLocked(delay)
	return true
}

// Rearm replaces any pending expiry with one after delay.
func (d *Delayed) Rearm(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.armLocked(delay)
}

// Cancel drops the pending expiry, if any.
func (d *Delayed) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

func (d *Delayed) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// Due returns when the armed slot fires.
func (d *Delayed) Due() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.due, d.armed
}

func (d *Delayed) armLocked(delay time.Duration) {
	d.token++
	d.armed = true
	d.due = time.Now().Add(delay)
	f := Fired{slot: d, token: d.token}
	d.timer = time.AfterFunc(delay, func() { d.sched.post(f) })
}

func (d *Delayed) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.token++
	d.armed = false
	d.due = time.Time{}
}

func (d *Delayed) claim(token uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.armed || token != d.token {
		return false
	}
	d.armed = false
	d.timer = nil
	d.due = time.Time{}
	return true
}
