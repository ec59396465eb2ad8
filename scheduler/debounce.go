package scheduler

import (
	"sync"
	"time"
)

// Debouncer runs a function once a burst of calls has been quiet for a
// fixed duration. Each call resets the timer.
type Debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
}

func NewDebouncer(duration time.Duration) *Debouncer {
	return &Debouncer{
		duration: duration,
	}
}

// Debounce schedules fn after the quiet window, replacing any pending call.
func (d *Debouncer) Debounce(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, fn)
}

// Cancel drops the pending call, if any. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer == nil {
		return false
	}
	stopped := d.timer.Stop()
	d.timer = nil
	return stopped
}

// Immediate cancels the pending call and runs fn now.
func (d *Debouncer) Immediate(fn func()) {
	d.Cancel()
	fn()
}
