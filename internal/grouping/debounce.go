package grouping

import (
	"sync"
	"time"
)

// DefaultDebounce coalesces bursts of triggers into one pass.
const DefaultDebounce = 200 * time.Millisecond

// Debouncer runs fn once delay has passed without another Schedule call.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	timer   *time.Timer
	stopped bool
	running sync.WaitGroup
}

func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay, fn: fn}
}

// Schedule cancels any pending run and starts the delay over.
func (d *Debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Pending reports whether a run is scheduled but has not started.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	d.fn()
}

// Stop cancels the pending run and waits for a run in progress to finish.
// Schedule is a no-op afterwards.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.running.Wait()
}
