package retry

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid calls per key into a single trailing-edge
// execution. Keys are independent of each other. The zero value is not usable;
// create one with NewDebouncer.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	seq     uint64
	stopped bool
}

type pendingCall struct {
	timer *time.Timer
	fn    func()
	seq   uint64
}

func NewDebouncer() *Debouncer {
	return &Debouncer{pending: make(map[string]*pendingCall)}
}

// Debounce schedules fn to run after delay. A later call with the same key
// inside the window cancels the pending fn and restarts the window.
func (d *Debouncer) Debounce(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	d.seq++
	seq := d.seq
	p := &pendingCall{fn: fn, seq: seq}
	p.timer = time.AfterFunc(delay, func() { d.fire(key, seq) })
	d.pending[key] = p
}

// fire runs the call only if it is still the latest for key; a timer that
// lost the race with Stop or a reschedule finds a different seq.
func (d *Debouncer) fire(key string, seq uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	p.fn()
}

// Pending reports whether a call is scheduled for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Flush runs the pending call for key immediately on the caller's goroutine.
// It returns false when nothing was pending.
func (d *Debouncer) Flush(key string) bool {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		p.fn()
	}
	return ok
}

// Cancel drops the pending call for key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Stop cancels every pending call; later Debounce calls are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// DebounceFunc wraps fn so that rapid invocations within delay collapse into
// one call made with the arguments of the last invocation.
func DebounceFunc[A any](d *Debouncer, key string, delay time.Duration, fn func(A)) func(A) {
	return func(arg A) {
		d.Debounce(key, delay, func() { fn(arg) })
	}
}
