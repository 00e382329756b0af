package mqttsession

import (
	"sync"
	"time"
)

// cancellableTimer owns at most one pending time.AfterFunc. Every Arm and
// Cancel bumps a generation; a fire whose generation is no longer current is
// dropped, so a callback racing a Cancel never runs after Cancel returned
// unless it had already started.
type cancellableTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	armed bool
}

// Arm cancels any pending fire and schedules fn after d.
func (t *cancellableTimer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
	gen := t.gen
	t.armed = true

	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if gen != t.gen || !t.armed {
			t.mu.Unlock()
			return
		}
		t.armed = false
		t.timer = nil
		t.mu.Unlock()

		fn()
	})
}

// Cancel stops any pending fire. It is safe to call when nothing is armed.
func (t *cancellableTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
}

// Armed reports whether a fire is pending.
func (t *cancellableTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *cancellableTimer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.armed = false
}
