package rides

import (
	"sync"
	"time"

	"github.com/example/ride-bidding/internal/observability"
)

// Timers holds at most one pending callback per ride.
type Timers struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewTimers() *Timers {
	return &Timers{timers: make(map[string]*time.Timer)}
}

// Arm schedules fn after d, replacing whatever was armed for id.
func (t *Timers) Arm(id string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if old, ok := t.timers[id]; ok {
		old.Stop()
		delete(t.timers, id)
	}
	if d < 0 {
		d = 0
	}
	var tm *time.Timer
	// the callback takes the lock first, so tm is assigned before it is read
	tm = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.timers[id] != tm {
			// replaced or cancelled after it had already fired
			t.mu.Unlock()
			return
		}
		delete(t.timers, id)
		t.gauge()
		t.mu.Unlock()
		fn()
	})
	t.timers[id] = tm
	t.gauge()
}

// Cancel stops the timer for id. It reports whether one was armed.
func (t *Timers) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, ok := t.timers[id]
	if !ok {
		return false
	}
	tm.Stop()
	delete(t.timers, id)
	t.gauge()
	return true
}

func (t *Timers) Armed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[id]
	return ok
}

func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels everything and refuses further Arm calls.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
	t.gauge()
}

func (t *Timers) gauge() { observability.TimersArmed.Set(float64(len(t.timers))) }
