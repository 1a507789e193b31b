package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a stopped-and-drained timer from the pool, armed to
// fire after d.
func GetTimer(d time.Duration) *time.Timer {
	t, ok := timerPool.Get().(*time.Timer)
	if !ok {
		return time.NewTimer(d)
	}
	ResetAndDrainTimer(t, d)
	return t
}

// ReleaseTimer stops t and puts it back to the pool. t must not be used
// after this call.
func ReleaseTimer(t *time.Timer) {
	if t == nil {
		return
	}
	stopAndDrain(t)
	timerPool.Put(t)
}

// ResetAndDrainTimer re-arms t to fire after d, discarding a pending tick.
func ResetAndDrainTimer(t *time.Timer, d time.Duration) {
	if t == nil {
		return
	}
	stopAndDrain(t)
	t.Reset(d)
}

func stopAndDrain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
