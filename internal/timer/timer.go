// Package timer schedules callbacks with explicit cancel handles.
package timer

import (
	"sync"
	"time"
)

// Handle cancels a scheduled callback. Cancel is idempotent and safe to call
// from inside the callback.
type Handle struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func newHandle() *Handle {
	return &Handle{stop: make(chan struct{}), done: make(chan struct{})}
}

// Cancel stops future runs. A run in progress finishes.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.stop) })
}

// Done is closed once the schedule has ended.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Active reports whether the schedule may still run.
func (h *Handle) Active() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Once runs fn after delay unless cancelled first.
func Once(delay time.Duration, fn func()) *Handle {
	h := newHandle()
	go func() {
		defer close(h.done)
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-h.stop:
		case <-t.C:
			fn()
		}
	}()
	return h
}

// Every runs fn each interval until cancelled.
func Every(interval time.Duration, fn func()) *Handle {
	h := newHandle()
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				// cancellation wins over a tick that fired at the same time
				select {
				case <-h.stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return h
}
