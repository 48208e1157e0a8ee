package bridge

import (
	"sync/atomic"
	"time"
)

// dispatchLoop funnels every state mutation onto one goroutine: X events,
// timer expiries and cross-goroutine posts all run run-to-completion there,
// so the seat and drag state machines never see concurrent access.
type dispatchLoop struct {
	posts chan func()
}

func newDispatchLoop() *dispatchLoop {
	return &dispatchLoop{posts: make(chan func(), 64)}
}

// Post schedules fn on the dispatch goroutine.
func (l *dispatchLoop) Post(fn func()) {
	l.posts <- fn
}

// After schedules fn on the dispatch goroutine after d. Cancelling after
// the function already ran is a no-op; cancelling while it sits queued
// still prevents it from running.
func (l *dispatchLoop) After(d time.Duration, fn func()) (cancel func()) {
	var cancelled atomic.Bool
	timer := time.AfterFunc(d, func() {
		l.Post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}
