// Package eventloop provides the single-threaded cooperative scheduler that
// drives the routing core: socket callbacks, timers, and background tasks
// (deletion drain, dump replay, nexthop push) all run on one goroutine and
// yield by re-scheduling themselves.
package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Loop struct {
	clock clockwork.Clock

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func New(clock clockwork.Clock) *Loop {
	return &Loop{
		clock: clock,
		wake:  make(chan struct{}, 1),
	}
}

func (l *Loop) Clock() clockwork.Clock { return l.clock }

// Schedule enqueues a task to run on the next loop iteration. Tasks run in
// FIFO order after any network events or expired timers already queued.
func (l *Loop) Schedule(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Timer is a cancellable scheduled callback.
type Timer struct {
	inner     clockwork.Timer
	cancelled bool
}

func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.cancelled = true
	if t.inner != nil {
		t.inner.Stop()
	}
}

// After schedules fn to run on the loop after d. A non-positive delay
// enqueues immediately: the task still runs after anything already queued,
// which is how background loops yield.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	run := func() {
		if !t.cancelled {
			fn()
		}
	}
	if d <= 0 {
		l.Schedule(run)
		return t
	}
	t.inner = l.clock.AfterFunc(d, func() { l.Schedule(run) })
	return t
}

// RunOne runs the single oldest queued task, if any.
func (l *Loop) RunOne() bool {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return false
	}
	fn := l.queue[0]
	l.queue = l.queue[1:]
	l.mu.Unlock()
	fn()
	return true
}

// RunPending drains the task queue synchronously and returns the number of
// tasks run. Tasks scheduled by running tasks are drained too.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
		n++
	}
}

// Run processes tasks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}
