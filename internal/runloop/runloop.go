// Package runloop implements the single-threaded cooperative engine loop.
// All connection state transitions, buffer mutations, and application
// callbacks run on the loop goroutine; other goroutines hand work over
// with Post. Handlers run to completion, one at a time.
package runloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Post after the loop has been stopped.
var ErrClosed = errors.New("runloop: loop is closed")

// defaultQueueDepth is the task channel capacity. Producers block if the
// loop falls this far behind.
const defaultQueueDepth = 1024

// Loop is a single-goroutine task executor.
type Loop struct {
	tasks chan func()
	stop  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a loop. The loop does not run until Start is called.
func New() *Loop {
	return &Loop{
		tasks: make(chan func(), defaultQueueDepth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.stop:
			// Drain whatever was queued before the stop was observed.
			for {
				select {
				case task := <-l.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Post schedules fn to run on the loop goroutine. fn runs after all
// previously posted tasks. Safe to call from any goroutine, including
// from a task already running on the loop.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()

	select {
	case l.tasks <- fn:
		return nil
	case <-l.stop:
		return ErrClosed
	}
}

// Barrier blocks until every task posted before the call has run.
// Must not be called from the loop goroutine.
func (l *Loop) Barrier() {
	ch := make(chan struct{})
	if err := l.Post(func() { close(ch) }); err != nil {
		return
	}
	select {
	case <-ch:
	case <-l.done:
	}
}

// Stop shuts the loop down. Queued tasks are drained; tasks posted after
// Stop returns are rejected with ErrClosed.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done
}

// AfterFunc arms a timer that posts fn onto the loop when it fires.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn}
	t.timer = time.AfterFunc(d, t.fire)
	return t
}

// Timer is a loop-bound timer. The callback runs on the loop goroutine.
type Timer struct {
	loop    *Loop
	timer   *time.Timer
	fn      func()
	stopped atomic.Bool
}

func (t *Timer) fire() {
	t.loop.Post(func() {
		if t.stopped.Load() {
			return
		}
		t.fn()
	})
}

// Stop cancels the timer. A callback that already started dispatching is
// suppressed on the loop, so after Stop returns from loop context the
// callback will not run.
func (t *Timer) Stop() {
	t.stopped.Store(true)
	t.timer.Stop()
}

// Waker is a coalescing wake-up token. Any number of Wake calls between
// runs of the callback collapse into a single run on the loop.
type Waker struct {
	loop      *Loop
	fn        func()
	pending   atomic.Bool
	cancelled atomic.Bool
}

// NewWaker creates a waker that invokes fn on the loop when woken.
func (l *Loop) NewWaker(fn func()) *Waker {
	return &Waker{loop: l, fn: fn}
}

// Wake schedules the callback if it is not already scheduled.
// Safe to call from any goroutine and from the callback itself.
func (w *Waker) Wake() {
	if w.cancelled.Load() {
		return
	}
	if !w.pending.CompareAndSwap(false, true) {
		return
	}
	w.loop.Post(func() {
		w.pending.Store(false)
		if w.cancelled.Load() {
			return
		}
		w.fn()
	})
}

// Cancel permanently disables the waker. Pending runs become no-ops.
func (w *Waker) Cancel() {
	w.cancelled.Store(true)
}
