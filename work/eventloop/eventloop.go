// Package eventloop runs player logic on a single goroutine. Every adapter
// callback, watchdog tick and retry timer is executed through a Scheduler,
// so player state needs no locking as long as it is only touched from
// scheduled functions.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"streamguard/work/logger"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from running again. It reports whether the
	// call stopped a pending run.
	Stop() bool
}

// Scheduler serializes callbacks onto one logical thread.
type Scheduler interface {
	Now() time.Time
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}

// Loop is the production Scheduler: a goroutine draining a task queue, with
// timers driven by a clock.Clock.
type Loop struct {
	clock clock.Clock
	tasks chan func()
	done  chan struct{}

	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a Loop on the given clock; nil means the wall clock.
func New(c clock.Clock) *Loop {
	if c == nil {
		c = clock.New()
	}
	return &Loop{
		clock: c,
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
}

// Run executes posted tasks until ctx ends or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		logger.Warn("{eventloop/eventloop - Run} loop already running")
		return
	}
	defer l.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("{eventloop/eventloop - exec} task panicked: %v", r)
		}
	}()
	fn()
}

// Stop ends Run. Tasks posted afterwards are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Now returns the loop clock's time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
	case l.tasks <- fn:
	}
}

// Do runs fn on the loop and waits for it to finish. Returns false when the
// loop stopped first.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

type loopTimer struct {
	stopped atomic.Bool
	stop    func() bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	return t.stop()
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	ct := l.clock.AfterFunc(d, func() {
		l.Post(func() {
			// a Stop issued after the clock fired still wins
			if !t.stopped.Swap(true) {
				fn()
			}
		})
	})
	t.stop = ct.Stop
	return t
}

// Every runs fn on the loop each time d elapses until stopped.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	ticker := l.clock.Ticker(d)
	quit := make(chan struct{})

	go func() {
		for {
			select {
			case <-quit:
				return
			case <-l.done:
				ticker.Stop()
				return
			case <-ticker.C:
				l.Post(func() {
					if !t.stopped.Load() {
						fn()
					}
				})
			}
		}
	}()

	t.stop = func() bool {
		ticker.Stop()
		close(quit)
		return true
	}
	return t
}
