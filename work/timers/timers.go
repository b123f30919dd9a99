// Package timers scopes scheduled callbacks to an owner. An adapter or a
// playback session creates one Registry, schedules everything through it,
// and calls Close on teardown; after Close nothing scheduled through the
// registry runs again, including callbacks already queued on the loop.
package timers

import (
	"time"

	"streamguard/work/eventloop"
	"streamguard/work/logger"
)

// ID identifies a timer within its registry.
type ID uint64

// Registry tracks the timers of one owner. Like everything scheduled on an
// eventloop.Scheduler it must only be used from the loop.
type Registry struct {
	sched  eventloop.Scheduler
	owner  string
	next   ID
	timers map[ID]eventloop.Timer
	closed bool
}

// NewRegistry creates a registry on sched. owner only labels log output.
func NewRegistry(sched eventloop.Scheduler, owner string) *Registry {
	return &Registry{
		sched:  sched,
		owner:  owner,
		timers: make(map[ID]eventloop.Timer),
	}
}

// After runs fn once after d. Returns 0 on a closed registry.
func (r *Registry) After(d time.Duration, fn func()) ID {
	if r.closed {
		return 0
	}
	r.next++
	id := r.next

	r.timers[id] = r.sched.AfterFunc(d, func() {
		if r.closed {
			return
		}
		delete(r.timers, id)
		fn()
	})
	return id
}

// Every runs fn every d until cancelled. Returns 0 on a closed registry.
func (r *Registry) Every(d time.Duration, fn func()) ID {
	if r.closed {
		return 0
	}
	r.next++
	id := r.next

	r.timers[id] = r.sched.Every(d, func() {
		if r.closed {
			return
		}
		if _, live := r.timers[id]; !live {
			return
		}
		fn()
	})
	return id
}

// Cancel stops one timer. Unknown ids are ignored.
func (r *Registry) Cancel(id ID) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

// Close stops every timer and refuses new ones.
func (r *Registry) Close() {
	if r.closed {
		return
	}
	r.closed = true

	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	logger.Debug("{timers/timers - Close} released timers of %s", r.owner)
}

// Active is the number of live timers.
func (r *Registry) Active() int {
	return len(r.timers)
}

// Closed reports whether Close was called.
func (r *Registry) Closed() bool {
	return r.closed
}

// Now is the scheduler's current time.
func (r *Registry) Now() time.Time {
	return r.sched.Now()
}

// Post queues fn on the loop unless the registry closes first.
func (r *Registry) Post(fn func()) {
	if r.closed {
		return
	}
	r.sched.Post(func() {
		if !r.closed {
			fn()
		}
	})
}
