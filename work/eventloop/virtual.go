package eventloop

import (
	"sort"
	"time"
)

// Virtual is a deterministic Scheduler driven by explicit Advance calls.
// Timers fire in due order on the calling goroutine, which makes stall
// ladders and retry backoffs testable without sleeping. Not safe for
// concurrent use.
type Virtual struct {
	now    time.Time
	seq    uint64
	timers []*virtualTimer
	queue  []func()
}

type virtualTimer struct {
	v        *Virtual
	when     time.Time
	interval time.Duration
	seq      uint64
	fn       func()
	active   bool
}

func (t *virtualTimer) Stop() bool {
	if !t.active {
		return false
	}
	t.active = false
	t.v.remove(t)
	return true
}

// NewVirtual starts virtual time at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	return v.now
}

// Post queues fn; queued functions run on the next Advance or RunPending.
func (v *Virtual) Post(fn func()) {
	v.queue = append(v.queue, fn)
}

func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	return v.add(d, 0, fn)
}

func (v *Virtual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return v.add(d, d, fn)
}

func (v *Virtual) add(d, interval time.Duration, fn func()) *virtualTimer {
	if d < 0 {
		d = 0
	}
	v.seq++
	t := &virtualTimer{v: v, when: v.now.Add(d), interval: interval, seq: v.seq, fn: fn, active: true}
	v.timers = append(v.timers, t)
	v.sort()
	return t
}

func (v *Virtual) sort() {
	sort.SliceStable(v.timers, func(i, j int) bool {
		if v.timers[i].when.Equal(v.timers[j].when) {
			return v.timers[i].seq < v.timers[j].seq
		}
		return v.timers[i].when.Before(v.timers[j].when)
	})
}

func (v *Virtual) remove(t *virtualTimer) {
	for i, x := range v.timers {
		if x == t {
			v.timers = append(v.timers[:i], v.timers[i+1:]...)
			return
		}
	}
}

// RunPending runs queued functions, including any they post.
func (v *Virtual) RunPending() {
	for len(v.queue) > 0 {
		fn := v.queue[0]
		v.queue = v.queue[1:]
		fn()
	}
}

// Advance moves time forward by d, firing every timer that comes due on
// the way in order.
func (v *Virtual) Advance(d time.Duration) {
	target := v.now.Add(d)
	v.RunPending()

	for len(v.timers) > 0 && !v.timers[0].when.After(target) {
		t := v.timers[0]
		v.now = t.when

		if t.interval > 0 {
			t.when = t.when.Add(t.interval)
			v.seq++
			t.seq = v.seq
			v.sort()
		} else {
			t.active = false
			v.timers = v.timers[1:]
		}

		t.fn()
		v.RunPending()
	}

	v.now = target
	v.RunPending()
}

// Pending is the number of active timers.
func (v *Virtual) Pending() int {
	return len(v.timers)
}
