// Package headless runs the player outside a browser: a simulated media
// element whose playhead advances with the scheduler clock, and demuxing
// engines that pull real streams over HTTP and account the media they
// receive as buffered time.
package headless

import (
	"math"
	"time"

	"streamguard/work/eventloop"
	"streamguard/work/media"
)

const (
	tickInterval = 250 * time.Millisecond
	frameRate    = 25.0
	// media kept behind the playhead before eviction
	backBuffer = 30.0
)

// Element is a media.Element driven by a scheduler. Media arrives through
// Append; the playhead consumes it at the playback rate. Like everything on
// the scheduler it must only be used from the loop.
type Element struct {
	sched eventloop.Scheduler
	timer eventloop.Timer
	last  time.Time

	src      string
	paused   bool
	position float64
	rate     float64
	muted    bool
	start    float64 // buffered range start
	end      float64 // buffered range end
	frames   media.FrameStats
	waiting  bool

	// RejectUnmuted makes unmuted Play fail, as a browser autoplay policy
	// would.
	RejectUnmuted bool

	listeners map[string]map[int]func()
	nextID    int
}

// NewElement creates a paused element and starts its clock on sched.
func NewElement(sched eventloop.Scheduler) *Element {
	e := &Element{
		sched:     sched,
		paused:    true,
		rate:      1,
		listeners: make(map[string]map[int]func()),
		last:      sched.Now(),
	}
	e.timer = sched.Every(tickInterval, e.tick)
	return e
}

// Close stops the element clock.
func (e *Element) Close() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Append extends the buffered range by seconds of media.
func (e *Element) Append(seconds float64) {
	if e.src == "" || seconds <= 0 {
		return
	}
	if e.end <= e.start {
		e.start = e.position
		e.end = e.position
	}
	e.end += seconds
}

// BufferedEnd is the end of the buffered range.
func (e *Element) BufferedEnd() float64 { return e.end }

func (e *Element) tick() {
	now := e.sched.Now()
	dt := now.Sub(e.last).Seconds()
	e.last = now

	if e.paused || e.src == "" || dt <= 0 {
		return
	}

	available := e.end - e.position
	if available <= 0 {
		if !e.waiting {
			e.waiting = true
			e.emit(media.EventWaiting)
		}
		return
	}
	if e.waiting {
		e.waiting = false
		e.emit(media.EventPlaying)
	}

	step := math.Min(dt*e.rate, available)
	e.position += step
	e.frames.Total += uint64(step * frameRate)

	if e.position-e.start > backBuffer {
		e.start = e.position - backBuffer
	}
	e.emit(media.EventTimeUpdate)
}

func (e *Element) Play() error {
	if e.src == "" {
		return media.ErrPlayRejected
	}
	if e.RejectUnmuted && !e.muted {
		return media.ErrPlayRejected
	}
	if e.paused {
		e.paused = false
		e.last = e.sched.Now()
		e.emit(media.EventPlay)
	}
	return nil
}

func (e *Element) Pause() {
	if !e.paused {
		e.paused = true
		e.emit(media.EventPause)
	}
}

func (e *Element) Paused() bool         { return e.paused }
func (e *Element) CurrentTime() float64 { return e.position }
func (e *Element) ReadyState() int {
	switch ahead := e.end - e.position; {
	case e.src == "":
		return media.HaveNothing
	case ahead > 2:
		return media.HaveEnoughData
	case ahead > 0:
		return media.HaveFutureData
	default:
		return media.HaveMetadata
	}
}

// SetCurrentTime seeks. Seeking outside the buffered range drops it.
func (e *Element) SetCurrentTime(t float64) {
	if t < 0 {
		t = 0
	}
	if t < e.start || t > e.end {
		e.start, e.end = t, t
	}
	e.position = t
}

func (e *Element) Buffered() media.TimeRanges {
	if e.end <= e.start {
		return nil
	}
	return media.TimeRanges{{Start: e.start, End: e.end}}
}

func (e *Element) PlaybackRate() float64        { return e.rate }
func (e *Element) SetPlaybackRate(rate float64) { e.rate = rate }
func (e *Element) Muted() bool                  { return e.muted }
func (e *Element) SetMuted(muted bool)          { e.muted = muted }
func (e *Element) FrameStats() media.FrameStats { return e.frames }

func (e *Element) SetSource(src string) {
	e.src = src
}

// ClearSource empties the element the way removing src does in a browser.
func (e *Element) ClearSource() {
	e.src = ""
	e.position, e.start, e.end = 0, 0, 0
	e.waiting = false
	if !e.paused {
		e.paused = true
		e.emit(media.EventPause)
	}
}

func (e *Element) On(event string, fn func()) func() {
	if e.listeners[event] == nil {
		e.listeners[event] = make(map[int]func())
	}
	e.nextID++
	id := e.nextID
	e.listeners[event][id] = fn
	return func() { delete(e.listeners[event], id) }
}

func (e *Element) emit(event string) {
	for _, fn := range e.listeners[event] {
		fn()
	}
}
