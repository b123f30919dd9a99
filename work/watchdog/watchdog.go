// Package watchdog samples playback progress and buffer health.
package watchdog

import (
	"time"

	"streamguard/work/media"
)

// HealthSample is one observation of the element.
type HealthSample struct {
	BufferAhead     float64   // Seconds buffered past the playhead
	LastProgress    time.Time // Last time the playhead was seen moving
	DroppedFramePct float64   // Dropped frames since the previous sample, in percent
	Paused          bool
	Position        float64
}

// Watchdog tracks playhead progress across samples. A paused element
// counts as progressing so that resuming does not read as a freeze.
type Watchdog struct {
	el  media.Element
	now func() time.Time

	lastPosition float64
	lastProgress time.Time
	lastFrames   media.FrameStats
}

// New starts watching el. now is usually the scheduler clock.
func New(el media.Element, now func() time.Time) *Watchdog {
	w := &Watchdog{el: el, now: now}
	w.Reset()
	return w
}

// Reset forgets history, as after a reload.
func (w *Watchdog) Reset() {
	w.lastPosition = w.el.CurrentTime()
	w.lastProgress = w.now()
	w.lastFrames = w.el.FrameStats()
}

// MarkProgress records progress now, as on a timeupdate event.
func (w *Watchdog) MarkProgress() {
	w.lastProgress = w.now()
	w.lastPosition = w.el.CurrentTime()
}

// Sample reads the element and updates progress tracking.
func (w *Watchdog) Sample() HealthSample {
	now := w.now()
	position := w.el.CurrentTime()
	paused := w.el.Paused()

	if paused || position != w.lastPosition {
		w.lastProgress = now
		w.lastPosition = position
	}

	frames := w.el.FrameStats()
	delta := frames.Since(w.lastFrames)
	w.lastFrames = frames

	return HealthSample{
		BufferAhead:     w.el.Buffered().BufferAhead(position),
		LastProgress:    w.lastProgress,
		DroppedFramePct: delta.DroppedPct(),
		Paused:          paused,
		Position:        position,
	}
}

// Frozen reports whether the playhead has not moved for longer than window
// while playing. Call after Sample.
func (w *Watchdog) Frozen(s HealthSample, window time.Duration) bool {
	return !s.Paused && w.now().Sub(s.LastProgress) > window
}
