// Package mediatest provides a scriptable media.Element for tests.
package mediatest

import (
	"streamguard/work/media"
)

// Element is a media.Element whose state is set directly by tests. It
// records the calls made on it.
type Element struct {
	PausedState  bool
	Time         float64
	Ranges       media.TimeRanges
	Ready        int
	Rate         float64
	MutedState   bool
	Source       string
	Frames       media.FrameStats
	PlayErr      error  // returned by Play while set
	MutedPlayErr error  // returned by Play while muted, when set
	OnClear      func() // called by ClearSource, when set

	PlayCalls    int
	PauseCalls   int
	SeekHistory  []float64
	SourceSets   []string
	SourceClears int

	listeners map[string]map[int]func()
	nextID    int
}

// New returns a paused element at position 0 with rate 1.
func New() *Element {
	return &Element{PausedState: true, Rate: 1, listeners: make(map[string]map[int]func())}
}

func (e *Element) Play() error {
	e.PlayCalls++
	if e.MutedState && e.MutedPlayErr != nil {
		return e.MutedPlayErr
	}
	if !e.MutedState && e.PlayErr != nil {
		return e.PlayErr
	}
	e.PausedState = false
	e.Emit(media.EventPlay)
	return nil
}

func (e *Element) Pause() {
	e.PauseCalls++
	if !e.PausedState {
		e.PausedState = true
		e.Emit(media.EventPause)
	}
}

func (e *Element) Paused() bool                 { return e.PausedState }
func (e *Element) CurrentTime() float64         { return e.Time }
func (e *Element) Buffered() media.TimeRanges   { return e.Ranges }
func (e *Element) ReadyState() int              { return e.Ready }
func (e *Element) PlaybackRate() float64        { return e.Rate }
func (e *Element) SetPlaybackRate(rate float64) { e.Rate = rate }
func (e *Element) Muted() bool                  { return e.MutedState }
func (e *Element) SetMuted(muted bool)          { e.MutedState = muted }
func (e *Element) FrameStats() media.FrameStats { return e.Frames }

func (e *Element) SetCurrentTime(t float64) {
	e.Time = t
	e.SeekHistory = append(e.SeekHistory, t)
}

func (e *Element) SetSource(src string) {
	e.Source = src
	e.SourceSets = append(e.SourceSets, src)
}

func (e *Element) ClearSource() {
	e.Source = ""
	e.Ranges = nil
	e.SourceClears++
	if e.OnClear != nil {
		e.OnClear()
	}
}

func (e *Element) On(event string, fn func()) func() {
	if e.listeners == nil {
		e.listeners = make(map[string]map[int]func())
	}
	if e.listeners[event] == nil {
		e.listeners[event] = make(map[int]func())
	}
	e.nextID++
	id := e.nextID
	e.listeners[event][id] = fn
	return func() { delete(e.listeners[event], id) }
}

// Emit calls every listener of event.
func (e *Element) Emit(event string) {
	for _, fn := range e.listeners[event] {
		fn()
	}
}

// Listeners is the number of registered listeners across all events.
func (e *Element) Listeners() int {
	n := 0
	for _, m := range e.listeners {
		n += len(m)
	}
	return n
}

// Buffer sets a single buffered range [start, end].
func (e *Element) Buffer(start, end float64) {
	e.Ranges = media.TimeRanges{{Start: start, End: end}}
}
