// Package media describes the playback element the engine drives and the
// small calculations made on its state.
package media

import (
	"errors"
	"fmt"
)

// Media events emitted by an Element.
const (
	EventPlay       = "play"
	EventPause      = "pause"
	EventWaiting    = "waiting"
	EventPlaying    = "playing"
	EventCanPlay    = "canplay"
	EventEnded      = "ended"
	EventTimeUpdate = "timeupdate"
	EventError      = "error"
)

// Ready states, as reported by ReadyState.
const (
	HaveNothing = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

// ErrPlayRejected is returned by Play when autoplay policy refuses playback.
var ErrPlayRejected = errors.New("play rejected by autoplay policy")

// TimeRange is one contiguous buffered interval, in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// TimeRanges is an ordered, non-overlapping list of buffered intervals.
type TimeRanges []TimeRange

// End is the end of the last range, or 0 when nothing is buffered.
func (tr TimeRanges) End() float64 {
	if len(tr) == 0 {
		return 0
	}
	return tr[len(tr)-1].End
}

// Span is the distance from the first buffered second to the last.
func (tr TimeRanges) Span() float64 {
	if len(tr) == 0 {
		return 0
	}
	return tr[len(tr)-1].End - tr[0].Start
}

// BufferAhead is how many seconds are buffered past position. A position
// sitting in a gap reports 0.
func (tr TimeRanges) BufferAhead(position float64) float64 {
	for _, r := range tr {
		// small tolerance for playheads resting exactly on a range edge
		if position >= r.Start-0.05 && position <= r.End {
			return r.End - position
		}
	}
	return 0
}

// FrameStats are cumulative decoded and dropped video frame counts.
type FrameStats struct {
	Dropped uint64
	Total   uint64
}

// DroppedPct is the dropped share in percent, 0 when no frames were decoded.
func (f FrameStats) DroppedPct() float64 {
	if f.Total == 0 {
		return 0
	}
	return float64(f.Dropped) / float64(f.Total) * 100
}

// Since returns the counts accumulated after prev.
func (f FrameStats) Since(prev FrameStats) FrameStats {
	if f.Total < prev.Total || f.Dropped < prev.Dropped {
		return f
	}
	return FrameStats{Dropped: f.Dropped - prev.Dropped, Total: f.Total - prev.Total}
}

// Element is the single playback surface shared by every adapter.
type Element interface {
	Play() error
	Pause()
	Paused() bool
	CurrentTime() float64
	SetCurrentTime(t float64)
	Buffered() TimeRanges
	ReadyState() int
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
	Muted() bool
	SetMuted(muted bool)
	SetSource(src string)
	ClearSource()
	FrameStats() FrameStats

	// On registers fn for event and returns a func removing it.
	On(event string, fn func()) (remove func())
}

// Health classes of the live latency estimate.
const (
	HealthGood     = "good"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// BufferHealth summarizes how far ahead of the playhead media is buffered.
type BufferHealth struct {
	Seconds float64 `json:"seconds"`
	Class   string  `json:"class"`
}

func (b BufferHealth) String() string {
	return fmt.Sprintf("%.1fs (%s)", b.Seconds, b.Class)
}

// EstimateLiveLatency classifies the buffer ahead of the playhead: under one
// second is critical, under two a warning.
func EstimateLiveLatency(el Element) BufferHealth {
	if el == nil {
		return BufferHealth{Class: HealthCritical}
	}

	ahead := el.Buffered().BufferAhead(el.CurrentTime())
	class := HealthGood
	switch {
	case ahead < 1:
		class = HealthCritical
	case ahead < 2:
		class = HealthWarning
	}
	return BufferHealth{Seconds: ahead, Class: class}
}
