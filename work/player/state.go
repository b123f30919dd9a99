package player

import (
	"sync"

	"streamguard/work/media"
	"streamguard/work/parser"
)

// Status is the controller state machine position.
type Status string

const (
	Idle         Status = "idle"
	Initializing Status = "initializing"
	Playing      Status = "playing"
	Retrying     Status = "retrying"
	Fatal        Status = "fatal"
	Swapping     Status = "swapping"
)

// Snapshot is what the surrounding UI observes.
type Snapshot struct {
	State              Status                `json:"state"`
	URL                string                `json:"url"`
	Format             string                `json:"format"`
	IsLoading          bool                  `json:"isLoading"`
	ErrorMessage       string                `json:"errorMessage,omitempty"`
	IsPlaying          bool                  `json:"isPlaying"`
	BufferHealth       media.BufferHealth    `json:"bufferHealth"`
	AvailableQualities []parser.QualityLevel `json:"availableQualities"`
	CurrentLevel       int                   `json:"currentLevel"`
	RetryAttempt       int                   `json:"retryAttempt"`
	MaxRetries         int                   `json:"maxRetries"`
	CanRetry           bool                  `json:"canRetry"`
	MutedByBrowser     bool                  `json:"mutedByBrowser"`
	ProxyEngaged       bool                  `json:"proxyEngaged"`
}

// State is the observable store the controller writes and the UI reads.
// It is created once by the embedding application and handed to the
// controller; reads and subscriptions are safe from any goroutine.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
	subs map[int]func(Snapshot)
	next int
}

// NewState returns an idle state.
func NewState() *State {
	return &State{
		snap: Snapshot{State: Idle, CurrentLevel: -1, MaxRetries: MaxRetries},
		subs: make(map[int]func(Snapshot)),
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.snap
	snap.AvailableQualities = append([]parser.QualityLevel(nil), s.snap.AvailableQualities...)
	return snap
}

// Subscribe calls fn with every new snapshot, on the controller's loop.
// The returned func removes the subscription.
func (s *State) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	id := s.next
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// update applies fn and notifies subscribers with the result.
func (s *State) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, sub := range subs {
		sub(snap)
	}
}
