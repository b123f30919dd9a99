package headless

import (
	"sync"

	"streamguard/work/logger"
)

// SegmentTracker remembers which live segments were already fetched so a
// playlist refresh only downloads what is new. It holds at most max keys;
// the oldest key is forgotten when a new one arrives at capacity.
type SegmentTracker struct {
	mu   sync.RWMutex
	ring []string
	seen map[string]struct{}
	next int
	size int
}

// NewSegmentTracker returns a tracker holding up to max segment keys.
func NewSegmentTracker(max int) *SegmentTracker {
	if max < 1 {
		max = 1
	}
	return &SegmentTracker{
		ring: make([]string, max),
		seen: make(map[string]struct{}, max),
	}
}

// Seen reports whether key was marked and not yet evicted.
func (st *SegmentTracker) Seen(key string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()

	_, ok := st.seen[key]
	return ok
}

// Mark records key, evicting the oldest key when full. Marking a key twice
// is a no-op.
func (st *SegmentTracker) Mark(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.seen[key]; ok {
		return
	}

	if st.size == len(st.ring) {
		delete(st.seen, st.ring[st.next])
	} else {
		st.size++
	}

	st.ring[st.next] = key
	st.seen[key] = struct{}{}
	st.next = (st.next + 1) % len(st.ring)
}

// Len is the number of keys currently tracked.
func (st *SegmentTracker) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.size
}

// Reset forgets every key.
func (st *SegmentTracker) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()

	logger.Debug("{headless/tracker - Reset} Dropping %d tracked segments", st.size)

	clear(st.seen)
	clear(st.ring)
	st.next, st.size = 0, 0
}
