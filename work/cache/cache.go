package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Entry is one rewritten manifest and the time it was fetched from origin.
type Entry struct {
	Body      string    // Manifest body after URL rewriting
	FetchedAt time.Time // When the origin response was received
}

// ManifestCache holds rewritten live manifests keyed by origin URL. Entries
// live for a few seconds only, since a live playlist changes every segment
// duration; the cache exists to absorb bursts of identical requests. It is
// safe for concurrent use by any number of proxy requests.
type ManifestCache struct {
	store *otter.Cache[string, Entry] // bounded store with write-based expiry
	ttl   time.Duration               // lifetime of an entry
	now   func() time.Time            // clock, replaced in tests
}

// NewManifestCache creates a cache whose entries expire ttl after they were
// written and which holds at most maxEntries manifests.
//
// Parameters:
//   - ttl: lifetime of each entry
//   - maxEntries: size cap; entries past the cap are evicted
//
// Returns:
//   - *ManifestCache: ready-to-use cache
func NewManifestCache(ttl time.Duration, maxEntries int) *ManifestCache {
	if maxEntries <= 0 {
		maxEntries = 100
	}

	store := otter.Must(&otter.Options[string, Entry]{
		MaximumSize:      maxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, Entry](ttl),
	})

	return &ManifestCache{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns the entry for originURL if it is younger than the TTL.
func (c *ManifestCache) Get(originURL string) (Entry, bool) {
	entry, ok := c.store.GetIfPresent(originURL)
	if !ok {
		return Entry{}, false
	}

	// the store expires lazily, so check the age ourselves as well
	if c.now().Sub(entry.FetchedAt) >= c.ttl {
		c.store.Invalidate(originURL)
		return Entry{}, false
	}

	return entry, true
}

// Set stores body for originURL, stamped with the current time.
func (c *ManifestCache) Set(originURL, body string) Entry {
	entry := Entry{Body: body, FetchedAt: c.now()}
	c.store.Set(originURL, entry)
	return entry
}

// Flush drops every cached manifest.
func (c *ManifestCache) Flush() {
	c.store.InvalidateAll()
}

// Len returns the approximate number of cached manifests.
func (c *ManifestCache) Len() int {
	return c.store.EstimatedSize()
}

// TTL returns the configured entry lifetime.
func (c *ManifestCache) TTL() time.Duration {
	return c.ttl
}
