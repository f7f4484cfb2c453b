// Package cache implements the reuse cache: a keyed store of barrier
// sequences indexed by trajectory-prefix fingerprint, avoiding
// recomputation when the robot revisits an equivalent motion.
//
// At most one entry exists per key, and at most one concurrent build runs
// per key — a second consumer for the same key waits on the first's
// result rather than recomputing, via golang.org/x/sync/singleflight.
package cache

import (
	"fmt"
	"sync"

	"github.com/ariadne-cps/opera/internal/barrier"
	"github.com/ariadne-cps/opera/internal/history"
	"github.com/ariadne-cps/opera/internal/types"
	"golang.org/x/sync/singleflight"
)

// Key identifies a reuse-cache entry: the human keypoint's fused candidate
// snapshot, the robot segment under evaluation, and the fingerprint of the
// robot trajectory prefix already covered.
type Key struct {
	HumanSnapshot string
	RobotSegment  types.SegmentIndex
	Prefix        history.Fingerprint
}

// String returns a stable string form of the key, suitable as a
// singleflight call key.
func (k Key) String() string {
	return fmt.Sprintf("%s|%d|%s", k.HumanSnapshot, k.RobotSegment, k.Prefix)
}

// Cache is the reuse cache (C5's supporting store).
type Cache struct {
	group singleflight.Group

	mu      sync.RWMutex
	entries map[Key]*barrier.Sequence
}

// New returns an empty reuse cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]*barrier.Sequence)}
}

// Get returns the cached sequence for key, if any.
func (c *Cache) Get(key Key) (*barrier.Sequence, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seq, ok := c.entries[key]
	return seq, ok
}

// GetOrBuild returns the cached sequence for key if present; otherwise it
// calls build exactly once even under concurrent callers for the same key,
// stores the result, and returns it to all waiters.
func (c *Cache) GetOrBuild(key Key, build func() (*barrier.Sequence, error)) (*barrier.Sequence, error) {
	if seq, ok := c.Get(key); ok {
		return seq, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if seq, ok := c.Get(key); ok {
			return seq, nil
		}
		seq, err := build()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = seq
		c.mu.Unlock()
		return seq, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*barrier.Sequence), nil
}

// Store inserts or replaces the cached sequence for key directly, used
// when a build completes outside the GetOrBuild call path (e.g. a job that
// seeded its work from an existing entry and extended it further).
func (c *Cache) Store(key Key, seq *barrier.Sequence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = seq
}
