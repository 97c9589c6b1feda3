// Package cache implements the per-track object cache (C2): a ring of
// recently published groups per track, supporting "largest available",
// group-range fetch, and TTL eviction.
//
// Grounded on internal/relay/handler.go's trackDistributor/groupRing
// shape in the teacher repo — a ring of recent groups notifying waiting
// readers by channel — generalized from "one live MoQT relay buffer" to
// the spec's explicit Put/Last/Get/evict contract so the same cache
// backs both the forwarding plane (C8) and fetch/largest-available
// handling (C3).
package cache

import (
	"sync"
	"time"
)

// DefaultMaxGroups is CacheMaxGroups's default, per spec.md §4.2. Note
// this is exactly the configured count: spec.md §9 flags an original
// off-by-one (`CacheMaxBuffers + 1` slots in one code path) as a bug to
// not replicate.
const DefaultMaxGroups = 10

// DefaultMaxObjectsPerGroup is CacheMaxObjectsPerGroup's default.
const DefaultMaxObjectsPerGroup = 200000

// ObjectHeaders is the per-object metadata carried alongside payload
// bytes, per spec.md §3.
type ObjectHeaders struct {
	GroupID   uint64
	ObjectID  uint64
	Priority  uint8
	TTLMs     uint32
	HasTTL    bool
	TrackMode uint8
}

// CachedObject is one object in a group's ordered sequence.
type CachedObject struct {
	Headers   ObjectHeaders
	Payload   []byte
	cachedAt  time.Time
}

// Group is an ordered-by-object_id sequence of objects sharing a group id.
type Group struct {
	GroupID uint64
	Objects []CachedObject // ascending by ObjectID
}

// Config controls a single track's cache behavior.
type Config struct {
	MaxGroups            int
	MaxObjectsPerGroup   int
	ObjectTTL            time.Duration // zero disables TTL eviction
}

func (c Config) withDefaults() Config {
	if c.MaxGroups <= 0 {
		c.MaxGroups = DefaultMaxGroups
	}
	if c.MaxObjectsPerGroup <= 0 {
		c.MaxObjectsPerGroup = DefaultMaxObjectsPerGroup
	}
	return c
}

// trackCache is the ring of groups for one track alias.
type trackCache struct {
	cfg Config

	mu      sync.RWMutex
	ring    []*Group        // ordered oldest-to-newest, len <= cfg.MaxGroups
	byGroup map[uint64]int  // group id -> index into ring
	seen    map[uint64]map[uint64]struct{} // group id -> set of seen object ids, for dedup
}

func newTrackCache(cfg Config) *trackCache {
	return &trackCache{
		cfg:     cfg.withDefaults(),
		byGroup: make(map[uint64]int),
		seen:    make(map[uint64]map[uint64]struct{}),
	}
}

// Cache owns one trackCache per track alias.
type Cache struct {
	defaultCfg Config

	mu     sync.RWMutex
	tracks map[uint64]*trackCache
}

// New creates an empty Cache. cfg supplies the defaults applied to every
// track unless overridden by ConfigureTrack.
func New(cfg Config) *Cache {
	return &Cache{
		defaultCfg: cfg.withDefaults(),
		tracks:     make(map[uint64]*trackCache),
	}
}

// ConfigureTrack sets a per-track override (e.g. a different TTL); it
// must be called before the first Put for that track to take effect on
// ring sizing.
func (c *Cache) ConfigureTrack(trackAlias uint64, cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks[trackAlias] = newTrackCache(cfg)
}

func (c *Cache) trackFor(trackAlias uint64) *trackCache {
	c.mu.RLock()
	tc, ok := c.tracks[trackAlias]
	c.mu.RUnlock()
	if ok {
		return tc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok = c.tracks[trackAlias]; ok {
		return tc
	}
	tc = newTrackCache(c.defaultCfg)
	c.tracks[trackAlias] = tc
	return tc
}

// Put appends an object into the current group for trackAlias. A new,
// strictly higher group_id opens a new ring slot, evicting the oldest
// group if the ring is full. Duplicate (group, object) pairs are
// silently dropped (at-most-once semantics, per spec.md §4.2).
func (c *Cache) Put(trackAlias uint64, h ObjectHeaders, payload []byte) {
	tc := c.trackFor(trackAlias)
	tc.put(h, payload)
}

func (tc *trackCache) put(h ObjectHeaders, payload []byte) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	seen := tc.seen[h.GroupID]
	if seen == nil {
		seen = make(map[uint64]struct{})
		tc.seen[h.GroupID] = seen
	}
	if _, dup := seen[h.ObjectID]; dup {
		return
	}

	idx, ok := tc.byGroup[h.GroupID]
	if !ok {
		g := &Group{GroupID: h.GroupID}
		tc.ring = append(tc.ring, g)
		idx = len(tc.ring) - 1
		tc.byGroup[h.GroupID] = idx

		if len(tc.ring) > tc.cfg.MaxGroups {
			evicted := tc.ring[0]
			tc.ring = tc.ring[1:]
			delete(tc.byGroup, evicted.GroupID)
			delete(tc.seen, evicted.GroupID)
			for gid, i := range tc.byGroup {
				tc.byGroup[gid] = i - 1
			}
		}
		idx = tc.byGroup[h.GroupID]
	}

	seen[h.ObjectID] = struct{}{}

	g := tc.ring[idx]
	if len(g.Objects) >= tc.cfg.MaxObjectsPerGroup {
		return
	}
	obj := CachedObject{Headers: h, Payload: payload, cachedAt: time.Now()}
	// insert keeping ascending ObjectID order; the common case is
	// appending to the tail.
	i := len(g.Objects)
	for i > 0 && g.Objects[i-1].Headers.ObjectID > h.ObjectID {
		i--
	}
	g.Objects = append(g.Objects, CachedObject{})
	copy(g.Objects[i+1:], g.Objects[i:])
	g.Objects[i] = obj
}

// Last returns the largest group's last object, if any.
func (c *Cache) Last(trackAlias uint64) (groupID, objectID uint64, ok bool) {
	tc := c.trackFor(trackAlias)
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	if len(tc.ring) == 0 {
		return 0, 0, false
	}
	g := tc.ring[0]
	for _, cand := range tc.ring[1:] {
		if cand.GroupID > g.GroupID {
			g = cand
		}
	}
	if len(g.Objects) == 0 {
		return 0, 0, false
	}
	last := g.Objects[len(g.Objects)-1]
	return g.GroupID, last.Headers.ObjectID, true
}

// Get returns a stable snapshot of groups in [startGroupInclusive,
// endGroupExclusive). The result may be empty; callers must tolerate
// that.
func (c *Cache) Get(trackAlias uint64, startGroupInclusive, endGroupExclusive uint64) []Group {
	tc := c.trackFor(trackAlias)
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	var out []Group
	for _, g := range tc.ring {
		if g.GroupID < startGroupInclusive || g.GroupID >= endGroupExclusive {
			continue
		}
		cp := Group{GroupID: g.GroupID, Objects: append([]CachedObject(nil), g.Objects...)}
		out = append(out, cp)
	}
	return out
}

// Sweep drops objects whose TTL has elapsed, across every track. It is
// meant to be called periodically from a background goroutine (see
// StartSweeper). Returns the number of objects dropped.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.RLock()
	tracks := make([]*trackCache, 0, len(c.tracks))
	for _, tc := range c.tracks {
		tracks = append(tracks, tc)
	}
	c.mu.RUnlock()

	dropped := 0
	for _, tc := range tracks {
		dropped += tc.sweep(now)
	}
	return dropped
}

func (tc *trackCache) sweep(now time.Time) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	dropped := 0
	for _, g := range tc.ring {
		kept := g.Objects[:0]
		for _, obj := range g.Objects {
			if obj.Headers.HasTTL && now.Sub(obj.cachedAt) >= time.Duration(obj.Headers.TTLMs)*time.Millisecond {
				dropped++
				delete(tc.seen[g.GroupID], obj.Headers.ObjectID)
				continue
			}
			kept = append(kept, obj)
		}
		g.Objects = kept
	}
	return dropped
}

// StartSweeper runs Sweep on interval until stop is closed.
func (c *Cache) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-t.C:
				c.Sweep(now)
			}
		}
	}()
}
