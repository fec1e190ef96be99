// Package cachemap implements the C4 component: the data-id to physical
// location index, the in-flight miss rendezvous that guarantees at most one
// writer per id, and the per-zone reverse index used to invalidate entries
// during eviction.
//
// Grounded on _examples/SnellerInc-sneller/tenant/dcache/cache.go's
// lockID/unlockID/unlockIDMapped protocol, generalized from a binary
// present/absent mapping state to a three-state Loc/Pending/Empty entry so
// a failed writer's tombstone can be re-elected by the next finder instead
// of deadlocking or requiring callers to re-enter from scratch.
package cachemap

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/johnramsden/zncache/internal/logging"
	"github.com/johnramsden/zncache/internal/zsm"
)

// stateTag is the discriminant of a cache map entry (spec.md §3: a tagged
// value with three constructors).
type stateTag int

const (
	tagPending stateTag = iota
	tagLoc
	tagEmpty
)

type entry struct {
	tag  stateTag
	loc  zsm.Location
	cond *sync.Cond
}

// Result is what find() returns to the caller.
type Result struct {
	// Tag is either ResultLoc (a hit: caller is a reader) or ResultPending
	// (a miss: caller is the elected writer).
	Tag ResultTag
	Loc zsm.Location
}

type ResultTag int

const (
	ResultLoc ResultTag = iota
	ResultPending
)

// ReaderCounts is the shared active-reader counter array referenced by the
// cache map but owned by the cache core (spec.md §5: "its allocation is
// owned by the cache core and referenced by the cache map").
type ReaderCounts struct {
	counts []int32
}

// NewReaderCounts allocates a reader-count array with one slot per zone.
func NewReaderCounts(numZones uint32) *ReaderCounts {
	return &ReaderCounts{counts: make([]int32, numZones)}
}

func (r *ReaderCounts) inc(zone uint32) { atomic.AddInt32(&r.counts[zone], 1) }

// Dec decrements the reader count for zone, called by the cache core once
// a hit's read has completed.
func (r *ReaderCounts) Dec(zone uint32) { atomic.AddInt32(&r.counts[zone], -1) }

// Load returns the current reader count for zone, used to spin-wait for
// drain before a zone is reset.
func (r *ReaderCounts) Load(zone uint32) int32 { return atomic.LoadInt32(&r.counts[zone]) }

// CacheMap is the id -> location index plus in-flight coordination.
// Safe for concurrent use.
type CacheMap struct {
	logger  *slog.Logger
	readers *ReaderCounts

	mu      sync.Mutex
	entries map[uint32]*entry
	// reverse[zone][chunkOffset] = id
	reverse map[uint32]map[uint32]uint32

	hits, misses int64
}

// New creates an empty cache map. readers is the shared reader-count array
// owned by the cache core.
func New(readers *ReaderCounts, logger *slog.Logger) *CacheMap {
	return &CacheMap{
		logger:  logging.Default(logger).With("component", "cachemap"),
		readers: readers,
		entries: make(map[uint32]*entry),
		reverse: make(map[uint32]map[uint32]uint32),
	}
}

// Find implements the find(id) protocol of spec.md §4.4: installs a Pending
// entry and elects the caller as writer on an absent or tombstoned id,
// waits out an in-flight Pending entry, or returns a Loc for a hit.
func (m *CacheMap) Find(id uint32) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		e, ok := m.entries[id]
		if !ok {
			e = &entry{tag: tagPending, cond: sync.NewCond(&m.mu)}
			m.entries[id] = e
			atomic.AddInt64(&m.misses, 1)
			return Result{Tag: ResultPending}
		}
		switch e.tag {
		case tagLoc:
			m.readers.inc(e.loc.Zone)
			atomic.AddInt64(&m.hits, 1)
			return Result{Tag: ResultLoc, Loc: e.loc}
		case tagPending:
			e.cond.Wait()
			// restart the loop: spurious wakeups and state flips are both
			// possible (spec.md §4.4).
		case tagEmpty:
			e.tag = tagPending
			e.cond = sync.NewCond(&m.mu)
			atomic.AddInt64(&m.misses, 1)
			return Result{Tag: ResultPending}
		}
	}
}

// Insert completes a successful fill: entry must be Pending. Broadcasts to
// wake waiters.
func (m *CacheMap) Insert(id uint32, loc zsm.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.tag != tagPending {
		return fmt.Errorf("cachemap: Insert(%d): precondition violated, entry is not Pending", id)
	}
	e.tag = tagLoc
	e.loc = loc
	cond := e.cond
	e.cond = nil

	if m.reverse[loc.Zone] == nil {
		m.reverse[loc.Zone] = make(map[uint32]uint32)
	}
	m.reverse[loc.Zone][loc.ChunkOffset] = id

	cond.Broadcast()
	return nil
}

// Relocate installs a Loc entry for id at loc unconditionally, regardless
// of the entry's prior tag (creating one if id was never seen). Unlike
// Insert, it is not restricted to Pending entries: GC's migration/
// compaction step already flipped the id to Empty via ClearChunk before
// the chunk is rewritten elsewhere (spec.md §4.6 step 2, the documented
// brief miss window), so by the time the moved chunk's new location is
// known there is no Pending writer to satisfy — this is the primitive
// that lands it anyway. If a waiter is parked on a Pending entry for id
// (a new writer was elected during the miss window), it is woken to
// observe the relocated Loc instead of completing its own fetch.
func (m *CacheMap) Relocate(id uint32, loc zsm.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		e = &entry{}
		m.entries[id] = e
	}
	var cond *sync.Cond
	if e.tag == tagPending {
		cond = e.cond
	}
	e.tag = tagLoc
	e.loc = loc
	e.cond = nil

	if m.reverse[loc.Zone] == nil {
		m.reverse[loc.Zone] = make(map[uint32]uint32)
	}
	m.reverse[loc.Zone][loc.ChunkOffset] = id

	if cond != nil {
		cond.Broadcast()
	}
}

// Fail reports that the elected writer for id failed. The entry must be
// Pending; it is flipped to Empty so the next finder becomes the new
// elected writer, and waiters are woken to retry.
func (m *CacheMap) Fail(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.tag != tagPending {
		return fmt.Errorf("cachemap: Fail(%d): precondition violated, entry is not Pending", id)
	}
	cond := e.cond
	e.tag = tagEmpty
	e.cond = nil
	cond.Broadcast()
	return nil
}

// ClearChunk flips the entry owning loc to Empty and removes it from the
// reverse index, so a concurrent reader misses and re-fetches instead of
// reading data that is about to move.
func (m *CacheMap) ClearChunk(loc zsm.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearChunkLocked(loc)
}

func (m *CacheMap) clearChunkLocked(loc zsm.Location) {
	zoneRev := m.reverse[loc.Zone]
	if zoneRev == nil {
		return
	}
	id, ok := zoneRev[loc.ChunkOffset]
	if !ok {
		return
	}
	delete(zoneRev, loc.ChunkOffset)
	if e, ok := m.entries[id]; ok {
		e.tag = tagEmpty
		e.loc = zsm.Location{}
	}
}

// ClearZone flips every id owned by zone to Empty and clears the zone's
// reverse index.
func (m *CacheMap) ClearZone(zone uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zoneRev := m.reverse[zone]
	if zoneRev == nil {
		return
	}
	offsets := make([]uint32, 0, len(zoneRev))
	for off := range zoneRev {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, off := range offsets {
		m.clearChunkLocked(zsm.Location{Zone: zone, ChunkOffset: off})
	}
	delete(m.reverse, zone)
}

// ZoneEmpty reports whether no id in the map currently claims a chunk in
// zone, used by GC to assert its postcondition before resetting a zone
// (spec.md §4.6 step 5).
func (m *CacheMap) ZoneEmpty(zone uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reverse[zone]) == 0
}

// HitRatio returns hits / (hits + misses), or 0 if there have been none of
// either.
func (m *CacheMap) HitRatio() float64 {
	hits := atomic.LoadInt64(&m.hits)
	misses := atomic.LoadInt64(&m.misses)
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Hits and Misses expose the raw counters for the profiler sink.
func (m *CacheMap) Hits() int64   { return atomic.LoadInt64(&m.hits) }
func (m *CacheMap) Misses() int64 { return atomic.LoadInt64(&m.misses) }
