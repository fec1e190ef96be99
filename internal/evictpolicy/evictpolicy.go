// Package evictpolicy implements the C6 component: the two eviction
// policies the cache core can be configured with, and the shared
// AccessKind used to report reads and writes to whichever one is active.
//
// Grounded on the pure, lock-free decision interface of
// _examples/kluzzebass-gastrolog/backend/internal/chunk/retention.go and
// rotation.go (policies are small structs implementing a narrow interface,
// composable, with no I/O of their own) — adapted here from "decide what to
// delete from a snapshot" to "decide what to evict and drive the eviction
// through ZSM/CacheMap", since a zoned cache's eviction must itself mutate
// shared state rather than just report a verdict.
package evictpolicy

import (
	"container/list"
	"log/slog"
	"sync"

	"github.com/johnramsden/zncache/internal/blockio"
	"github.com/johnramsden/zncache/internal/cachemap"
	"github.com/johnramsden/zncache/internal/chunkqueue"
	"github.com/johnramsden/zncache/internal/format"
	"github.com/johnramsden/zncache/internal/logging"
	"github.com/johnramsden/zncache/internal/zsm"
)

// AccessKind tags how a location was just touched, per spec.md §4.6.
type AccessKind int

const (
	Read AccessKind = iota
	Write
)

// Policy is the contract both concrete policies satisfy.
type Policy interface {
	// Update records an access to loc.
	Update(loc zsm.Location, kind AccessKind)
	// DoEvict runs one round of eviction. It may be a no-op if there is
	// nothing to do, or if another eviction round is already in progress.
	DoEvict() error
}

// PromoteZonePolicy evicts whole zones, LRU over zones: a zone becomes
// most-recent when any of its chunks is read, and joins the LRU tail when
// its last chunk is written.
type PromoteZonePolicy struct {
	zsm    *zsm.ZSM
	cm     *cachemap.CacheMap
	dev    blockio.Device
	logger *slog.Logger

	lowThreshZones uint32
	readerCountFn  func(zone uint32) int32

	mu    sync.Mutex
	lru   *list.List
	nodes map[uint32]*list.Element
}

// NewPromoteZonePolicy creates a promote-zone policy. lowThreshZones is the
// free-zone watermark foreground eviction tries to restore.
func NewPromoteZonePolicy(z *zsm.ZSM, cm *cachemap.CacheMap, dev blockio.Device, lowThreshZones uint32, logger *slog.Logger) *PromoteZonePolicy {
	return &PromoteZonePolicy{
		zsm:            z,
		cm:             cm,
		dev:            dev,
		logger:         logging.Default(logger).With("component", "evictpolicy", "policy", "promote-zone"),
		lowThreshZones: lowThreshZones,
		lru:            list.New(),
		nodes:          make(map[uint32]*list.Element),
	}
}

func (p *PromoteZonePolicy) Update(loc zsm.Location, kind AccessKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case Read:
		if e, ok := p.nodes[loc.Zone]; ok {
			p.lru.MoveToBack(e)
		}
	case Write:
		if loc.ChunkOffset+1 == p.zsm.ChunksPerZone() {
			if e, ok := p.nodes[loc.Zone]; ok {
				p.lru.Remove(e)
			}
			e := p.lru.PushBack(loc.Zone)
			p.nodes[loc.Zone] = e
		}
	}
}

// victim pops the LRU head zone, if any.
func (p *PromoteZonePolicy) victim() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.lru.Front()
	if e == nil {
		return 0, false
	}
	zone := e.Value.(uint32)
	p.lru.Remove(e)
	delete(p.nodes, zone)
	return zone, true
}

// DoEvict runs one round of foreground eviction: it reclaims zones until
// the free-zone count reaches lowThreshZones or the LRU is exhausted,
// clearing each victim in the cache map and spin-waiting for its readers
// to drain before asking ZSM to reset it (spec.md §4.7 "foreground
// eviction").
func (p *PromoteZonePolicy) DoEvict() error {
	for p.zsm.GetNumFreeZones() < int(p.lowThreshZones) {
		zone, ok := p.victim()
		if !ok {
			return nil
		}
		p.cm.ClearZone(zone)
		spinUntilDrained(p.readerCount, zone)
		if err := p.zsm.Evict(zone, p.dev); err != nil {
			return err
		}
		p.logger.Debug("zone reclaimed", "zone", zone)
	}
	return nil
}

// readerCount is set by the cache core so foreground eviction can spin on
// the shared reader-count array without this package importing cachecore.
func (p *PromoteZonePolicy) readerCount(zone uint32) int32 {
	if p.readerCountFn == nil {
		return 0
	}
	return p.readerCountFn(zone)
}

// SetReaderCountFunc wires the shared active-reader counter lookup. Must be
// called once before DoEvict runs.
func (p *PromoteZonePolicy) SetReaderCountFunc(f func(zone uint32) int32) {
	p.readerCountFn = f
}

func spinUntilDrained(load func(uint32) int32, zone uint32) {
	for load(zone) > 0 {
		// spec.md §5: bounded by the workload and by having already cleared
		// the cache map, so no new reader can join this zone.
	}
}

// ChunkPolicy evicts individual chunks, compacting zones via GC once the
// free-chunk budget runs low. Grounded on
// _examples/kluzzebass-gastrolog/backend/internal/chunk/rotation.go's
// threshold-triggered transition style (capacity crossed a threshold, so
// act), generalized from "rotate one chunk" to "evict down to a low
// watermark, then GC zones up to a high watermark."
type ChunkPolicy struct {
	cq     *chunkqueue.ChunkQueue
	zsm    *zsm.ZSM
	cm     *cachemap.CacheMap
	dev    blockio.Device
	logger *slog.Logger

	lowThreshChunks  uint32
	highThreshChunks uint32
	highThreshZones  uint32
	totalChunks      uint32
	readerCountFn    func(zone uint32) int32

	evicting sync.Mutex // trylock guard for DoEvict
}

// SetReaderCountFunc wires the shared active-reader counter lookup GC uses
// to drain a zone before resetting it. Must be called once before DoEvict
// runs.
func (c *ChunkPolicy) SetReaderCountFunc(f func(zone uint32) int32) {
	c.readerCountFn = f
}

// NewChunkPolicy creates a chunk policy. totalChunks is the device's total
// chunk capacity (numZones * chunksPerZone).
func NewChunkPolicy(cq *chunkqueue.ChunkQueue, z *zsm.ZSM, cm *cachemap.CacheMap, dev blockio.Device, lowThreshChunks, highThreshChunks, highThreshZones, totalChunks uint32, logger *slog.Logger) *ChunkPolicy {
	return &ChunkPolicy{
		cq:               cq,
		zsm:              z,
		cm:               cm,
		dev:              dev,
		logger:           logging.Default(logger).With("component", "evictpolicy", "policy", "chunk"),
		lowThreshChunks:  lowThreshChunks,
		highThreshChunks: highThreshChunks,
		highThreshZones:  highThreshZones,
		totalChunks:      totalChunks,
	}
}

func (c *ChunkPolicy) Update(loc zsm.Location, kind AccessKind) {
	switch kind {
	case Write:
		c.cq.AddChunkToLRU(loc)
	case Read:
		c.cq.UpdateChunkInLru(loc)
	}
}

// DoEvict runs under a trylock; a concurrent caller that cannot acquire it
// returns immediately with no error, per spec.md §4.6.
func (c *ChunkPolicy) DoEvict() error {
	if !c.evicting.TryLock() {
		return nil
	}
	defer c.evicting.Unlock()

	inLRU := uint32(c.cq.Len())
	freeChunks := c.totalChunks - inLRU
	if inLRU == 0 || freeChunks > c.highThreshChunks {
		return nil
	}

	target := int32(c.lowThreshChunks) - int32(freeChunks)
	for i := int32(0); i < target; i++ {
		loc, ok := c.cq.InvalidateLatestChunk()
		if !ok {
			break
		}
		if err := c.zsm.MarkChunkInvalid(loc); err != nil {
			return err
		}
		c.cm.ClearChunk(loc)
	}

	for c.zsm.GetNumFreeZones() < int(c.highThreshZones) {
		more, err := c.gcOnce()
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

// gcOnce runs one GC iteration (spec.md §4.6), returning false once the
// invalid-zone heap is exhausted.
func (c *ChunkPolicy) gcOnce() (bool, error) {
	oldZone, valid, ok := c.cq.ZoneDequeue()
	if !ok {
		return false, nil
	}

	ids := make(map[uint32]uint32, len(valid)) // chunk offset -> id
	chunksPerZone := c.zsm.ChunksPerZone()
	scratch := make([]byte, uint64(chunksPerZone)*chunkSizeOf(c.dev))

	if err := c.dev.Read(c.dev.Geometry().Offset(oldZone, 0), uint64(len(scratch)), scratch); err != nil {
		return false, err
	}
	chunkSize := chunkSizeOf(c.dev)
	for _, offset := range valid {
		buf := scratch[uint64(offset)*chunkSize : uint64(offset+1)*chunkSize]
		id, err := format.Decode(buf)
		if err == nil {
			ids[offset] = id
		}
		c.cm.ClearChunk(zsm.Location{Zone: oldZone, ChunkOffset: offset}) // step 2: invalidate before move
	}

	compactInPlace := false
	for i, offset := range valid {
		buf := scratch[uint64(offset)*chunkSize : uint64(offset+1)*chunkSize]
		newLoc, status := c.zsm.GetActiveZone()
		if status == zsm.StatusSuccess {
			if err := c.dev.Write(c.dev.Geometry().Offset(newLoc.Zone, newLoc.ChunkOffset), chunkSize, buf); err != nil {
				c.zsm.FailedToWrite(newLoc)
				return false, err
			}
			c.zsm.ReturnActiveZone(newLoc)
			c.cq.AddChunkToLRU(newLoc)
			c.cm.Relocate(ids[offset], newLoc)
			continue
		}

		// No zones available: compact old_zone in place, rewriting every
		// chunk from this point on (inclusive) sequentially into offsets
		// 0,1,2,... — the ascending order of `valid` preserves the
		// compaction tie-break rule.
		compactInPlace = true
		if c.readerCountFn != nil {
			spinUntilDrained(c.readerCountFn, oldZone)
		}
		if err := c.zsm.EvictAndWrite(oldZone, c.dev); err != nil {
			return false, err
		}
		for _, remaining := range valid[i:] {
			rbuf := scratch[uint64(remaining)*chunkSize : uint64(remaining+1)*chunkSize]
			chunkOffset, err := c.zsm.ReserveChunk(oldZone)
			if err != nil {
				return false, err
			}
			if err := c.dev.Write(c.dev.Geometry().Offset(oldZone, chunkOffset), chunkSize, rbuf); err != nil {
				return false, err
			}
			newLoc := zsm.Location{Zone: oldZone, ChunkOffset: chunkOffset}
			c.zsm.ReturnActiveZone(newLoc)
			c.cq.AddChunkToLRU(newLoc)
			c.cm.Relocate(ids[remaining], newLoc)
		}
		break
	}

	if !compactInPlace {
		if !c.cm.ZoneEmpty(oldZone) {
			return false, PreconditionError{Msg: "GC postcondition violated: old_zone not empty in cache map"}
		}
		if c.readerCountFn != nil {
			spinUntilDrained(c.readerCountFn, oldZone)
		}
		if err := c.zsm.Evict(oldZone, c.dev); err != nil {
			return false, err
		}
	}
	return true, nil
}

func chunkSizeOf(dev blockio.Device) uint64 { return dev.Geometry().ChunkSize }

// PreconditionError reports a broken GC postcondition (spec.md §7).
type PreconditionError struct{ Msg string }

func (e PreconditionError) Error() string { return "evictpolicy: " + e.Msg }

var (
	_ Policy = (*PromoteZonePolicy)(nil)
	_ Policy = (*ChunkPolicy)(nil)
)
