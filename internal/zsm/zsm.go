// Package zsm implements the C3 component: the zone state manager. It owns
// the pool of zones, their lifecycle (Free → Active → Full → Invalidating →
// Free), the sequential write-pointer enforcement within a zone, the
// active-zone budget, and per-chunk validity tracking.
//
// Grounded on _examples/kluzzebass-gastrolog/backend/internal/chunk/file.Manager's
// single-mutex state management (one lock covering the active chunk/state
// and the in-memory metadata map) and on its rotation.go's notion of a
// capacity threshold that flips a unit of storage from "being written" to
// "sealed" — here, a zone reaching its chunk capacity flips Active → Full.
package zsm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/johnramsden/zncache/internal/blockio"
	"github.com/johnramsden/zncache/internal/logging"
)

// State is a zone's lifecycle stage (spec.md §3).
type State int

const (
	StateFree State = iota
	StateActive
	StateFull
	StateInvalidating
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateActive:
		return "active"
	case StateFull:
		return "full"
	case StateInvalidating:
		return "invalidating"
	default:
		return "unknown"
	}
}

// Location identifies a physical chunk slot, per spec.md §3.
type Location struct {
	Zone        uint32
	ChunkOffset uint32
}

// Status is the outcome of GetActiveZone.
type Status int

const (
	// StatusSuccess: loc is reserved and the caller must write to it.
	StatusSuccess Status = iota
	// StatusRetry: transient contention, the caller should yield and retry.
	StatusRetry
	// StatusEvict: all active zones are saturated; the caller should run
	// foreground eviction and retry.
	StatusEvict
	// StatusError: no zones are reclaimable at all.
	StatusError
)

// PreconditionViolation reports a caller breaking an invariant the zone
// state manager depends on — these are bugs in the caller, not recoverable
// runtime conditions (spec.md §7). Evict and EvictAndWrite raise it by
// panic; MarkChunkInvalid and ReserveChunk return it as an error and do
// not panic.
type PreconditionViolation struct {
	Msg string
}

func (e PreconditionViolation) Error() string { return "zsm: precondition violation: " + e.Msg }

type zoneInfo struct {
	state       State
	wp          uint32 // chunks written since last reset; spec.md I4
	chunksInUse uint32
	valid       []bool
	// gen is a fresh identifier stamped on every Free->Active promotion, used
	// only to correlate a zone's log lines across its lifetime (e.g. telling
	// two different occupants of zone 3 apart in a log stream). It carries no
	// invariant and is never compared by callers.
	gen uuid.UUID
}

// ZSM is the zone state manager. Safe for concurrent use.
type ZSM struct {
	geom   blockio.Geometry
	logger *slog.Logger

	mu        sync.Mutex
	zones     []zoneInfo
	free      []uint32 // stack of free zone indices
	active    map[uint32]struct{}
	maxActive uint32
}

// New creates a zone state manager for geom.NumZones zones, all initially
// Free. maxActive bounds the number of simultaneously Active zones
// (spec.md §3: "sum of active zones is bounded by max_active_zones"); if 0,
// geom.MaxActive is used, and if that is also 0, all zones may be active.
func New(geom blockio.Geometry, maxActive uint32, logger *slog.Logger) *ZSM {
	logger = logging.Default(logger).With("component", "zsm")
	if maxActive == 0 {
		maxActive = geom.MaxActive
	}
	if maxActive == 0 {
		maxActive = geom.NumZones
	}
	z := &ZSM{
		geom:      geom,
		logger:    logger,
		zones:     make([]zoneInfo, geom.NumZones),
		active:    make(map[uint32]struct{}),
		maxActive: maxActive,
	}
	chunksPerZone := geom.ChunksPerZone()
	for i := range z.zones {
		z.zones[i].valid = make([]bool, chunksPerZone)
		z.free = append(z.free, uint32(i))
	}
	return z
}

// GetActiveZone reserves the next writable chunk slot. It never blocks on
// I/O; any contention is signaled via StatusRetry so the caller can yield.
func (z *ZSM) GetActiveZone() (Location, Status) {
	z.mu.Lock()
	defer z.mu.Unlock()

	// Prefer an existing Active zone with room.
	for zoneIdx := range z.active {
		zi := &z.zones[zoneIdx]
		if zi.wp < z.geom.ChunksPerZone() {
			loc := Location{Zone: zoneIdx, ChunkOffset: zi.wp}
			zi.wp++
			return loc, StatusSuccess
		}
	}

	// No active zone has room: promote a Free zone if budget allows.
	if uint32(len(z.active)) < z.maxActive {
		if len(z.free) == 0 {
			if z.anyInvalidating() {
				return Location{}, StatusRetry
			}
			return Location{}, StatusEvict
		}
		zoneIdx := z.free[len(z.free)-1]
		z.free = z.free[:len(z.free)-1]
		z.zones[zoneIdx].state = StateActive
		z.zones[zoneIdx].gen = uuid.New()
		z.active[zoneIdx] = struct{}{}
		z.zones[zoneIdx].wp = 1
		z.logger.Debug("zone promoted to active", "zone", zoneIdx, "generation", z.zones[zoneIdx].gen)
		return Location{Zone: zoneIdx, ChunkOffset: 0}, StatusSuccess
	}

	// Active-zone budget is saturated: caller must evict.
	return Location{}, StatusEvict
}

func (z *ZSM) anyInvalidating() bool {
	for i := range z.zones {
		if z.zones[i].state == StateInvalidating {
			return true
		}
	}
	return false
}

// ReturnActiveZone is called after the write at loc succeeds. If loc was
// the last chunk in the zone, the zone transitions Active → Full.
func (z *ZSM) ReturnActiveZone(loc Location) {
	z.mu.Lock()
	defer z.mu.Unlock()

	zi := &z.zones[loc.Zone]
	zi.valid[loc.ChunkOffset] = true
	zi.chunksInUse++

	if loc.ChunkOffset+1 == z.geom.ChunksPerZone() {
		zi.state = StateFull
		delete(z.active, loc.Zone)
		z.logger.Debug("zone sealed", "zone", loc.Zone, "chunks_in_use", zi.chunksInUse)
	}
}

// FailedToWrite rolls back the reservation at loc after its write failed.
// If loc is still the tail of the zone's write pointer, the pointer is
// rewound so the slot can be reused; otherwise (another writer has already
// advanced past it) the slot is left as a permanently skipped hole, per the
// open question in spec.md §9 — we serialize writes within a zone instead
// of allowing this to occur (ZSM hands out chunk offsets strictly in order
// under its own lock and the cache core never issues a second write to a
// zone before the first resolves), so the fallback branch here is defensive
// rather than reachable in normal operation.
func (z *ZSM) FailedToWrite(loc Location) {
	z.mu.Lock()
	defer z.mu.Unlock()

	zi := &z.zones[loc.Zone]
	if zi.wp == loc.ChunkOffset+1 {
		zi.wp = loc.ChunkOffset
		return
	}
	z.logger.Warn("write failure left a hole", "zone", loc.Zone, "chunk_offset", loc.ChunkOffset, "wp", zi.wp)
}

// MarkChunkInvalid clears the validity bit at loc and decrements the
// zone's chunks_in_use.
func (z *ZSM) MarkChunkInvalid(loc Location) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	zi := &z.zones[loc.Zone]
	if !zi.valid[loc.ChunkOffset] {
		return PreconditionViolation{Msg: fmt.Sprintf("invalidate already-invalid chunk zone=%d offset=%d", loc.Zone, loc.ChunkOffset)}
	}
	zi.valid[loc.ChunkOffset] = false
	zi.chunksInUse--
	return nil
}

// ChunksInUse returns the zone's current chunks_in_use count, used by
// eviction policies to prioritize the zone invalidity heap.
func (z *ZSM) ChunksInUse(zone uint32) uint32 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.zones[zone].chunksInUse
}

// ValidChunks returns the chunk offsets still marked valid in zone, sorted
// ascending.
func (z *ZSM) ValidChunks(zone uint32) []uint32 {
	z.mu.Lock()
	defer z.mu.Unlock()
	zi := &z.zones[zone]
	out := make([]uint32, 0, zi.chunksInUse)
	for offset, valid := range zi.valid {
		if valid {
			out = append(out, uint32(offset))
		}
	}
	return out
}

// Evict transitions zone Full → Invalidating → Free via dev.ResetZone.
// Precondition: zone is Full and the caller has already confirmed its
// active-reader count is 0 (spec.md I3); violating this is a bug, not a
// runtime error, so it panics.
func (z *ZSM) Evict(zone uint32, dev blockio.Device) error {
	z.mu.Lock()
	if z.zones[zone].state != StateFull {
		st := z.zones[zone].state
		z.mu.Unlock()
		panic(PreconditionViolation{Msg: fmt.Sprintf("Evict called on zone %d in state %s, want Full", zone, st)})
	}
	z.zones[zone].state = StateInvalidating
	z.mu.Unlock()

	if err := dev.ResetZone(zone); err != nil {
		return fmt.Errorf("zsm: reset zone %d: %w", zone, err)
	}

	z.mu.Lock()
	z.resetZoneLocked(zone)
	z.free = append(z.free, zone)
	z.mu.Unlock()
	z.logger.Debug("zone evicted", "zone", zone)
	return nil
}

// EvictAndWrite resets zone and transitions it directly back to Active at
// write pointer 0, without passing through Free — the in-place compaction
// path (spec.md §4.6). Precondition: zone is Full and has no readers, same
// as Evict.
func (z *ZSM) EvictAndWrite(zone uint32, dev blockio.Device) error {
	z.mu.Lock()
	if z.zones[zone].state != StateFull {
		st := z.zones[zone].state
		z.mu.Unlock()
		panic(PreconditionViolation{Msg: fmt.Sprintf("EvictAndWrite called on zone %d in state %s, want Full", zone, st)})
	}
	z.zones[zone].state = StateInvalidating
	z.mu.Unlock()

	if err := dev.ResetZone(zone); err != nil {
		return fmt.Errorf("zsm: reset zone %d for compaction: %w", zone, err)
	}

	z.mu.Lock()
	z.resetZoneLocked(zone)
	z.zones[zone].state = StateActive
	z.zones[zone].gen = uuid.New()
	z.active[zone] = struct{}{}
	z.mu.Unlock()
	z.logger.Debug("zone compacted in place", "zone", zone, "generation", z.zones[zone].gen)
	return nil
}

// ReserveChunk hands out the next sequential chunk offset within zone,
// which must already be Active. Used by GC compaction to rewrite the
// surviving chunks of a zone into itself at offsets 0,1,2,...
func (z *ZSM) ReserveChunk(zone uint32) (uint32, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	zi := &z.zones[zone]
	if zi.state != StateActive {
		return 0, PreconditionViolation{Msg: fmt.Sprintf("ReserveChunk on zone %d in state %s, want Active", zone, zi.state)}
	}
	if zi.wp >= z.geom.ChunksPerZone() {
		return 0, fmt.Errorf("zsm: zone %d is full", zone)
	}
	offset := zi.wp
	zi.wp++
	return offset, nil
}

func (z *ZSM) resetZoneLocked(zone uint32) {
	zi := &z.zones[zone]
	zi.state = StateFree
	zi.wp = 0
	zi.chunksInUse = 0
	for i := range zi.valid {
		zi.valid[i] = false
	}
}

// State returns the current state of zone, for tests and observability.
func (z *ZSM) State(zone uint32) State {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.zones[zone].state
}

// WritePointer returns the current write pointer (in chunks) of zone.
func (z *ZSM) WritePointer(zone uint32) uint32 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.zones[zone].wp
}

// GetNumFreeZones returns the count of zones currently Free.
func (z *ZSM) GetNumFreeZones() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.free)
}

// GetNumFreeChunks returns the total number of chunk slots not currently
// backing a live data id, across Free, Active and Full zones.
func (z *ZSM) GetNumFreeChunks() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	perZone := int(z.geom.ChunksPerZone())
	total := 0
	for i := range z.zones {
		if z.zones[i].state == StateInvalidating {
			continue
		}
		total += perZone - int(z.zones[i].chunksInUse)
	}
	return total
}

// NumZones returns the total zone count.
func (z *ZSM) NumZones() uint32 { return z.geom.NumZones }

// ChunksPerZone returns the device geometry's chunks-per-zone.
func (z *ZSM) ChunksPerZone() uint32 { return z.geom.ChunksPerZone() }

// Generation returns the identifier stamped on zone's current Active
// occupancy, for log correlation. It is the zero UUID if the zone has never
// been promoted to Active.
func (z *ZSM) Generation(zone uint32) uuid.UUID {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.zones[zone].gen
}
