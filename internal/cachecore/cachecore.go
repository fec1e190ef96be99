// Package cachecore implements the C7 component: the Cache type and its
// get() state machine, wired against C1 (blockio), C3 (zsm), C4
// (cachemap), and C6 (evictpolicy).
//
// Grounded on _examples/kluzzebass-gastrolog/backend/internal/chunk/file/manager.go's
// top-level orchestration style — a single exported type wrapping several
// cooperating pieces of state, constructed from a `Config`, every public
// method wrapping an internal state-machine step in error-wrapped
// boundaries — adapted from "append/read one growable chunk file" to "run
// the hit/miss/in-flight protocol across C3-C6."
package cachecore

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/johnramsden/zncache/internal/blockio"
	"github.com/johnramsden/zncache/internal/cachemap"
	"github.com/johnramsden/zncache/internal/chunkqueue"
	"github.com/johnramsden/zncache/internal/evictpolicy"
	"github.com/johnramsden/zncache/internal/format"
	"github.com/johnramsden/zncache/internal/logging"
	"github.com/johnramsden/zncache/internal/zsm"
)

// PolicyKind selects which eviction policy the cache runs (spec.md §6:
// "Policy selector: ZONE | PROMOTE_ZONE | CHUNK").
type PolicyKind int

const (
	PromoteZonePolicy PolicyKind = iota
	ChunkPolicy
)

// Tunables is the cache's configuration surface (spec.md §6). It is a
// plain struct, not a config store: configuration is an external-collaborator
// concern and the core only consumes values, never persists or reloads them.
type Tunables struct {
	Policy PolicyKind

	EvictLowThreshZones  uint32
	EvictHighThreshZones uint32
	EvictLowThreshChunks uint32
	EvictHighThreshChunks uint32

	// MaxOpenZones is the fallback active-zone budget used when the device
	// does not specify one via Geometry.MaxActive.
	MaxOpenZones uint32
}

// PayloadGenerator simulates a remote fetch for a cache miss (spec.md §1:
// "the payload 'generator' that simulates remote fetches" — an external
// collaborator). It must produce exactly chunkSize bytes with the data id
// encoded in the first 4 bytes per internal/format.
type PayloadGenerator func(id uint32, randomBuf []byte, chunkSize uint64) []byte

var (
	ErrGetFailed = errors.New("cachecore: get failed")
)

// Cache is the C7 cache core.
type Cache struct {
	dev     blockio.Device
	zsm     *zsm.ZSM
	cm      *cachemap.CacheMap
	readers *cachemap.ReaderCounts
	policy  evictpolicy.Policy
	gen     PayloadGenerator
	logger  *slog.Logger

	tunables Tunables
}

// New builds a Cache over dev, wiring C3/C4/C6 per tunables.Policy. gen
// supplies payload bytes on a miss.
func New(dev blockio.Device, tunables Tunables, gen PayloadGenerator, logger *slog.Logger) *Cache {
	logger = logging.Default(logger).With("component", "cachecore")
	geom := dev.Geometry()

	maxActive := geom.MaxActive
	if maxActive == 0 {
		maxActive = tunables.MaxOpenZones
	}
	z := zsm.New(geom, maxActive, logger)
	readers := cachemap.NewReaderCounts(geom.NumZones)
	cm := cachemap.New(readers, logger)

	var policy evictpolicy.Policy
	switch tunables.Policy {
	case PromoteZonePolicy:
		p := evictpolicy.NewPromoteZonePolicy(z, cm, dev, tunables.EvictLowThreshZones, logger)
		p.SetReaderCountFunc(readers.Load)
		policy = p
	case ChunkPolicy:
		cq := chunkqueue.New(geom.ChunksPerZone())
		totalChunks := geom.ChunksPerZone() * geom.NumZones
		p := evictpolicy.NewChunkPolicy(cq, z, cm, dev, tunables.EvictLowThreshChunks, tunables.EvictHighThreshChunks, tunables.EvictHighThreshZones, totalChunks, logger)
		p.SetReaderCountFunc(readers.Load)
		policy = p
	}

	return &Cache{
		dev:      dev,
		zsm:      z,
		cm:       cm,
		readers:  readers,
		policy:   policy,
		gen:      gen,
		logger:   logger,
		tunables: tunables,
	}
}

// Get implements spec.md §4.7's get(id, random_buf) state machine: a hit
// reads via the I/O adapter and releases the reader slot; a miss reserves
// an active chunk, invokes the payload generator, writes it, and commits
// the new mapping, retrying on ZSM contention and running foreground
// eviction when the active-zone budget is saturated.
func (c *Cache) Get(id uint32, randomBuf []byte) ([]byte, error) {
	result := c.cm.Find(id)
	switch result.Tag {
	case cachemap.ResultLoc:
		return c.readHit(result.Loc)
	case cachemap.ResultPending:
		return c.fillMiss(id, randomBuf)
	}
	return nil, fmt.Errorf("%w: unknown find result", ErrGetFailed)
}

func (c *Cache) readHit(loc zsm.Location) ([]byte, error) {
	geom := c.dev.Geometry()
	buf := make([]byte, geom.ChunkSize)
	if err := c.dev.Read(geom.Offset(loc.Zone, loc.ChunkOffset), geom.ChunkSize, buf); err != nil {
		c.readers.Dec(loc.Zone)
		return nil, fmt.Errorf("%w: read: %v", ErrGetFailed, err)
	}
	c.policy.Update(loc, evictpolicy.Read)
	c.readers.Dec(loc.Zone)
	return buf, nil
}

func (c *Cache) fillMiss(id uint32, randomBuf []byte) ([]byte, error) {
	geom := c.dev.Geometry()

	var loc zsm.Location
	for {
		l, status := c.zsm.GetActiveZone()
		switch status {
		case zsm.StatusSuccess:
			loc = l
		case zsm.StatusRetry:
			runtime.Gosched()
			continue
		case zsm.StatusEvict:
			if err := c.policy.DoEvict(); err != nil {
				c.logger.Warn("foreground eviction failed", "err", err)
			}
			continue
		case zsm.StatusError:
			if err := c.cm.Fail(id); err != nil {
				c.logger.Error("cache map fail during UNDO_MAP", "id", id, "err", err)
			}
			return nil, fmt.Errorf("%w: no zones available for id %d", ErrGetFailed, id)
		}
		break
	}

	data := c.gen(id, randomBuf, geom.ChunkSize)
	if err := c.dev.Write(geom.Offset(loc.Zone, loc.ChunkOffset), geom.ChunkSize, data); err != nil {
		c.zsm.FailedToWrite(loc)
		if ferr := c.cm.Fail(id); ferr != nil {
			c.logger.Error("cache map fail after write failure", "id", id, "err", ferr)
		}
		return nil, fmt.Errorf("%w: write: %v", ErrGetFailed, err)
	}

	c.zsm.ReturnActiveZone(loc)
	c.policy.Update(loc, evictpolicy.Write)
	if err := c.cm.Insert(id, loc); err != nil {
		return nil, fmt.Errorf("%w: insert: %v", ErrGetFailed, err)
	}
	return data, nil
}

// Destroy releases the backing device. The cache holds no other resources
// requiring cleanup (spec.md Non-goals: no durability/crash-recovery state
// to flush).
func (c *Cache) Destroy() error {
	return c.dev.Close()
}

// HitRatio returns hits / (hits + misses) across the cache's lifetime.
func (c *Cache) HitRatio() float64 { return c.cm.HitRatio() }

// Stats is the read-only snapshot consumed by the profiler sink
// (internal/zncprof).
type Stats struct {
	HitRatio  float64
	FreeZones int
	FreeChunks int
}

// CollectStats returns a point-in-time snapshot for observability.
func (c *Cache) CollectStats() Stats {
	return Stats{
		HitRatio:   c.cm.HitRatio(),
		FreeZones:  c.zsm.GetNumFreeZones(),
		FreeChunks: c.zsm.GetNumFreeChunks(),
	}
}

// ValidatePayload re-reads the chunk at loc and confirms its header matches
// id, per spec.md §6's validator contract.
func (c *Cache) ValidatePayload(loc zsm.Location, id uint32) error {
	geom := c.dev.Geometry()
	buf := make([]byte, geom.ChunkSize)
	if err := c.dev.Read(geom.Offset(loc.Zone, loc.ChunkOffset), geom.ChunkSize, buf); err != nil {
		return fmt.Errorf("cachecore: validate read: %w", err)
	}
	return format.Validate(buf, id)
}
