package evictpolicy

import (
	"path/filepath"
	"testing"

	"github.com/johnramsden/zncache/internal/blockio"
	"github.com/johnramsden/zncache/internal/cachemap"
	"github.com/johnramsden/zncache/internal/chunkqueue"
	"github.com/johnramsden/zncache/internal/format"
	"github.com/johnramsden/zncache/internal/zsm"
)

func testGeom() blockio.Geometry {
	return blockio.Geometry{
		ZoneSize:  4 * 4096,
		ZoneCap:   4 * 4096,
		ChunkSize: 4096,
		Alignment: 4096,
		NumZones:  4,
		MaxActive: 1,
	}
}

func newHarness(t *testing.T) (*blockio.FileDevice, *zsm.ZSM, *cachemap.CacheMap) {
	t.Helper()
	geom := testGeom()
	path := filepath.Join(t.TempDir(), "device.img")
	dev, err := blockio.NewFileDevice(path, geom, nil)
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	z := zsm.New(geom, geom.MaxActive, nil)
	readers := cachemap.NewReaderCounts(geom.NumZones)
	cm := cachemap.New(readers, nil)
	return dev, z, cm
}

func writeID(t *testing.T, dev *blockio.FileDevice, z *zsm.ZSM, cm *cachemap.CacheMap, id uint32) zsm.Location {
	t.Helper()
	loc, status := z.GetActiveZone()
	if status != zsm.StatusSuccess {
		t.Fatalf("GetActiveZone for id %d: status=%v", id, status)
	}
	buf := make([]byte, dev.Geometry().ChunkSize)
	format.EncodeInto(buf, id)
	if err := dev.Write(dev.Geometry().Offset(loc.Zone, loc.ChunkOffset), dev.Geometry().ChunkSize, buf); err != nil {
		t.Fatalf("Write id %d: %v", id, err)
	}
	z.ReturnActiveZone(loc)
	cm.Find(id)
	if err := cm.Insert(id, loc); err != nil {
		t.Fatalf("Insert id %d: %v", id, err)
	}
	return loc
}

func TestPromoteZonePolicyEvictsLRUZone(t *testing.T) {
	dev, z, cm := newHarness(t)
	// Filling one zone leaves NumZones-1 zones free, so the free-zone
	// watermark must be NumZones for DoEvict to have a zone to reclaim.
	policy := NewPromoteZonePolicy(z, cm, dev, z.NumZones(), nil)
	policy.SetReaderCountFunc(func(uint32) int32 { return 0 })

	var firstZone uint32
	for id := uint32(0); id < z.ChunksPerZone(); id++ {
		loc := writeID(t, dev, z, cm, id)
		policy.Update(loc, Write)
		firstZone = loc.Zone
	}

	if err := policy.DoEvict(); err != nil {
		t.Fatalf("DoEvict: %v", err)
	}
	if got := z.State(firstZone); got != zsm.StateFree {
		t.Fatalf("zone state after evict = %v, want Free", got)
	}
}

func TestChunkPolicyInvalidatesDownToLowWatermark(t *testing.T) {
	dev, z, cm := newHarness(t)
	cq := chunkqueue.New(z.ChunksPerZone())
	// A tight synthetic total-chunks budget (independent of the device's
	// real capacity) so filling a single zone already exceeds the high
	// watermark and DoEvict's invalidate-down-to-low-watermark step runs.
	const totalChunks = 4
	policy := NewChunkPolicy(cq, z, cm, dev, 2, 2, 0, totalChunks, nil)
	policy.SetReaderCountFunc(func(uint32) int32 { return 0 })

	var zone uint32
	for id := uint32(0); id < z.ChunksPerZone(); id++ {
		loc := writeID(t, dev, z, cm, id)
		policy.Update(loc, Write)
		zone = loc.Zone
	}

	if err := policy.DoEvict(); err != nil {
		t.Fatalf("DoEvict: %v", err)
	}
	if got := cq.Len(); got != 2 {
		t.Fatalf("lru len after DoEvict = %d, want 2 (invalidated down to low watermark)", got)
	}
	if got := z.ChunksInUse(zone); got != 2 {
		t.Fatalf("chunks in use after DoEvict = %d, want 2", got)
	}
}

func TestChunkPolicyGCCompactionUnderTightBudget(t *testing.T) {
	// Mirrors the "GC compaction under tight zone budget" scenario: 4
	// zones x 4 chunks, max_active_zones=1, fill all 4 zones (the first
	// filled zone's chunks are the oldest in the global LRU; ZSM hands out
	// free zones from the top of its free stack, so this is not zone 0),
	// invalidate its two oldest chunks via the same invalidate-latest-chunk
	// primitive DoEvict itself uses, force GC, and expect that zone
	// compacted in place to hold the two survivors at offsets {0,1}.
	dev, z, cm := newHarness(t)
	cq := chunkqueue.New(z.ChunksPerZone())
	totalChunks := z.ChunksPerZone() * z.NumZones()
	policy := NewChunkPolicy(cq, z, cm, dev, 1, 1, z.NumZones(), totalChunks, nil)
	policy.SetReaderCountFunc(func(uint32) int32 { return 0 })

	id := uint32(0)
	var oldest uint32
	for zoneFill := uint32(0); zoneFill < z.NumZones(); zoneFill++ {
		for chunk := uint32(0); chunk < z.ChunksPerZone(); chunk++ {
			loc := writeID(t, dev, z, cm, id)
			policy.Update(loc, Write)
			if id == 0 {
				oldest = loc.Zone
			}
			id++
		}
	}

	// Invalidate the two oldest chunks in the LRU — offsets 0 and 1 of the
	// zone that was filled first — leaving offsets {2,3} live.
	for i := 0; i < 2; i++ {
		loc, ok := cq.InvalidateLatestChunk()
		if !ok {
			t.Fatalf("InvalidateLatestChunk: queue unexpectedly empty")
		}
		if loc.Zone != oldest {
			t.Fatalf("invalidated zone = %d, want %d", loc.Zone, oldest)
		}
		if err := z.MarkChunkInvalid(loc); err != nil {
			t.Fatalf("MarkChunkInvalid: %v", err)
		}
		cm.ClearChunk(loc)
	}

	more, err := policy.gcOnceForTest()
	if err != nil {
		t.Fatalf("gcOnce: %v", err)
	}
	if !more {
		t.Fatalf("gcOnce reported nothing to do")
	}

	if got := z.WritePointer(oldest); got != 2 {
		t.Fatalf("zone %d write pointer after compaction = %d, want 2", oldest, got)
	}
	if got := z.State(oldest); got != zsm.StateActive {
		t.Fatalf("zone %d state after compaction = %v, want Active", oldest, got)
	}
}

// gcOnceForTest exposes gcOnce to the test file within the same package.
func (c *ChunkPolicy) gcOnceForTest() (bool, error) { return c.gcOnce() }
