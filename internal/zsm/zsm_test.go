package zsm

import (
	"path/filepath"
	"testing"

	"github.com/johnramsden/zncache/internal/blockio"
)

func testGeom() blockio.Geometry {
	return blockio.Geometry{
		ZoneSize:  4 * 4096,
		ZoneCap:   4 * 4096,
		ChunkSize: 4096,
		Alignment: 4096,
		NumZones:  3,
		MaxActive: 2,
	}
}

func newTestDevice(t *testing.T) *blockio.FileDevice {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.img")
	dev, err := blockio.NewFileDevice(path, testGeom(), nil)
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestGetActiveZonePromotesFreeZone(t *testing.T) {
	z := New(testGeom(), 2, nil)
	loc, status := z.GetActiveZone()
	if status != StatusSuccess {
		t.Fatalf("status = %v, want Success", status)
	}
	if loc.ChunkOffset != 0 {
		t.Fatalf("chunk offset = %d, want 0", loc.ChunkOffset)
	}
	if z.State(loc.Zone) != StateActive {
		t.Fatalf("zone state = %v, want Active", z.State(loc.Zone))
	}
}

func TestGetActiveZoneFillsBeforePromotingNext(t *testing.T) {
	z := New(testGeom(), 1, nil)
	seen := map[uint32]bool{}
	for i := uint32(0); i < z.ChunksPerZone(); i++ {
		loc, status := z.GetActiveZone()
		if status != StatusSuccess {
			t.Fatalf("iteration %d: status = %v", i, status)
		}
		seen[loc.Zone] = true
		z.ReturnActiveZone(loc)
	}
	if len(seen) != 1 {
		t.Fatalf("expected a single zone to be filled before promoting another, saw %d zones", len(seen))
	}
}

func TestGetActiveZonePromotesNewZoneAfterSealing(t *testing.T) {
	z := New(testGeom(), 1, nil)
	// Fill the one allowed active zone completely so it seals to Full.
	for i := uint32(0); i < z.ChunksPerZone(); i++ {
		loc, status := z.GetActiveZone()
		if status != StatusSuccess {
			t.Fatalf("fill iteration %d: status=%v", i, status)
		}
		z.ReturnActiveZone(loc)
	}
	// The sealed zone freed its budget slot, so the next reservation should
	// promote a fresh Free zone.
	_, status := z.GetActiveZone()
	if status != StatusSuccess {
		t.Fatalf("status = %v, want Success (new zone promotion)", status)
	}
}

func TestGetActiveZoneEvictWhenReservationsOutpaceCompletions(t *testing.T) {
	z := New(testGeom(), 1, nil)
	// Reserve every chunk in the zone without returning any of them, so the
	// zone stays counted against the active budget without sealing.
	for i := uint32(0); i < z.ChunksPerZone(); i++ {
		if _, status := z.GetActiveZone(); status != StatusSuccess {
			t.Fatalf("reservation %d: status=%v", i, status)
		}
	}
	_, status := z.GetActiveZone()
	if status != StatusEvict {
		t.Fatalf("status = %v, want Evict", status)
	}
}

func TestReturnActiveZoneSealsOnLastChunk(t *testing.T) {
	z := New(testGeom(), 1, nil)
	var last Location
	for i := uint32(0); i < z.ChunksPerZone(); i++ {
		loc, status := z.GetActiveZone()
		if status != StatusSuccess {
			t.Fatalf("status = %v", status)
		}
		last = loc
		z.ReturnActiveZone(loc)
	}
	if got := z.State(last.Zone); got != StateFull {
		t.Fatalf("zone state after filling = %v, want Full", got)
	}
}

func TestFailedToWriteRewindsTailWritePointer(t *testing.T) {
	z := New(testGeom(), 1, nil)
	loc, status := z.GetActiveZone()
	if status != StatusSuccess {
		t.Fatalf("status = %v", status)
	}
	z.FailedToWrite(loc)
	if wp := z.WritePointer(loc.Zone); wp != 0 {
		t.Fatalf("write pointer after rewind = %d, want 0", wp)
	}
	// The slot should be reusable.
	loc2, status := z.GetActiveZone()
	if status != StatusSuccess || loc2.ChunkOffset != 0 {
		t.Fatalf("loc2 = %+v status=%v, want offset 0 Success", loc2, status)
	}
}

func TestMarkChunkInvalidDecrementsChunksInUse(t *testing.T) {
	z := New(testGeom(), 1, nil)
	loc, _ := z.GetActiveZone()
	z.ReturnActiveZone(loc)
	if got := z.ChunksInUse(loc.Zone); got != 1 {
		t.Fatalf("chunks in use = %d, want 1", got)
	}
	if err := z.MarkChunkInvalid(loc); err != nil {
		t.Fatalf("MarkChunkInvalid: %v", err)
	}
	if got := z.ChunksInUse(loc.Zone); got != 0 {
		t.Fatalf("chunks in use after invalidate = %d, want 0", got)
	}
}

func TestMarkChunkInvalidTwiceIsPreconditionViolation(t *testing.T) {
	z := New(testGeom(), 1, nil)
	loc, _ := z.GetActiveZone()
	z.ReturnActiveZone(loc)
	if err := z.MarkChunkInvalid(loc); err != nil {
		t.Fatalf("first invalidate: %v", err)
	}
	if err := z.MarkChunkInvalid(loc); err == nil {
		t.Fatalf("expected precondition violation on double invalidate")
	}
}

func TestEvictReturnsZoneToFree(t *testing.T) {
	z := New(testGeom(), 1, nil)
	dev := newTestDevice(t)

	var filled Location
	for i := uint32(0); i < z.ChunksPerZone(); i++ {
		loc, _ := z.GetActiveZone()
		filled = loc
		z.ReturnActiveZone(loc)
	}
	if err := z.Evict(filled.Zone, dev); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if got := z.State(filled.Zone); got != StateFree {
		t.Fatalf("state after evict = %v, want Free", got)
	}
	if got := z.GetNumFreeZones(); got == 0 {
		t.Fatalf("expected at least one free zone after evict")
	}
}

func TestEvictOnNonFullZonePanics(t *testing.T) {
	z := New(testGeom(), 1, nil)
	dev := newTestDevice(t)
	loc, _ := z.GetActiveZone()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic evicting an Active zone")
		}
	}()
	z.Evict(loc.Zone, dev)
}

func TestEvictAndWritePromotesDirectlyToActive(t *testing.T) {
	z := New(testGeom(), 1, nil)
	dev := newTestDevice(t)

	var filled Location
	for i := uint32(0); i < z.ChunksPerZone(); i++ {
		loc, _ := z.GetActiveZone()
		filled = loc
		z.ReturnActiveZone(loc)
	}
	if err := z.EvictAndWrite(filled.Zone, dev); err != nil {
		t.Fatalf("EvictAndWrite: %v", err)
	}
	if got := z.State(filled.Zone); got != StateActive {
		t.Fatalf("state after evict-and-write = %v, want Active", got)
	}
	offset, err := z.ReserveChunk(filled.Zone)
	if err != nil {
		t.Fatalf("ReserveChunk: %v", err)
	}
	if offset != 0 {
		t.Fatalf("reserved offset = %d, want 0", offset)
	}
}

func TestGetNumFreeChunksAccountsForPartialZones(t *testing.T) {
	z := New(testGeom(), 1, nil)
	total := int(z.ChunksPerZone()) * int(z.NumZones())
	if got := z.GetNumFreeChunks(); got != total {
		t.Fatalf("free chunks before any writes = %d, want %d", got, total)
	}
	loc, _ := z.GetActiveZone()
	z.ReturnActiveZone(loc)
	if got := z.GetNumFreeChunks(); got != total-1 {
		t.Fatalf("free chunks after one write = %d, want %d", got, total-1)
	}
}

func TestValidChunksSortedAscending(t *testing.T) {
	z := New(testGeom(), 1, nil)
	var zone uint32
	for i := uint32(0); i < z.ChunksPerZone(); i++ {
		loc, _ := z.GetActiveZone()
		zone = loc.Zone
		z.ReturnActiveZone(loc)
	}
	valid := z.ValidChunks(zone)
	for i, off := range valid {
		if off != uint32(i) {
			t.Fatalf("valid chunks = %v, want ascending 0..n", valid)
		}
	}
}
