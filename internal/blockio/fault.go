package blockio

import (
	"fmt"
	"sync"

	"github.com/johnramsden/zncache/internal/format"
)

// FaultInjectingDevice wraps a Device and fails writes whose payload's
// data-id header (internal/format) matches a configured id, and/or whose
// zone matches a configured zone. It exists to drive the "elected-writer
// failure" scenario from spec.md §8 (scenario 3) and property P4: exactly
// one writer fails per miss, and the cache map must recover cleanly.
type FaultInjectingDevice struct {
	Device

	mu          sync.Mutex
	failIDs     map[uint32]bool
	failZones   map[uint32]bool
	writeCalls  int
}

// NewFaultInjectingDevice wraps dev; use FailID/FailZone to configure which
// writes should fail.
func NewFaultInjectingDevice(dev Device) *FaultInjectingDevice {
	return &FaultInjectingDevice{
		Device:    dev,
		failIDs:   make(map[uint32]bool),
		failZones: make(map[uint32]bool),
	}
}

// FailID causes any write whose payload header encodes id to fail.
func (d *FaultInjectingDevice) FailID(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failIDs[id] = true
}

// ClearFailID stops failing writes for id, letting a subsequent retry
// succeed.
func (d *FaultInjectingDevice) ClearFailID(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failIDs, id)
}

// FailZone causes any write targeting zone to fail.
func (d *FaultInjectingDevice) FailZone(zone uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failZones[zone] = true
}

// WriteCalls returns the number of Write calls observed so far, including
// injected failures. Used by in-flight-coalescing tests (spec.md §8 scenario
// 2) to assert exactly one underlying write was issued.
func (d *FaultInjectingDevice) WriteCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeCalls
}

func (d *FaultInjectingDevice) Write(offset, length uint64, buf []byte) error {
	d.mu.Lock()
	d.writeCalls++
	d.mu.Unlock()

	zone := uint32(offset / d.Geometry().ZoneSize)
	d.mu.Lock()
	failZone := d.failZones[zone]
	d.mu.Unlock()
	if failZone {
		return fmt.Errorf("blockio: injected fault on zone %d", zone)
	}

	if id, err := format.Decode(buf); err == nil {
		d.mu.Lock()
		fail := d.failIDs[id]
		d.mu.Unlock()
		if fail {
			return fmt.Errorf("blockio: injected fault on id %d", id)
		}
	}

	return d.Device.Write(offset, length, buf)
}

var _ Device = (*FaultInjectingDevice)(nil)
