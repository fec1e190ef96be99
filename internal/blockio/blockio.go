// Package blockio is the C1 component: the block I/O adapter contract
// between the cache core and whatever backs it — a real sequential-write
// zoned device or, for development and the test suite, a conventional file
// that the adapter disciplines into the same append-only-per-zone shape.
//
// The device driver itself is an external collaborator (spec.md §1): this
// package only specifies and implements the narrow contract the core
// depends on (aligned positional read/write, zone reset, write-pointer
// reconciliation; there is no zone-finish operation), grounded on the positional-I/O and flock
// discipline in _examples/kluzzebass-gastrolog's chunk/file.Manager and the
// pread/mmap handling in _examples/SnellerInc-sneller's tenant/dcache
// package, using golang.org/x/sys/unix for the actual syscalls the way both
// of those do.
package blockio

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnramsden/zncache/internal/logging"
)

// Geometry describes the static layout of the backing device: zone size,
// how much of each zone is usable, chunk size, and the device's I/O
// alignment. All of chunk size, zone capacity, and I/O sizes must be
// multiples of Alignment (spec.md §6).
type Geometry struct {
	ZoneSize    uint64 // bytes per zone, including any non-addressable reserve
	ZoneCap     uint64 // usable bytes per zone (zone_capacity)
	ChunkSize   uint64 // bytes per chunk
	Alignment   uint64 // device alignment, typically 4 KiB
	NumZones    uint32
	MaxActive   uint32 // device-reported active-zone budget, 0 if unspecified
}

// ChunksPerZone returns zone_capacity / chunk_size.
func (g Geometry) ChunksPerZone() uint32 {
	return uint32(g.ZoneCap / g.ChunkSize)
}

// Offset returns the byte offset of chunk_offset within zone, per spec.md
// §6: zone*zone_size + chunk_offset*chunk_size.
func (g Geometry) Offset(zone uint32, chunkOffset uint32) uint64 {
	return uint64(zone)*g.ZoneSize + uint64(chunkOffset)*g.ChunkSize
}

var (
	ErrAlignment   = errors.New("blockio: offset or length not aligned")
	ErrShortIO     = errors.New("blockio: short read/write after retries")
	ErrUnknownZone = errors.New("blockio: unknown zone index")
)

// Retry schedule for partial writes (spec.md §4.1).
const (
	BackoffStart   = 100 * time.Millisecond
	BackoffRetries = 5
)

// Device is the contract the cache core depends on. Implementations must
// be safe for concurrent use by multiple goroutines, each operating on
// different zones; the core never issues concurrent writes to the same
// zone (ZSM serializes zone reservation).
type Device interface {
	// Read completes a full aligned positional read into buf[:length].
	Read(offset, length uint64, buf []byte) error

	// Write appends length bytes from buf at offset. The caller guarantees
	// offset == the zone's current write pointer. On partial write the
	// adapter retries internally per the backoff schedule before failing.
	Write(offset, length uint64, buf []byte) error

	// ResetZone returns zone to empty. Valid only when the zone has no
	// outstanding I/O (enforced by the caller via ZSM/active-reader
	// bookkeeping, not by this interface).
	ResetZone(zone uint32) error

	// ReportWP returns the backing device's notion of the current write
	// pointer for zone, used to reconcile state after a partial write.
	ReportWP(zone uint32) (uint64, error)

	// Geometry returns the static device layout.
	Geometry() Geometry

	// Close releases any resources held by the device.
	Close() error
}

func checkAlignment(geom Geometry, offset, length uint64) error {
	if geom.Alignment == 0 {
		return nil
	}
	if offset%geom.Alignment != 0 || length%geom.Alignment != 0 {
		return fmt.Errorf("%w: offset=%d length=%d alignment=%d", ErrAlignment, offset, length, geom.Alignment)
	}
	return nil
}

// withRetry runs op up to BackoffRetries+1 times, sleeping an exponentially
// doubling backoff (starting at BackoffStart) between attempts. op should
// return nil on success or a retryable short-I/O error otherwise.
func withRetry(logger *slog.Logger, opName string, op func() error) error {
	logger = logging.Default(logger)
	backoff := BackoffStart
	var lastErr error
	for attempt := 0; attempt <= BackoffRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying after short I/O", "op", opName, "attempt", attempt, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrShortIO, lastErr)
}
