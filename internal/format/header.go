// Package format provides the on-chunk payload header shared by the
// block I/O adapter and anything that validates what it wrote.
package format

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the number of header bytes prefixed to every chunk payload.
//
// Layout (4 bytes):
//
//	data id (4 bytes, little-endian uint32)
//
// The remaining bytes of the chunk are opaque workload data. See spec.md §6
// "Payload format".
const HeaderSize = 4

var (
	ErrHeaderTooSmall = errors.New("format: payload too small for header")
	ErrIDMismatch     = errors.New("format: decoded data id does not match expected id")
)

// EncodeInto writes id as a little-endian uint32 into the first HeaderSize
// bytes of buf. buf must have length >= HeaderSize.
func EncodeInto(buf []byte, id uint32) {
	binary.LittleEndian.PutUint32(buf[:HeaderSize], id)
}

// Encode returns a HeaderSize-byte header for id.
func Encode(id uint32) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[:], id)
	return buf
}

// Decode reads the data id out of the first HeaderSize bytes of buf.
func Decode(buf []byte) (uint32, error) {
	if len(buf) < HeaderSize {
		return 0, ErrHeaderTooSmall
	}
	return binary.LittleEndian.Uint32(buf[:HeaderSize]), nil
}

// Validate decodes the header in buf and confirms it matches want. This is
// the validator referenced in spec.md §6: "The validator re-reads a chunk
// and compares both."
func Validate(buf []byte, want uint32) error {
	got, err := Decode(buf)
	if err != nil {
		return err
	}
	if got != want {
		return ErrIDMismatch
	}
	return nil
}
