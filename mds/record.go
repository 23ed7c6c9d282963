// Package mds implements the metadata store described in spec.md §4.4,
// §4.5, §4.6: a paged, buffered index mapping each committed epoch to
// the segment range and byte offsets holding it.
package mds

import (
	"encoding/binary"

	"github.com/ulysseses/nvwal/epoch"
)

// RecordSize is the fixed, failure-atomic size of an EpochMetadata
// record (spec.md §3: "fixed 64 bytes, failure-atomic size").
const RecordSize = 64

// EpochMetadata describes exactly the byte extent (possibly
// multi-segment) holding one committed epoch.
type EpochMetadata struct {
	EpochID       epoch.Epoch
	FromSegID     uint64
	FromOffset    uint64
	ToSegID       uint64
	ToOffset      uint64
	UserMetadata0 uint64
	UserMetadata1 uint64
}

// Encode serializes m into a RecordSize-byte buffer.
func (m EpochMetadata) Encode(buf []byte) {
	_ = buf[RecordSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.EpochID))
	binary.LittleEndian.PutUint64(buf[8:16], m.FromSegID)
	binary.LittleEndian.PutUint64(buf[16:24], m.FromOffset)
	binary.LittleEndian.PutUint64(buf[24:32], m.ToSegID)
	binary.LittleEndian.PutUint64(buf[32:40], m.ToOffset)
	binary.LittleEndian.PutUint64(buf[40:48], m.UserMetadata0)
	binary.LittleEndian.PutUint64(buf[48:56], m.UserMetadata1)
	// bytes 56:64 reserved/padding, left zero.
}

// DecodeEpochMetadata parses a RecordSize-byte buffer.
func DecodeEpochMetadata(buf []byte) EpochMetadata {
	_ = buf[RecordSize-1]
	return EpochMetadata{
		EpochID:       epoch.Epoch(binary.LittleEndian.Uint64(buf[0:8])),
		FromSegID:     binary.LittleEndian.Uint64(buf[8:16]),
		FromOffset:    binary.LittleEndian.Uint64(buf[16:24]),
		ToSegID:       binary.LittleEndian.Uint64(buf[24:32]),
		ToOffset:      binary.LittleEndian.Uint64(buf[32:40]),
		UserMetadata0: binary.LittleEndian.Uint64(buf[40:48]),
		UserMetadata1: binary.LittleEndian.Uint64(buf[48:56]),
	}
}

// IsZero reports whether m is the zero-value record (an unwritten slot
// read back, e.g. past the end of a torn page).
func (m EpochMetadata) IsZero() bool {
	return m.EpochID == epoch.Invalid && m.FromSegID == 0 && m.ToSegID == 0
}
