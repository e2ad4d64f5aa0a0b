// Package fingerprint implements the 128-bit content hashes used as node
// and result identity throughout the engine.
//
// A Fingerprint is stable across process restarts: hashing the same logical
// key twice, in the same or in different runs, yields the identical value.
// This is what lets a keyed node be re-addressed in a later run without
// re-executing its computation.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Fingerprint is a 128-bit content hash.
type Fingerprint struct {
	Hi uint64
	Lo uint64
}

// Zero is the fingerprint of the empty key. Kinds whose logical key is the
// unit value use Zero directly.
var Zero = Fingerprint{}

// Of hashes a byte slice into a Fingerprint.
func Of(data []byte) Fingerprint {
	sum := xxh3.Hash128(data)
	return Fingerprint{Hi: sum.Hi, Lo: sum.Lo}
}

// OfString hashes a string into a Fingerprint.
func OfString(s string) Fingerprint {
	sum := xxh3.HashString128(s)
	return Fingerprint{Hi: sum.Hi, Lo: sum.Lo}
}

// Combine mixes two fingerprints into one. The operation is order-sensitive:
// Combine(a, b) and Combine(b, a) differ.
func Combine(a, b Fingerprint) Fingerprint {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], a.Hi)
	binary.LittleEndian.PutUint64(buf[8:], a.Lo)
	binary.LittleEndian.PutUint64(buf[16:], b.Hi)
	binary.LittleEndian.PutUint64(buf[24:], b.Lo)
	return Of(buf[:])
}

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f.Hi == 0 && f.Lo == 0
}

// Bytes returns the 16-byte little-endian encoding of f.
func (f Fingerprint) Bytes() [16]byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], f.Hi)
	binary.LittleEndian.PutUint64(buf[8:], f.Lo)
	return buf
}

// FromBytes decodes a fingerprint previously produced by Bytes.
func FromBytes(buf [16]byte) Fingerprint {
	return Fingerprint{
		Hi: binary.LittleEndian.Uint64(buf[0:]),
		Lo: binary.LittleEndian.Uint64(buf[8:]),
	}
}

// String returns the canonical hex form, e.g. for cycle diagnostics.
func (f Fingerprint) String() string {
	b := f.Bytes()
	return hex.EncodeToString(b[:])
}

// Parse decodes the canonical hex form produced by String.
func Parse(s string) (Fingerprint, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	if len(raw) != 16 {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint %q: want 16 bytes, got %d", s, len(raw))
	}
	var buf [16]byte
	copy(buf[:], raw)
	return FromBytes(buf), nil
}
