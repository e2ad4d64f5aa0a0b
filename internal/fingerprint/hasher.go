package fingerprint

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Hasher accumulates a structured key into a single Fingerprint. Values are
// written with explicit framing so that ("ab", "c") and ("a", "bc") hash
// differently.
type Hasher struct {
	h *xxh3.Hasher
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: xxh3.New()}
}

// WriteString appends a length-framed string to the hash state.
func (h *Hasher) WriteString(s string) {
	h.writeLen(len(s))
	_, _ = h.h.WriteString(s)
}

// WriteBytes appends a length-framed byte slice to the hash state.
func (h *Hasher) WriteBytes(b []byte) {
	h.writeLen(len(b))
	_, _ = h.h.Write(b)
}

// WriteUint64 appends a fixed-width integer to the hash state.
func (h *Hasher) WriteUint64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.h.Write(buf[:])
}

// WriteFingerprint appends an existing fingerprint to the hash state.
func (h *Hasher) WriteFingerprint(f Fingerprint) {
	h.WriteUint64(f.Hi)
	h.WriteUint64(f.Lo)
}

// Finish returns the fingerprint of everything written so far.
func (h *Hasher) Finish() Fingerprint {
	sum := h.h.Sum128()
	return Fingerprint{Hi: sum.Hi, Lo: sum.Lo}
}

func (h *Hasher) writeLen(n int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	_, _ = h.h.Write(buf[:])
}
