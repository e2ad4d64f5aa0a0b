package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfStringIsStable(t *testing.T) {
	a := OfString("task.parse")
	b := OfString("task.parse")
	assert.Equal(t, a, b, "identical keys must fingerprint identically")
	assert.NotEqual(t, a, OfString("task.parsed"))
	assert.False(t, a.IsZero())
}

func TestCombineIsOrderSensitive(t *testing.T) {
	a := OfString("a")
	b := OfString("b")
	assert.NotEqual(t, Combine(a, b), Combine(b, a))
	assert.Equal(t, Combine(a, b), Combine(a, b))
}

func TestBytesRoundTrip(t *testing.T) {
	f := OfString("round-trip")
	assert.Equal(t, f, FromBytes(f.Bytes()))
}

func TestStringParseRoundTrip(t *testing.T) {
	f := OfString("hex")
	parsed, err := Parse(f.String())
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("not-hex")
	require.Error(t, err)

	_, err = Parse("abcd")
	require.Error(t, err, "wrong length must be rejected")
}

func TestHasherFraming(t *testing.T) {
	h1 := NewHasher()
	h1.WriteString("ab")
	h1.WriteString("c")

	h2 := NewHasher()
	h2.WriteString("a")
	h2.WriteString("bc")

	assert.NotEqual(t, h1.Finish(), h2.Finish(), "framing must keep boundaries distinct")
}

func TestHasherIsDeterministic(t *testing.T) {
	build := func() Fingerprint {
		h := NewHasher()
		h.WriteUint64(7)
		h.WriteString("key")
		h.WriteFingerprint(OfString("nested"))
		h.WriteBytes([]byte{1, 2, 3})
		return h.Finish()
	}
	assert.Equal(t, build(), build())
}

func TestZeroIsZero(t *testing.T) {
	assert.True(t, Zero.IsZero())
	assert.NotEqual(t, Zero, Of([]byte{}), "hash of empty input is not the zero fingerprint")
}
