package name

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	cases := []string{
		".",
		"example.com.",
		"www.example.com.",
		"a.b.c.d.e.f.",
	}
	for _, c := range cases {
		wire, err := Encode(c)
		require.NoError(t, err)

		got, n, err := Decode(wire, 0)
		require.NoError(t, err)
		assert.Equal(t, c, got)
		assert.Equal(t, len(wire), n)
	}
}

func TestEncodeLabelTooLong(t *testing.T) {
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Encode(string(long) + ".com.")
	assert.ErrorIs(t, err, ErrLabelTooLong)
}

func TestEncodeNameTooLong(t *testing.T) {
	// 5 labels of 63 octets plus length octets exceeds 255 wire octets.
	label := make([]byte, 63)
	for i := range label {
		label[i] = 'a'
	}
	name := ""
	for i := 0; i < 5; i++ {
		name += string(label) + "."
	}
	_, err := Encode(name)
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestEscapedLabel(t *testing.T) {
	wire, err := Encode(`a\.b.com.`)
	require.NoError(t, err)
	got, _, err := Decode(wire, 0)
	require.NoError(t, err)
	assert.Equal(t, `a\.b.com.`, got)
}

func TestDecodeCompressionPointer(t *testing.T) {
	// "example.com." at offset 0, then a second name at offset N that is
	// just a pointer back to offset 0.
	base, err := Encode("example.com.")
	require.NoError(t, err)

	buf := append([]byte{}, base...)
	ptrOffset := len(buf)
	buf = append(buf, 0xC0, 0x00) // pointer to offset 0

	got, n, err := Decode(buf, ptrOffset)
	require.NoError(t, err)
	assert.Equal(t, "example.com.", got)
	assert.Equal(t, 2, n, "consumed length only counts the pointer itself")
}

func TestDecodePointerMustPointBackwards(t *testing.T) {
	buf := []byte{0xC0, 0x02, 0x00}
	_, _, err := Decode(buf, 0)
	assert.ErrorIs(t, err, ErrBadPointer)
}

func TestDecodePointerSelfLoop(t *testing.T) {
	// A pointer at offset 2 pointing to itself is rejected because 2 >= 2
	// (not strictly backwards), never reaching the loop-depth counter.
	buf := []byte{0x01, 'a', 0xC0, 0x02}
	_, _, err := Decode(buf, 2)
	assert.ErrorIs(t, err, ErrBadPointer)
}

func TestDecodeTruncated(t *testing.T) {
	buf := []byte{0x03, 'a', 'b'} // claims 3 octets, only 2 present
	_, _, err := Decode(buf, 0)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeReservedLabel(t *testing.T) {
	buf := []byte{0x40, 0x00}
	_, _, err := Decode(buf, 0)
	assert.ErrorIs(t, err, ErrReservedLabel)
}

func Test0x20MaskRoundtrip(t *testing.T) {
	original := "www.example.com."
	randomised, mask, err := Apply0x20(original)
	require.NoError(t, err)
	require.Len(t, mask, len(original))

	// Re-derive the same randomised string from the recorded mask.
	rebuilt := make([]byte, len(original))
	for i := 0; i < len(original); i++ {
		c := original[i]
		if mask[i] {
			c ^= 0x20
		}
		rebuilt[i] = c
	}
	assert.Equal(t, randomised, string(rebuilt))

	assert.True(t, VerifyEcho(randomised, randomised))
	if randomised != original {
		assert.False(t, VerifyEcho(randomised, original))
	}
}

func TestEqualFoldCaseInsensitive(t *testing.T) {
	assert.True(t, EqualFold("WWW.Example.COM.", "www.example.com."))
	assert.False(t, EqualFold("www.example.com.", "www.example.net."))
}
