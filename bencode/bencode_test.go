package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeScalars(t *testing.T) {
	v, n, err := Decode([]byte("i42e"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, Int64(42), v)

	v, n, err = Decode([]byte("5:hello"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, String("hello"), v)
}

func TestDecodeNegativeZeroRejected(t *testing.T) {
	_, _, err := Decode([]byte("i-0e"))
	require.Error(t, err)
}

func TestDecodeLeadingZeroRejected(t *testing.T) {
	_, _, err := Decode([]byte("i03e"))
	require.Error(t, err)
}

func TestDecodeListAndDict(t *testing.T) {
	v, _, err := Decode([]byte("li1e1:ae"))
	require.NoError(t, err)
	assert.Equal(t, List([]Value{Int64(1), String("a")}), v)

	v, _, err = Decode([]byte("d1:ai1e1:bi2ee"))
	require.NoError(t, err)
	assert.Equal(t, Dict(map[string]Value{"a": Int64(1), "b": Int64(2)}), v)
}

func TestDecodeTruncatedInput(t *testing.T) {
	cases := []string{"i42", "5:hel", "l1:a", "d1:a", "li1e"}
	for _, c := range cases {
		_, _, err := Decode([]byte(c))
		assert.Error(t, err, c)
	}
}

func TestDecodeNonStringKeyRejected(t *testing.T) {
	_, _, err := Decode([]byte("di1ei2ee"))
	require.Error(t, err)
}

func TestEncodeOrdersDictKeys(t *testing.T) {
	v := Dict(map[string]Value{"z": Int64(1), "a": Int64(2), "m": Int64(3)})
	got := Encode(v)
	assert.Equal(t, "d1:ai2e1:mi3e1:zi1ee", string(got))
}

func TestEncodeZeroIntAndEmptyString(t *testing.T) {
	// regression: a naive Go zero-value sentinel encoder would drop these
	assert.Equal(t, "i0e", string(Encode(Int64(0))))
	assert.Equal(t, "0:", string(Encode(String(""))))
}

func TestRoundTripDecodeEncode(t *testing.T) {
	inputs := []string{
		"i42e",
		"i-17e",
		"i0e",
		"5:hello",
		"0:",
		"li1e1:ae",
		"d1:ai1e1:bi2ee",
		"d4:infod6:lengthi1048576e4:name5:x.isoee",
	}
	for _, in := range inputs {
		v, err := DecodeAll([]byte(in))
		require.NoError(t, err, in)
		out := Encode(v)
		assert.Equal(t, in, string(out))
	}
}

func TestEncodeDecodeValueRoundTrip(t *testing.T) {
	v := Dict(map[string]Value{
		"a": Int64(7),
		"b": List([]Value{String("x"), Int64(-3)}),
	})
	encoded := Encode(v)
	decoded, err := DecodeAll(encoded)
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}
