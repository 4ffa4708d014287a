package bdaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	bytes := [6]byte{0x2a, 0x00, 0xaa, 0xbb, 0xcc, 0xdd}
	cases := []struct {
		input   string
		wantErr bool
	}{
		{"2a:00:aa:bb:cc:dd", false},
		{"2a00Aabbccdd", false},
		{"2A:00:00", true},
		{"2A:00:AA:BB:CC:ZZ", true},
		{"2A00aABbcCZz", true},
	}

	for _, c := range cases {
		addr, err := Parse(c.input)
		if c.wantErr {
			assert.Error(t, err, c.input)
			continue
		}
		require.NoError(t, err, c.input)
		assert.Equal(t, bytes, addr.Bytes())
	}
}

func TestDisplayForms(t *testing.T) {
	a := New([6]byte{0x1f, 0x2a, 0x00, 0xcc, 0x22, 0xf1})
	assert.Equal(t, "1f:2a:00:cc:22:f1", a.String())
	assert.Equal(t, "1F:2A:00:CC:22:F1", a.StringUpper())
	assert.Equal(t, "1f2a00cc22f1", a.Flat())
}

func TestUint64RoundTrip(t *testing.T) {
	const hexAddr = uint64(0x00_00_1f_2a_00_cc_22_f1)
	want := New([6]byte{0x1f, 0x2a, 0x00, 0xcc, 0x22, 0xf1})

	got := FromUint64(hexAddr)
	assert.Equal(t, want, got)
	assert.Equal(t, hexAddr, got.Uint64())
}

func TestParseUint64RoundTripProperty(t *testing.T) {
	inputs := []string{"aa:bb:cc:dd:ee:ff", "00:00:00:00:00:00", "ff:ff:ff:ff:ff:ff", "de:ad:be:ef:00:01"}
	for _, in := range inputs {
		addr, err := Parse(in)
		require.NoError(t, err)

		roundTripped, err := Parse(addr.String())
		require.NoError(t, err)
		assert.Equal(t, addr, roundTripped)

		flat, err := Parse(addr.Flat())
		require.NoError(t, err)
		assert.Equal(t, addr, flat)

		assert.Equal(t, addr, FromUint64(addr.Uint64()))
	}
}

func TestIsRandomStatic(t *testing.T) {
	random, err := Parse("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.True(t, random.IsRandomStatic())

	public, err := Parse("c0:4a:96:ea:da:74")
	require.NoError(t, err)
	assert.False(t, public.IsRandomStatic())
}
