package bleuuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromU32(t *testing.T) {
	want, err := Parse("11223344-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	assert.Equal(t, want, FromU32(0x11223344))
}

func TestFromU16(t *testing.T) {
	want, err := Parse("00001122-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	assert.Equal(t, want, FromU16(0x1122))
}

func TestToU16RoundTrip(t *testing.T) {
	u, err := Parse("00001234-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	short, ok := u.ToU16()
	require.True(t, ok)
	assert.Equal(t, FromU16(short), u)
}

func TestToU32RoundTrip(t *testing.T) {
	u, err := Parse("12345678-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	short, ok := u.ToU32()
	require.True(t, ok)
	assert.Equal(t, FromU32(short), u)
}

func TestToU16Fail(t *testing.T) {
	u, err := Parse("12345678-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	_, ok := u.ToU16()
	assert.False(t, ok)

	u2, err := Parse("12340000-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	_, ok = u2.ToU16()
	assert.False(t, ok)

	_, ok = UUID{}.ToU16()
	assert.False(t, ok)
}

func TestToU32Fail(t *testing.T) {
	u, err := Parse("12345678-9000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	_, ok := u.ToU32()
	assert.False(t, ok)

	_, ok = UUID{}.ToU32()
	assert.False(t, ok)
}

func TestShortStringInvariant(t *testing.T) {
	cases := []struct {
		uuid UUID
		want string
	}{
		{FromU16(0x1122), "0x1122"},
		{FromU32(0x11223344), "0x11223344"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.uuid.ShortString())
	}

	longStr := "12345678-9000-1000-8000-00805f9b34fb"
	long, err := Parse(longStr)
	require.NoError(t, err)
	assert.Equal(t, longStr, long.ShortString())
}

func TestParseShortForms(t *testing.T) {
	u, err := Parse("0x1122")
	require.NoError(t, err)
	assert.Equal(t, FromU16(0x1122), u)

	u, err = Parse("0x11223344")
	require.NoError(t, err)
	assert.Equal(t, FromU32(0x11223344), u)
}
