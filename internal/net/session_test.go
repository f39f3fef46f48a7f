package net

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarIntRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, 127, 128, 300, 25565, 2097151, 1<<31 - 1, -1} {
		buf := AppendVarInt(nil, v)
		got, n, err := decodeVarInt(buf)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
		assert.Equal(t, len(buf), n)

		r := bytes.NewReader(buf)
		got2, err := readVarInt(r)
		require.NoError(t, err)
		assert.Equal(t, v, got2)
	}
}

func TestVarIntRejectsOverlong(t *testing.T) {
	_, _, err := decodeVarInt([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	assert.Error(t, err)
}

func TestFrameLayout(t *testing.T) {
	frame := Frame(0x11, []byte{1, 2, 3})

	length, n, err := decodeVarInt(frame)
	require.NoError(t, err)
	assert.Equal(t, int32(len(frame)-n), length)

	packetID, m, err := decodeVarInt(frame[n:])
	require.NoError(t, err)
	assert.Equal(t, int32(0x11), packetID)
	assert.Equal(t, []byte{1, 2, 3}, frame[n+m:])
}
