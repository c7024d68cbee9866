package mmio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wire(schema, tag uint16, payload ...byte) []byte {
	b := binary.LittleEndian.AppendUint16(nil, schema)
	b = binary.LittleEndian.AppendUint16(b, tag)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(payload)))
	return append(b, payload...)
}

func TestDeviceTypeRoundTrip(t *testing.T) {
	for _, d := range []DeviceType{Virtio(0), Virtio(1), Virtio(0xffffffff), Serial, Rtc, BootTimer} {
		buf, err := Encode(d)
		require.NoError(t, err, d.String())

		got, n, err := Decode(buf)
		require.NoError(t, err, d.String())
		assert.Equal(t, d, got)
		assert.Equal(t, len(buf), n)
	}
}

func TestEncodeIsCanonical(t *testing.T) {
	buf, err := Encode(Virtio(2))
	require.NoError(t, err)
	assert.Equal(t, wire(CurrentSchema, 1, 2, 0, 0, 0), buf)

	again, err := Encode(Virtio(2))
	require.NoError(t, err)
	assert.Equal(t, buf, again)
	assert.Equal(t, Virtio(2).Hash(), Virtio(2).Hash())
	assert.NotEqual(t, Virtio(2).Hash(), Virtio(3).Hash())
	assert.NotEqual(t, Serial.Hash(), Rtc.Hash())
}

func TestEncodeRejectsUnrecognized(t *testing.T) {
	_, err := Encode(DeviceType{Kind: KindUnrecognized, ID: 12})
	assert.ErrorIs(t, err, ErrUnknownDeviceVariant)
}

func TestDecodeOlderSchema(t *testing.T) {
	d, _, err := Decode(wire(1, 1, 5, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, Virtio(5), d)

	d, _, err = Decode(wire(1, 2))
	require.NoError(t, err)
	assert.Equal(t, BootTimer, d)

	// Serial did not exist in schema 1.
	d, _, err = Decode(wire(1, 3))
	require.NoError(t, err)
	assert.Equal(t, DeviceType{Kind: KindUnrecognized, ID: 3}, d)
}

func TestDecodeFutureVariant(t *testing.T) {
	d, n, err := Decode(wire(CurrentSchema+1, 9, 0xde, 0xad))
	require.NoError(t, err)
	assert.Equal(t, KindUnrecognized, d.Kind)
	assert.Equal(t, uint32(9), d.ID)
	assert.False(t, d.Recognized())
	assert.Equal(t, 8, n)

	// Known tags keep their meaning in later schemas even with a longer payload.
	d, _, err = Decode(wire(CurrentSchema+3, 1, 4, 0, 0, 0, 0xff, 0xff))
	require.NoError(t, err)
	assert.Equal(t, Virtio(4), d)

	d, _, err = Decode(wire(CurrentSchema, 200))
	require.NoError(t, err)
	assert.Equal(t, DeviceType{Kind: KindUnrecognized, ID: 200}, d)
}

func TestDecodeMalformed(t *testing.T) {
	for name, buf := range map[string][]byte{
		"empty":            nil,
		"short header":     {2, 0, 1},
		"truncated":        wire(2, 1, 1, 0, 0, 0)[:8],
		"reserved tag":     wire(2, 0),
		"schema zero":      wire(0, 1, 1, 0, 0, 0),
		"short virtio":     wire(2, 1, 1, 0),
		"long virtio":      wire(2, 1, 1, 0, 0, 0, 0),
		"serial payload":   wire(2, 3, 1),
		"future short vio": wire(9, 1, 1),
	} {
		_, _, err := Decode(buf)
		assert.ErrorIs(t, err, ErrMalformedDeviceType, name)
	}
}

func TestDecodeSequence(t *testing.T) {
	var buf []byte
	var err error
	want := []DeviceType{Serial, Virtio(3), BootTimer}
	for _, d := range want {
		buf, err = DefaultRegistry.AppendEncode(buf, d)
		require.NoError(t, err)
	}

	var got []DeviceType
	for len(buf) > 0 {
		d, n, err := Decode(buf)
		require.NoError(t, err)
		got = append(got, d)
		buf = buf[n:]
	}
	assert.Equal(t, want, got)
}

func TestRegistrySchemas(t *testing.T) {
	assert.Equal(t, []uint16{1, 2}, DefaultRegistry.Schemas())
}
