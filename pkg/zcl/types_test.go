package zcl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name     string
		dataType uint8
		data     []byte
		want     any
		wantLen  int
	}{
		{"bool true", TypeBool, []byte{0x01}, true, 1},
		{"bool false", TypeBool, []byte{0x00}, false, 1},
		{"uint8", TypeUint8, []byte{0xFE}, uint64(254), 1},
		{"int8 negative", TypeInt8, []byte{0xFF}, int64(-1), 1},
		{"uint16", TypeUint16, []byte{0x34, 0x12}, uint64(0x1234), 2},
		{"int16 negative", TypeInt16, []byte{0x00, 0x80}, int64(-32768), 2},
		{"uint24", TypeUint24, []byte{0x01, 0x02, 0x03}, uint64(0x030201), 3},
		{"int24 negative", TypeInt24, []byte{0xFF, 0xFF, 0xFF}, int64(-1), 3},
		{"uint32", TypeUint32, []byte{0x01, 0x00, 0x00, 0x00}, uint64(1), 4},
		{"char string", TypeCharStr, []byte{0x03, 'a', 'b', 'c'}, "abc", 4},
		{"enum8", TypeEnum8, []byte{0x04}, uint64(4), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n := DecodeValue(tt.dataType, tt.data)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantLen, n)
		})
	}
}

func TestDecodeValueShortBuffer(t *testing.T) {
	_, n := DecodeValue(TypeUint32, []byte{0x01})
	assert.Equal(t, -1, n)
}

func TestParseReportAttributes(t *testing.T) {
	// attr 0x0000, bool, true; attr 0x0010, uint8, 42
	payload := []byte{
		0x00, 0x00, TypeBool, 0x01,
		0x10, 0x00, TypeUint8, 0x2A,
	}
	attrs := ParseReportAttributes(payload)
	require.Len(t, attrs, 2)
	assert.Equal(t, uint16(0x0000), attrs[0].AttrID)
	assert.Equal(t, true, attrs[0].Value)
	assert.Equal(t, uint16(0x0010), attrs[1].AttrID)
	assert.Equal(t, uint64(42), attrs[1].Value)
}

func TestParseReadAttributesResponseSkipsFailures(t *testing.T) {
	// attr 0x0000 status 0x86 (unsupported), attr 0x0001 ok uint16
	payload := []byte{
		0x00, 0x00, 0x86,
		0x01, 0x00, 0x00, TypeUint16, 0x64, 0x00,
	}
	attrs := ParseReadAttributesResponse(payload)
	require.Len(t, attrs, 1)
	assert.Equal(t, uint16(0x0001), attrs[0].AttrID)
	assert.Equal(t, uint64(100), attrs[0].Value)
}

func TestParseFrame(t *testing.T) {
	hdr, payload, err := ParseFrame([]byte{0x18, 0x05, 0x0A, 0xAA, 0xBB})
	require.NoError(t, err)
	assert.True(t, hdr.IsGlobal())
	assert.Equal(t, uint8(0x05), hdr.SeqNumber)
	assert.Equal(t, CmdReportAttributes, hdr.CommandID)
	assert.Equal(t, []byte{0xAA, 0xBB}, payload)
}

func TestParseFrameManufacturerSpecific(t *testing.T) {
	hdr, payload, err := ParseFrame([]byte{0x04 | 0x01, 0x5F, 0x11, 0x07, 0x01, 0xFF})
	require.NoError(t, err)
	assert.True(t, hdr.IsClusterSpecific())
	assert.Equal(t, uint16(0x115F), hdr.ManufacturerCode)
	assert.Equal(t, uint8(0x01), hdr.CommandID)
	assert.Equal(t, []byte{0xFF}, payload)
}

func TestParseFrameTooShort(t *testing.T) {
	_, _, err := ParseFrame([]byte{0x00})
	assert.Error(t, err)
}

func TestBuildConfigureReportingDiscreteOmitsChange(t *testing.T) {
	frame := BuildConfigureReporting(0x0000, TypeBool, 0, 300, 1)
	// header(3) + direction(1) + attr(2) + type(1) + min(2) + max(2), no change
	assert.Len(t, frame, 11)

	frame = BuildConfigureReporting(0x0000, TypeInt16, 30, 300, 50)
	// analog int16 adds a 2-byte change field
	assert.Len(t, frame, 13)
	assert.Equal(t, byte(50), frame[11])
}

func TestEncodeValueWidth(t *testing.T) {
	assert.Equal(t, []byte{0x32, 0x00}, EncodeValue(TypeInt16, 50))
	assert.Equal(t, []byte{0xF4, 0x01}, EncodeValue(TypeUint16, 500))
}
