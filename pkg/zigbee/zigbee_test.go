package zigbee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIEEERoundTrip(t *testing.T) {
	addr := [8]byte{0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0x00}
	s := FormatIEEE(addr)
	assert.Equal(t, "00:11:22:33:44:55:66:77", s)

	parsed, err := ParseIEEE(s)
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)
}

func TestParseIEEESpellings(t *testing.T) {
	want, err := ParseIEEE("00:11:22:33:44:55:66:77")
	require.NoError(t, err)

	for _, spelling := range []string{
		"0011223344556677",
		"00-11-22-33-44-55-66-77",
		"00:11:22:33:44:55:66:77",
		"  00:11:22:33:44:55:66:77 ",
	} {
		got, err := ParseIEEE(spelling)
		require.NoError(t, err, spelling)
		assert.Equal(t, want, got, spelling)
	}

	_, err = ParseIEEE("not-an-address")
	assert.Error(t, err)
}

func TestParseNodeDescRsp(t *testing.T) {
	payload := []byte{
		0x00,       // status
		0x34, 0x12, // nwk
		0x01,       // logical type: router
		0x40,       // aps flags / frequency band
		0x8E,       // mac capability: mains powered, rx on idle
		0x5F, 0x11, // manufacturer 0x115F
		0x52,       // max buffer
		0x80, 0x00, // max incoming
		0x00, 0x2C, // server mask
		0x80, 0x00, // max outgoing
		0x00, // descriptor capability
	}
	nd, err := ParseNodeDescRsp(payload)
	require.NoError(t, err)
	assert.Equal(t, "Router", nd.Role())
	assert.True(t, nd.IsMainsPowered())
	assert.Equal(t, uint16(0x115F), nd.ManufacturerID)
}

func TestParseActiveEPRsp(t *testing.T) {
	payload := []byte{0x00, 0x34, 0x12, 0x02, 0x01, 0x02}
	eps, err := ParseActiveEPRsp(payload)
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2}, eps)

	_, err = ParseActiveEPRsp([]byte{0x80, 0x34, 0x12, 0x00})
	assert.Error(t, err)
}

func TestParseSimpleDescRsp(t *testing.T) {
	payload := []byte{
		0x00,       // status
		0x34, 0x12, // nwk
		0x0E,       // length
		0x01,       // endpoint
		0x04, 0x01, // profile HA
		0x00, 0x01, // device id
		0x00,       // version
		0x02,       // input cluster count
		0x00, 0x00, // Basic
		0x06, 0x00, // OnOff
		0x01,       // output cluster count
		0x19, 0x00, // OTA
	}
	sd, err := ParseSimpleDescRsp(payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), sd.Endpoint)
	assert.Equal(t, uint16(0x0104), sd.ProfileID)
	assert.Equal(t, []uint16{0x0000, 0x0006}, sd.InputClusters)
	assert.Equal(t, []uint16{0x0019}, sd.OutputClusters)
}

func TestParseMgmtLqiRsp(t *testing.T) {
	entry := make([]byte, 22)
	// ext pan id (8) then ieee (8)
	copy(entry[8:16], []byte{0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0x00})
	entry[16] = 0x34 // nwk lo
	entry[17] = 0x12 // nwk hi
	entry[18] = 0x01 // device type router
	entry[20] = 0x02 // depth
	entry[21] = 0xB4 // lqi 180

	payload := append([]byte{0x00, 0x01, 0x00, 0x01}, entry...)
	neighbors, err := ParseMgmtLqiRsp(payload)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, "00:11:22:33:44:55:66:77", neighbors[0].IEEE)
	assert.Equal(t, uint16(0x1234), neighbors[0].NodeID)
	assert.Equal(t, uint8(180), neighbors[0].LQI)
}

func TestCRCCCITT(t *testing.T) {
	// The ASH RST frame 0xC0 has the well-known CRC 0x38BC.
	assert.Equal(t, uint16(0x38BC), crcCCITT([]byte{0xC0}))
}

func TestASHStuffingRoundTrip(t *testing.T) {
	raw := []byte{0x7E, 0x11, 0x13, 0x7D, 0x42, 0x1A}
	stuffed := ashStuff(raw)
	assert.NotContains(t, stuffed[:len(stuffed)], byte(0x7E))
	assert.Equal(t, raw, ashUnstuff(stuffed))
}

func TestZNPFCS(t *testing.T) {
	// XOR over len + cmd + data
	assert.Equal(t, uint8(0x20^0x01), znpFCS([]byte{0x00, 0x20, 0x01}))
}

func TestTuningForDeviceCount(t *testing.T) {
	assert.Equal(t, TuningStandard, TuningForDeviceCount(5))
	assert.Equal(t, TuningPro, TuningForDeviceCount(30))
	assert.Equal(t, TuningLarge, TuningForDeviceCount(80))
}

func TestLqiToRSSI(t *testing.T) {
	assert.Equal(t, int8(-100), lqiToRSSI(0))
	assert.Equal(t, int8(-30), lqiToRSSI(255))
}
