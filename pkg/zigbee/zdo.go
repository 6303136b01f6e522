package zigbee

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// ZDO cluster IDs. Responses carry the request cluster with bit 15 set.
const (
	ZDONwkAddrReq     uint16 = 0x0000
	ZDOIEEEAddrReq    uint16 = 0x0001
	ZDONodeDescReq    uint16 = 0x0002
	ZDOSimpleDescReq  uint16 = 0x0004
	ZDOActiveEPReq    uint16 = 0x0005
	ZDODeviceAnnce    uint16 = 0x0013
	ZDOBindReq        uint16 = 0x0021
	ZDOUnbindReq      uint16 = 0x0022
	ZDOMgmtLqiReq     uint16 = 0x0031
	ZDOMgmtLeaveReq   uint16 = 0x0034
	ZDOMgmtPermitJoin uint16 = 0x0036

	// ZDOResponseBit converts a request cluster into its response cluster.
	ZDOResponseBit uint16 = 0x8000
)

var (
	zdoSeqMu sync.Mutex
	zdoSeq   uint8
)

// NextZDOSeq returns the next ZDO transaction sequence number.
func NextZDOSeq() uint8 {
	zdoSeqMu.Lock()
	defer zdoSeqMu.Unlock()
	zdoSeq++
	return zdoSeq
}

// NodeDescriptor is the parsed ZDO node descriptor.
type NodeDescriptor struct {
	LogicalType     uint8 // 0 coordinator, 1 router, 2 end device
	ManufacturerID  uint16
	MaxBufferSize   uint8
	MaxIncomingSize uint16
	MaxOutgoingSize uint16
	MacCapability   uint8
}

// IsMainsPowered reports whether the MAC capability flags indicate AC power.
func (d NodeDescriptor) IsMainsPowered() bool {
	return d.MacCapability&0x04 != 0
}

// Role maps the logical type to its device role name.
func (d NodeDescriptor) Role() string {
	switch d.LogicalType {
	case 0:
		return "Coordinator"
	case 1:
		return "Router"
	default:
		return "EndDevice"
	}
}

// SimpleDescriptor is a parsed ZDO simple descriptor for one endpoint.
type SimpleDescriptor struct {
	Endpoint       uint8
	ProfileID      uint16
	DeviceID       uint16
	InputClusters  []uint16
	OutputClusters []uint16
}

// BuildNodeDescReq builds a Node_Desc_req payload (without the ZDO sequence).
func BuildNodeDescReq(nwk uint16) []byte {
	return []byte{byte(nwk), byte(nwk >> 8)}
}

// BuildActiveEPReq builds an Active_EP_req payload.
func BuildActiveEPReq(nwk uint16) []byte {
	return []byte{byte(nwk), byte(nwk >> 8)}
}

// BuildSimpleDescReq builds a Simple_Desc_req payload.
func BuildSimpleDescReq(nwk uint16, endpoint uint8) []byte {
	return []byte{byte(nwk), byte(nwk >> 8), endpoint}
}

// BuildBindReq builds a Bind_req payload binding (srcIEEE, srcEp, cluster) to
// the destination's endpoint 1.
func BuildBindReq(srcIEEE [8]byte, srcEp uint8, cluster uint16, dstIEEE [8]byte) []byte {
	out := make([]byte, 0, 21)
	out = append(out, srcIEEE[:]...)
	out = append(out, srcEp)
	out = append(out, byte(cluster), byte(cluster>>8))
	out = append(out, 0x03) // unicast IEEE addressing
	out = append(out, dstIEEE[:]...)
	out = append(out, 0x01)
	return out
}

// BuildMgmtLqiReq builds a Mgmt_Lqi_req payload for the given start index.
func BuildMgmtLqiReq(startIndex uint8) []byte {
	return []byte{startIndex}
}

// BuildMgmtLeaveReq builds a Mgmt_Leave_req payload for the given device.
func BuildMgmtLeaveReq(ieee [8]byte) []byte {
	out := make([]byte, 0, 9)
	out = append(out, ieee[:]...)
	out = append(out, 0x00) // no rejoin, don't remove children
	return out
}

// BuildMgmtPermitJoinReq builds a Mgmt_Permit_Joining_req payload.
func BuildMgmtPermitJoinReq(duration uint8) []byte {
	return []byte{duration, 0x01} // TC significance
}

// ParseNodeDescRsp parses a Node_Desc_rsp payload (after the ZDO sequence byte).
func ParseNodeDescRsp(data []byte) (*NodeDescriptor, error) {
	// status(1) + nwk(2) + node descriptor(13)
	if len(data) < 1 || data[0] != 0x00 {
		return nil, fmt.Errorf("node descriptor request failed")
	}
	if len(data) < 12 {
		return nil, fmt.Errorf("node descriptor response too short: %d bytes", len(data))
	}
	d := data[3:]
	nd := &NodeDescriptor{
		LogicalType:    d[0] & 0x07,
		MacCapability:  d[2],
		ManufacturerID: binary.LittleEndian.Uint16(d[3:5]),
		MaxBufferSize:  d[5],
	}
	if len(d) >= 8 {
		nd.MaxIncomingSize = binary.LittleEndian.Uint16(d[6:8])
	}
	return nd, nil
}

// ParseActiveEPRsp parses an Active_EP_rsp payload.
func ParseActiveEPRsp(data []byte) ([]uint8, error) {
	if len(data) < 4 || data[0] != 0x00 {
		return nil, fmt.Errorf("active endpoints request failed")
	}
	count := int(data[3])
	if len(data) < 4+count {
		return nil, fmt.Errorf("active endpoints response truncated")
	}
	eps := make([]uint8, count)
	copy(eps, data[4:4+count])
	return eps, nil
}

// ParseSimpleDescRsp parses a Simple_Desc_rsp payload.
func ParseSimpleDescRsp(data []byte) (*SimpleDescriptor, error) {
	// status(1) + nwk(2) + length(1) + descriptor
	if len(data) < 4 || data[0] != 0x00 {
		return nil, fmt.Errorf("simple descriptor request failed")
	}
	d := data[4:]
	if len(d) < 8 {
		return nil, fmt.Errorf("simple descriptor too short: %d bytes", len(d))
	}
	sd := &SimpleDescriptor{
		Endpoint:  d[0],
		ProfileID: binary.LittleEndian.Uint16(d[1:3]),
		DeviceID:  binary.LittleEndian.Uint16(d[3:5]),
	}
	inCount := int(d[6])
	offset := 7
	if len(d) < offset+inCount*2+1 {
		return nil, fmt.Errorf("simple descriptor input clusters truncated")
	}
	for i := 0; i < inCount; i++ {
		sd.InputClusters = append(sd.InputClusters, binary.LittleEndian.Uint16(d[offset:]))
		offset += 2
	}
	outCount := int(d[offset])
	offset++
	if len(d) < offset+outCount*2 {
		return nil, fmt.Errorf("simple descriptor output clusters truncated")
	}
	for i := 0; i < outCount; i++ {
		sd.OutputClusters = append(sd.OutputClusters, binary.LittleEndian.Uint16(d[offset:]))
		offset += 2
	}
	return sd, nil
}

// ZDOTransport is the slice of the radio needed for ZDO helpers.
type ZDOTransport interface {
	ZDORequest(ctx context.Context, nwk uint16, cluster uint16, payload []byte) ([]byte, error)
}

// Neighbors pages through a router's neighbor table via Mgmt_Lqi_req until
// every entry has been read.
func Neighbors(ctx context.Context, r ZDOTransport, nwk uint16) ([]Neighbor, error) {
	var out []Neighbor
	start := uint8(0)
	for {
		resp, err := r.ZDORequest(ctx, nwk, ZDOMgmtLqiReq, BuildMgmtLqiReq(start))
		if err != nil {
			return out, err
		}
		entries, err := ParseMgmtLqiRsp(resp)
		if err != nil {
			return out, err
		}
		out = append(out, entries...)
		if len(resp) < 2 {
			break
		}
		total := int(resp[1])
		if len(entries) == 0 || len(out) >= total {
			break
		}
		start += uint8(len(entries))
	}
	return out, nil
}

// ParseMgmtLqiRsp parses a Mgmt_Lqi_rsp payload into neighbor entries.
func ParseMgmtLqiRsp(data []byte) ([]Neighbor, error) {
	// status(1) + total(1) + startIndex(1) + count(1) + entries(22 each)
	if len(data) < 4 || data[0] != 0x00 {
		return nil, fmt.Errorf("Mgmt_Lqi_req failed")
	}
	count := int(data[3])
	entries := data[4:]
	var out []Neighbor
	for i := 0; i < count; i++ {
		off := i * 22
		if len(entries) < off+22 {
			break
		}
		e := entries[off : off+22]
		var ieee [8]byte
		copy(ieee[:], e[8:16])
		out = append(out, Neighbor{
			IEEE:         FormatIEEE(ieee),
			NodeID:       binary.LittleEndian.Uint16(e[16:18]),
			DeviceType:   e[18] & 0x03,
			Relationship: (e[18] >> 4) & 0x07,
			Depth:        e[20],
			LQI:          e[21],
		})
	}
	return out, nil
}
