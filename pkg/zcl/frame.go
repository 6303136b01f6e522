package zcl

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ZCL frame types
const (
	FrameTypeGlobal          uint8 = 0x00
	FrameTypeClusterSpecific uint8 = 0x01
)

// ZCL frame control bits
const (
	FrameControlManufacturerSpecific uint8 = 0x04
	FrameControlDirectionServer      uint8 = 0x08
	FrameControlDisableDefaultResp   uint8 = 0x10
)

// ZCL global command IDs
const (
	CmdReadAttributes             uint8 = 0x00
	CmdReadAttributesResponse     uint8 = 0x01
	CmdWriteAttributes            uint8 = 0x02
	CmdWriteAttributesResponse    uint8 = 0x04
	CmdConfigureReporting         uint8 = 0x06
	CmdConfigureReportingResponse uint8 = 0x07
	CmdReportAttributes           uint8 = 0x0A
	CmdDefaultResponse            uint8 = 0x0B
	CmdDiscoverAttributes         uint8 = 0x0C
	CmdDiscoverAttributesResponse uint8 = 0x0D
)

// Header is a parsed ZCL frame header.
type Header struct {
	FrameControl     uint8
	ManufacturerCode uint16
	SeqNumber        uint8
	CommandID        uint8
}

// IsGlobal reports whether the frame carries a global (profile-wide) command.
func (h Header) IsGlobal() bool {
	return h.FrameControl&0x03 == FrameTypeGlobal
}

// IsClusterSpecific reports whether the frame carries a cluster-specific command.
func (h Header) IsClusterSpecific() bool {
	return h.FrameControl&0x03 == FrameTypeClusterSpecific
}

var (
	seqMu      sync.Mutex
	seqCounter uint8
)

// NextSeq returns the next ZCL transaction sequence number.
func NextSeq() uint8 {
	seqMu.Lock()
	defer seqMu.Unlock()
	seqCounter++
	return seqCounter
}

// ParseFrame splits a raw ZCL frame into header and payload.
func ParseFrame(data []byte) (Header, []byte, error) {
	if len(data) < 3 {
		return Header{}, nil, fmt.Errorf("ZCL frame too short: %d bytes", len(data))
	}

	hdr := Header{FrameControl: data[0]}
	offset := 1

	if hdr.FrameControl&FrameControlManufacturerSpecific != 0 {
		if len(data) < 5 {
			return Header{}, nil, fmt.Errorf("manufacturer-specific ZCL frame too short: %d bytes", len(data))
		}
		hdr.ManufacturerCode = binary.LittleEndian.Uint16(data[1:3])
		offset = 3
	}

	hdr.SeqNumber = data[offset]
	hdr.CommandID = data[offset+1]
	return hdr, data[offset+2:], nil
}

// EncodeClusterCommand builds a ZCL cluster-specific command frame.
func EncodeClusterCommand(commandID uint8, payload []byte) []byte {
	frame := make([]byte, 0, 3+len(payload))
	frame = append(frame, FrameTypeClusterSpecific)
	frame = append(frame, NextSeq())
	frame = append(frame, commandID)
	frame = append(frame, payload...)
	return frame
}

// EncodeGlobalCommand builds a ZCL global command frame (e.g. Read Attributes).
func EncodeGlobalCommand(commandID uint8, payload []byte) []byte {
	frame := make([]byte, 0, 3+len(payload))
	frame = append(frame, FrameTypeGlobal)
	frame = append(frame, NextSeq())
	frame = append(frame, commandID)
	frame = append(frame, payload...)
	return frame
}

// EncodeManufacturerCommand builds a manufacturer-specific ZCL frame. Used by the
// Aqara and Sonoff handlers whose clusters gate reads behind a manufacturer code.
func EncodeManufacturerCommand(frameType, commandID uint8, manufacturerCode uint16, payload []byte) []byte {
	frame := make([]byte, 0, 5+len(payload))
	frame = append(frame, frameType|FrameControlManufacturerSpecific)
	frame = append(frame, byte(manufacturerCode), byte(manufacturerCode>>8))
	frame = append(frame, NextSeq())
	frame = append(frame, commandID)
	frame = append(frame, payload...)
	return frame
}

// BuildReadAttributes builds a Read Attributes frame for the given attribute IDs.
func BuildReadAttributes(attrIDs ...uint16) []byte {
	payload := make([]byte, len(attrIDs)*2)
	for i, id := range attrIDs {
		binary.LittleEndian.PutUint16(payload[i*2:], id)
	}
	return EncodeGlobalCommand(CmdReadAttributes, payload)
}

// BuildConfigureReporting builds a Configure Reporting frame for one attribute.
// change is encoded with the width of the attribute's data type; discrete types
// (bool, enum, bitmap) carry no reportable-change field.
func BuildConfigureReporting(attrID uint16, dataType uint8, minInterval, maxInterval uint16, change uint64) []byte {
	payload := make([]byte, 0, 10)
	payload = append(payload, 0x00) // direction: reported
	payload = append(payload, byte(attrID), byte(attrID>>8))
	payload = append(payload, dataType)
	payload = append(payload, byte(minInterval), byte(minInterval>>8))
	payload = append(payload, byte(maxInterval), byte(maxInterval>>8))
	if n := analogValueWidth(dataType); n > 0 {
		for i := 0; i < n; i++ {
			payload = append(payload, byte(change>>(8*i)))
		}
	}
	return EncodeGlobalCommand(CmdConfigureReporting, payload)
}

// BuildWriteAttribute builds a Write Attributes frame for one attribute.
func BuildWriteAttribute(attrID uint16, dataType uint8, value []byte) []byte {
	payload := make([]byte, 0, 3+len(value))
	payload = append(payload, byte(attrID), byte(attrID>>8))
	payload = append(payload, dataType)
	payload = append(payload, value...)
	return EncodeGlobalCommand(CmdWriteAttributes, payload)
}

func hexCluster(id uint16) string {
	return fmt.Sprintf("0x%04X", id)
}
