package zigbee

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ZNP MT protocol constants
const (
	znpSOF uint8 = 0xFE

	// Command type bits (high nibble of cmd0)
	znpTypeSREQ uint8 = 0x20
	znpTypeAREQ uint8 = 0x40
	znpTypeSRSP uint8 = 0x60

	// Subsystems (low nibble of cmd0)
	znpSubsystemSYS  uint8 = 0x01
	znpSubsystemAF   uint8 = 0x04
	znpSubsystemZDO  uint8 = 0x05
	znpSubsystemUTIL uint8 = 0x07
)

// MT command IDs (cmd1), grouped by subsystem.
const (
	znpSysPing     uint8 = 0x01
	znpSysVersion  uint8 = 0x02
	znpSysResetReq uint8 = 0x00
	znpSysResetInd uint8 = 0x80

	znpAfRegister    uint8 = 0x00
	znpAfDataRequest uint8 = 0x01
	znpAfDataConfirm uint8 = 0x80
	znpAfIncomingMsg uint8 = 0x81

	znpZdoNodeDescReq    uint8 = 0x02
	znpZdoSimpleDescReq  uint8 = 0x04
	znpZdoActiveEpReq    uint8 = 0x05
	znpZdoBindReq        uint8 = 0x21
	znpZdoMgmtLqiReq     uint8 = 0x31
	znpZdoMgmtLeaveReq   uint8 = 0x34
	znpZdoMgmtPermitJoin uint8 = 0x36
	znpZdoStartupFromApp uint8 = 0x40

	znpZdoNodeDescRsp    uint8 = 0x82
	znpZdoSimpleDescRsp  uint8 = 0x84
	znpZdoActiveEpRsp    uint8 = 0x85
	znpZdoBindRsp        uint8 = 0xA1
	znpZdoMgmtLqiRsp     uint8 = 0xB1
	znpZdoMgmtLeaveRsp   uint8 = 0xB4
	znpZdoStateChangeInd uint8 = 0xC0
	znpZdoEndDeviceAnnce uint8 = 0xC1
	znpZdoLeaveInd       uint8 = 0xC9

	znpUtilGetDeviceInfo uint8 = 0x00
)

// ZNP device states reported by ZDO_STATE_CHANGE_IND.
const (
	znpStateCoordinatorStarted uint8 = 0x09
)

// ZNPLayer handles MT command/response framing over a serial port for Texas
// Instruments Z-Stack coprocessors.
type ZNPLayer struct {
	serial *SerialPort

	// Pending SREQ transactions keyed by (cmd0&0x0F, cmd1) of the expected SRSP.
	pending   map[uint16]chan []byte
	pendingMu sync.Mutex

	areqHandler func(subsystem, cmd uint8, data []byte)
	areqMu      sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewZNPLayer creates a new MT framing layer.
func NewZNPLayer(s *SerialPort) *ZNPLayer {
	return &ZNPLayer{
		serial:   s,
		pending:  make(map[uint16]chan []byte),
		stopChan: make(chan struct{}),
	}
}

// Start begins processing MT frames from the serial port.
func (z *ZNPLayer) Start() {
	go z.readLoop()
}

// SetAreqHandler sets the handler for async AREQ indications.
func (z *ZNPLayer) SetAreqHandler(h func(subsystem, cmd uint8, data []byte)) {
	z.areqMu.Lock()
	defer z.areqMu.Unlock()
	z.areqHandler = h
}

// Close stops the layer.
func (z *ZNPLayer) Close() {
	z.stopOnce.Do(func() { close(z.stopChan) })
}

func znpKey(subsystem, cmd uint8) uint16 {
	return uint16(subsystem)<<8 | uint16(cmd)
}

// SendSync sends an SREQ and waits for the matching SRSP.
func (z *ZNPLayer) SendSync(subsystem, cmd uint8, data []byte) ([]byte, error) {
	ch := make(chan []byte, 1)
	key := znpKey(subsystem, cmd)
	z.pendingMu.Lock()
	z.pending[key] = ch
	z.pendingMu.Unlock()
	defer func() {
		z.pendingMu.Lock()
		delete(z.pending, key)
		z.pendingMu.Unlock()
	}()

	if err := z.writeFrame(znpTypeSREQ|subsystem, cmd, data); err != nil {
		return nil, fmt.Errorf("send MT SREQ %02X/%02X: %w", subsystem, cmd, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("timeout waiting for MT SRSP %02X/%02X", subsystem, cmd)
	case <-z.stopChan:
		return nil, fmt.Errorf("stopped")
	}
}

// SendAsync sends an AREQ without waiting for a response.
func (z *ZNPLayer) SendAsync(subsystem, cmd uint8, data []byte) error {
	return z.writeFrame(znpTypeAREQ|subsystem, cmd, data)
}

func (z *ZNPLayer) writeFrame(cmd0, cmd1 uint8, data []byte) error {
	if len(data) > 250 {
		return fmt.Errorf("MT frame data too long: %d", len(data))
	}
	frame := make([]byte, 0, 5+len(data))
	frame = append(frame, znpSOF, byte(len(data)), cmd0, cmd1)
	frame = append(frame, data...)
	frame = append(frame, znpFCS(frame[1:]))

	log.Debug().
		Uint8("cmd0", cmd0).
		Uint8("cmd1", cmd1).
		Int("data_len", len(data)).
		Msg("ZNP TX frame")

	_, err := z.serial.Write(frame)
	return err
}

// readLoop continuously parses MT frames from the serial port.
func (z *ZNPLayer) readLoop() {
	for {
		select {
		case <-z.stopChan:
			return
		default:
		}

		b, err := z.serial.ReadByte()
		if err != nil {
			select {
			case <-z.stopChan:
				return
			default:
			}
			log.Error().Err(err).Msg("ZNP read error")
			continue
		}
		if b != znpSOF {
			continue
		}

		length, err := z.serial.ReadByte()
		if err != nil {
			continue
		}
		header := make([]byte, 2)
		if _, err := z.readFull(header); err != nil {
			continue
		}
		data := make([]byte, int(length))
		if _, err := z.readFull(data); err != nil {
			continue
		}
		fcs, err := z.serial.ReadByte()
		if err != nil {
			continue
		}

		check := []byte{length, header[0], header[1]}
		check = append(check, data...)
		if znpFCS(check) != fcs {
			log.Warn().Msg("ZNP FCS mismatch, dropping frame")
			continue
		}

		z.processFrame(header[0], header[1], data)
	}
}

func (z *ZNPLayer) readFull(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		b, err := z.serial.ReadByte()
		if err != nil {
			return total, err
		}
		buf[total] = b
		total++
	}
	return total, nil
}

func (z *ZNPLayer) processFrame(cmd0, cmd1 uint8, data []byte) {
	frameType := cmd0 & 0xE0
	subsystem := cmd0 & 0x1F

	log.Debug().
		Uint8("cmd0", cmd0).
		Uint8("cmd1", cmd1).
		Int("data_len", len(data)).
		Msg("ZNP RX frame")

	switch frameType {
	case znpTypeSRSP:
		z.pendingMu.Lock()
		ch, ok := z.pending[znpKey(subsystem, cmd1)]
		z.pendingMu.Unlock()
		if ok {
			select {
			case ch <- append([]byte(nil), data...):
			default:
			}
		}
	case znpTypeAREQ:
		z.areqMu.RLock()
		handler := z.areqHandler
		z.areqMu.RUnlock()
		if handler != nil {
			handler(subsystem, cmd1, append([]byte(nil), data...))
		}
	}
}

// Ping verifies the coprocessor is alive, returning its capability bitmap.
func (z *ZNPLayer) Ping() (uint16, error) {
	resp, err := z.SendSync(znpSubsystemSYS, znpSysPing, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("SYS_PING response too short")
	}
	return uint16(resp[0]) | uint16(resp[1])<<8, nil
}

// znpFCS computes the XOR frame check over length + cmd + data.
func znpFCS(data []byte) uint8 {
	var fcs uint8
	for _, b := range data {
		fcs ^= b
	}
	return fcs
}
