package zigbee

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EZSPRadio drives a Silicon Labs NCP over serial + ASH + EZSP and implements
// the Radio interface.
type EZSPRadio struct {
	serial *SerialPort
	ash    *ASHLayer
	ezsp   *EZSPLayer

	listeners   []EventListener
	listenersMu sync.RWMutex

	coordinatorIEEE string

	// Pending ZDO transactions keyed by (response cluster, zdo sequence).
	zdoPending   map[uint32]chan []byte
	zdoPendingMu sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewEZSPRadio opens the serial port and connects the ASH/EZSP layers without
// touching the network; Start brings the network up.
func NewEZSPRadio(portPath string, baudRate int) (*EZSPRadio, error) {
	s, err := OpenSerial(portPath, baudRate)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}

	ash := NewASHLayer(s)
	ezsp := NewEZSPLayer(ash)

	r := &EZSPRadio{
		serial:     s,
		ash:        ash,
		ezsp:       ezsp,
		zdoPending: make(map[uint32]chan []byte),
		stopChan:   make(chan struct{}),
	}
	ezsp.SetCallbackHandler(r.handleCallback)

	if err := ash.Connect(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ASH connect: %w", err)
	}
	ezsp.Start()

	return r, nil
}

// Family identifies the stack family.
func (r *EZSPRadio) Family() Family { return FamilyEZSP }

// SetNcpErrorCallback routes ASH ERROR frames (NCP resets) to the caller; the
// gateway feeds them into the resilience supervisor.
func (r *EZSPRadio) SetNcpErrorCallback(cb func(code byte)) {
	r.ash.SetErrorHandler(cb)
}

// AddListener registers an event listener.
func (r *EZSPRadio) AddListener(l EventListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Start negotiates the EZSP version, sizes the NCP tables for the tuning
// profile, and resumes or forms the network.
func (r *EZSPRadio) Start(ctx context.Context, cfg NetworkConfig) error {
	proto, _, stackVer, err := r.ezsp.NegotiateVersion()
	if err != nil {
		return err
	}
	log.Info().Uint8("protocol", proto).Uint16("stack", stackVer).Msg("EZSP version negotiated")

	if err := r.configureStack(cfg.Profile); err != nil {
		return err
	}

	status, err := r.ezsp.NetworkInit()
	if err != nil {
		return err
	}

	if status != emberSuccess && status != emberNetworkUp {
		log.Info().Uint8("status", status).Msg("No existing network, forming")
		if err := r.ezsp.SetInitialSecurityState(cfg.NetworkKey); err != nil {
			return fmt.Errorf("set security state: %w", err)
		}
		if err := r.ezsp.FormNetwork(cfg.Channel, cfg.PanID, cfg.ExtPanID); err != nil {
			return fmt.Errorf("form network: %w", err)
		}
		time.Sleep(500 * time.Millisecond)
	} else {
		log.Info().Msg("Resumed existing Zigbee network")
	}

	eui, err := r.ezsp.GetEUI64()
	if err != nil {
		return fmt.Errorf("get coordinator EUI64: %w", err)
	}
	r.coordinatorIEEE = FormatIEEE(eui)
	log.Info().Str("ieee", r.coordinatorIEEE).Msg("EZSP coordinator started")
	return nil
}

// configureStack sizes NCP tables by tuning profile. Values follow the NCP
// defaults for small networks and grow address/route tables for larger meshes.
func (r *EZSPRadio) configureStack(profile TuningProfile) error {
	children, addrTable, routeTable := uint16(16), uint16(16), uint16(16)
	switch profile {
	case TuningPro:
		children, addrTable, routeTable = 32, 32, 32
	case TuningLarge:
		children, addrTable, routeTable = 32, 64, 64
	}

	configs := []struct {
		id    uint8
		value uint16
	}{
		{ezspConfigStackProfile, 2},
		{ezspConfigSecurityLevel, 5},
		{ezspConfigMaxEndDeviceChildren, children},
		{ezspConfigAddressTableSize, addrTable},
		{ezspConfigSourceRouteTableSize, routeTable},
		{ezspConfigMaxHops, 30},
	}
	for _, c := range configs {
		if err := r.ezsp.SetConfigValue(c.id, c.value); err != nil {
			log.Warn().Err(err).Uint8("configID", c.id).Msg("Config value set failed (non-fatal)")
		}
	}
	return nil
}

// handleCallback processes async EZSP callbacks from the NCP.
func (r *EZSPRadio) handleCallback(frameID uint16, data []byte) {
	switch frameID {
	case ezspTrustCenterJoinHandler:
		r.handleTrustCenterJoin(data)
	case ezspIncomingMessageHandler:
		r.handleIncomingMessage(data)
	case ezspStackStatusHandler:
		r.handleStackStatus(data)
	case ezspIncomingRouteRecordHandler:
		r.handleRouteRecord(data)
	default:
		log.Debug().Uint16("frameID", frameID).Msg("Unhandled EZSP callback")
	}
}

func (r *EZSPRadio) handleTrustCenterJoin(data []byte) {
	if len(data) < 11 {
		return
	}
	nodeID := binary.LittleEndian.Uint16(data[0:2])
	var ieee [8]byte
	copy(ieee[:], data[2:10])
	status := data[10]

	ieeeStr := FormatIEEE(ieee)
	log.Info().
		Str("ieee", ieeeStr).
		Uint16("nwk", nodeID).
		Uint8("status", status).
		Msg("Trust center join event")

	r.listenersMu.RLock()
	listeners := append([]EventListener(nil), r.listeners...)
	r.listenersMu.RUnlock()

	// Status 3 = DEVICE_LEFT; other statuses are joins or secured rejoins.
	if status == 3 {
		for _, l := range listeners {
			l.DeviceLeft(ieeeStr)
		}
		return
	}
	for _, l := range listeners {
		l.DeviceJoined(ieeeStr, nodeID)
	}
}

func (r *EZSPRadio) handleIncomingMessage(data []byte) {
	// type(1) + apsFrame(11) + lastHopLqi(1) + lastHopRssi(1) + sender(2)
	// + bindingIndex(1) + addressIndex(1) + messageLength(1) + message(N)
	if len(data) < 19 {
		return
	}
	profileID := binary.LittleEndian.Uint16(data[1:3])
	clusterID := binary.LittleEndian.Uint16(data[3:5])
	srcEp := data[5]
	dstEp := data[6]
	lqi := data[12]
	rssi := int8(data[13])
	sender := binary.LittleEndian.Uint16(data[14:16])
	msgLen := data[18]
	if len(data) < 19+int(msgLen) {
		return
	}
	message := data[19 : 19+int(msgLen)]

	// ZDO responses are correlated back to their waiting requester.
	if profileID == 0x0000 && clusterID&ZDOResponseBit != 0 && len(message) >= 1 {
		if r.deliverZDO(clusterID, message[0], message[1:]) {
			return
		}
	}

	msg := &Message{
		Sender:      sender,
		Profile:     profileID,
		Cluster:     clusterID,
		SrcEndpoint: srcEp,
		DstEndpoint: dstEp,
		LQI:         lqi,
		RSSI:        rssi,
		Data:        append([]byte(nil), message...),
	}

	r.listenersMu.RLock()
	listeners := append([]EventListener(nil), r.listeners...)
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l.HandleMessage(msg)
	}
}

// handleRouteRecord fires relays_updated when the route to a device changes.
func (r *EZSPRadio) handleRouteRecord(data []byte) {
	// source(2) + sourceEui(8) + lastHopLqi(1) + lastHopRssi(1) + relayCount(1)
	// + relayList(2*N)
	if len(data) < 13 {
		return
	}
	var ieee [8]byte
	copy(ieee[:], data[2:10])
	count := int(data[12])
	if len(data) < 13+count*2 {
		return
	}
	relays := make([]uint16, count)
	for i := 0; i < count; i++ {
		relays[i] = binary.LittleEndian.Uint16(data[13+i*2:])
	}

	r.listenersMu.RLock()
	listeners := append([]EventListener(nil), r.listeners...)
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l.RelaysUpdated(FormatIEEE(ieee), relays)
	}
}

func (r *EZSPRadio) handleStackStatus(data []byte) {
	if len(data) < 1 {
		return
	}
	switch data[0] {
	case emberNetworkUp:
		log.Info().Msg("Stack status: network up")
	case emberNetworkDown:
		log.Warn().Msg("Stack status: network down")
	default:
		log.Info().Uint8("status", data[0]).Msg("Stack status changed")
	}
}

func zdoKey(cluster uint16, seq uint8) uint32 {
	return uint32(cluster)<<8 | uint32(seq)
}

func (r *EZSPRadio) deliverZDO(cluster uint16, seq uint8, payload []byte) bool {
	r.zdoPendingMu.Lock()
	ch, ok := r.zdoPending[zdoKey(cluster, seq)]
	if ok {
		delete(r.zdoPending, zdoKey(cluster, seq))
	}
	r.zdoPendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- append([]byte(nil), payload...):
	default:
	}
	return true
}

// SendUnicast sends a ZCL payload to a device endpoint.
func (r *EZSPRadio) SendUnicast(ctx context.Context, nwk uint16, profile, cluster uint16, srcEp, dstEp uint8, payload []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- r.ezsp.SendUnicast(nwk, profile, cluster, srcEp, dstEp, payload)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ZDORequest issues a ZDO request and waits for the matching response cluster.
func (r *EZSPRadio) ZDORequest(ctx context.Context, nwk uint16, cluster uint16, payload []byte) ([]byte, error) {
	seq := NextZDOSeq()
	respCluster := cluster | ZDOResponseBit

	ch := make(chan []byte, 1)
	key := zdoKey(respCluster, seq)
	r.zdoPendingMu.Lock()
	r.zdoPending[key] = ch
	r.zdoPendingMu.Unlock()
	defer func() {
		r.zdoPendingMu.Lock()
		delete(r.zdoPending, key)
		r.zdoPendingMu.Unlock()
	}()

	frame := append([]byte{seq}, payload...)
	if err := r.SendUnicast(ctx, nwk, 0x0000, cluster, 0, 0, frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.stopChan:
		return nil, fmt.Errorf("radio stopped")
	}
}

// PermitJoin opens the network for joining.
func (r *EZSPRadio) PermitJoin(ctx context.Context, duration uint8) error {
	done := make(chan error, 1)
	go func() { done <- r.ezsp.PermitJoining(duration) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PermitWithLinkKey installs a transient link key for one device, then opens
// the network.
func (r *EZSPRadio) PermitWithLinkKey(ctx context.Context, ieee string, key [16]byte, duration uint8) error {
	addr, err := ParseIEEE(ieee)
	if err != nil {
		return err
	}
	if err := r.ezsp.AddTransientLinkKey(addr, key); err != nil {
		return err
	}
	return r.PermitJoin(ctx, duration)
}

// Leave asks a device to leave the network via Mgmt_Leave_req.
func (r *EZSPRadio) Leave(ctx context.Context, nwk uint16, ieee string) error {
	addr, err := ParseIEEE(ieee)
	if err != nil {
		return err
	}
	_, err = r.ZDORequest(ctx, nwk, ZDOMgmtLeaveReq, BuildMgmtLeaveReq(addr))
	return err
}

// NetworkState probes the NCP for its network status.
func (r *EZSPRadio) NetworkState(ctx context.Context) (string, error) {
	type result struct {
		status uint8
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := r.ezsp.NetworkState()
		done <- result{s, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		if res.status == emberJoinedNetwork {
			return "joined", nil
		}
		return fmt.Sprintf("status_0x%02x", res.status), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CoordinatorIEEE returns the coordinator's canonical address.
func (r *EZSPRadio) CoordinatorIEEE() string { return r.coordinatorIEEE }

// Shutdown stops the stack and closes the transport.
func (r *EZSPRadio) Shutdown() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.ezsp.Close()
	r.ash.Close()
	if err := r.serial.Close(); err != nil {
		return fmt.Errorf("close serial: %w", err)
	}
	log.Info().Msg("EZSP radio shut down")
	return nil
}
