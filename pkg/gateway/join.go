package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/db"
	"github.com/urmzd/zigbridge/pkg/device"
	"github.com/urmzd/zigbridge/pkg/resilience"
	"github.com/urmzd/zigbridge/pkg/zcl"
	"github.com/urmzd/zigbridge/pkg/zigbee"
)

// interviewTimeout bounds the whole join interview.
const interviewTimeout = 60 * time.Second

// DeviceJoined implements zigbee.EventListener. Join admission consults the
// ban list synchronously; banned devices are sent a leave and never enter the
// device table.
func (g *Gateway) DeviceJoined(ieee string, nwk uint16) {
	canonical := device.NormalizeIEEE(ieee)

	if g.banList.IsBanned(canonical) {
		log.Warn().Str("ieee", canonical).Msg("Banned device attempted to join, sending leave")
		_ = g.store.RecordSecurityEvent(context.Background(), canonical, "banned_join_rejected", "")
		g.events.Emit("security_event", map[string]any{
			"ieee":  canonical,
			"event": "banned_join_rejected",
		})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := g.radio.Leave(ctx, nwk, canonical); err != nil {
				log.Warn().Err(err).Str("ieee", canonical).Msg("Leave request for banned device failed")
			}
		}()
		return
	}

	g.mu.Lock()
	existing, known := g.devices[canonical]
	if known {
		// Duplicate join events are rejected; a rejoin refreshes the short
		// address only.
		oldNwk := existing.NWK()
		if oldNwk != nwk {
			delete(g.nwkIndex, oldNwk)
			existing.SetNWK(nwk)
			g.nwkIndex[nwk] = canonical
		}
		g.mu.Unlock()
		log.Info().Str("ieee", canonical).Uint16("nwk", nwk).Msg("Known device rejoined")
		_ = g.store.RecordJoin(context.Background(), canonical, nwk, "rejoined")
		return
	}

	d := device.New(canonical, nwk, g.radio)
	d.SetCallbacks(g.onDeviceUpdate, g.onDeviceEvent)
	g.devices[canonical] = d
	g.nwkIndex[nwk] = canonical
	g.mu.Unlock()

	g.resolver.AddDevice(canonical)
	_ = g.store.RecordJoin(context.Background(), canonical, nwk, "joined")
	g.events.Emit("device_joined", map[string]any{"ieee": canonical, "nwk": nwk})
	log.Info().Str("ieee", canonical).Uint16("nwk", nwk).Msg("Device joined, starting interview")

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.interview(d)
	}()
}

// interview walks the ZDO descriptors, reads the Basic identity, rebuilds
// handlers, configures reporting and announces the device.
func (g *Gateway) interview(d *Device) {
	ctx, cancel := context.WithTimeout(context.Background(), interviewTimeout)
	defer cancel()

	nwk := d.NWK()
	retryCfg := resilience.DefaultRetryConfig()

	// Node descriptor: role and mains/battery.
	nodeDesc, err := resilience.RetryResult(ctx, g.supervisor, retryCfg, "node_desc",
		func(ctx context.Context) (*zigbee.NodeDescriptor, error) {
			resp, err := g.radio.ZDORequest(ctx, nwk, zigbee.ZDONodeDescReq, zigbee.BuildNodeDescReq(nwk))
			if err != nil {
				return nil, err
			}
			return zigbee.ParseNodeDescRsp(resp)
		})
	if err != nil {
		log.Warn().Err(err).Str("ieee", d.IEEE()).Msg("Node descriptor failed, continuing interview")
	} else {
		power := "Battery"
		if nodeDesc.IsMainsPowered() {
			power = "Mains"
		}
		d.SetIdentity("", "", nodeDesc.Role(), power)
	}

	// Active endpoints, then a simple descriptor per endpoint.
	endpoints := make(map[uint8]*device.EndpointInfo)
	eps, err := resilience.RetryResult(ctx, g.supervisor, retryCfg, "active_ep",
		func(ctx context.Context) ([]uint8, error) {
			resp, err := g.radio.ZDORequest(ctx, nwk, zigbee.ZDOActiveEPReq, zigbee.BuildActiveEPReq(nwk))
			if err != nil {
				return nil, err
			}
			return zigbee.ParseActiveEPRsp(resp)
		})
	if err != nil {
		log.Warn().Err(err).Str("ieee", d.IEEE()).Msg("Active endpoints failed, assuming endpoint 1")
		eps = []uint8{1}
	}
	for _, ep := range eps {
		sd, err := resilience.RetryResult(ctx, g.supervisor, retryCfg, "simple_desc",
			func(ctx context.Context) (*zigbee.SimpleDescriptor, error) {
				resp, err := g.radio.ZDORequest(ctx, nwk, zigbee.ZDOSimpleDescReq, zigbee.BuildSimpleDescReq(nwk, ep))
				if err != nil {
					return nil, err
				}
				return zigbee.ParseSimpleDescRsp(resp)
			})
		if err != nil {
			log.Warn().Err(err).Str("ieee", d.IEEE()).Uint8("ep", ep).Msg("Simple descriptor failed")
			continue
		}
		endpoints[ep] = &device.EndpointInfo{
			ProfileID:      sd.ProfileID,
			DeviceID:       sd.DeviceID,
			InputClusters:  sd.InputClusters,
			OutputClusters: sd.OutputClusters,
		}
	}
	d.SetEndpoints(endpoints)
	d.RebuildHandlers()
	g.events.Emit("raw_device_initialised", map[string]any{"ieee": d.IEEE()})

	// Basic-cluster identity read; quirk lookups key off manufacturer/model.
	if h, ok := d.PrimaryHandler(zcl.ClusterBasic); ok {
		delta, _ := h.Poll(ctx)
		manufacturer, _ := delta["manufacturer"].(string)
		model, _ := delta["model"].(string)
		power, _ := delta["power_source"].(string)
		if manufacturer != "" || model != "" {
			d.SetIdentity(manufacturer, model, "", power)
			// Manufacturer quirks may change handler selection.
			d.RebuildHandlers()
		}
		if len(delta) > 0 {
			d.UpdateState(delta, 0)
		}
	}

	// Bind and install reporting; per-attribute failures are non-fatal.
	d.Configure(ctx, nil)

	g.persistDevice(d)
	g.events.Emit("device_initialised", map[string]any{
		"ieee":         d.IEEE(),
		"manufacturer": d.Manufacturer(),
		"model":        d.Model(),
	})
	g.AnnounceDevice(d)
	log.Info().
		Str("ieee", d.IEEE()).
		Str("manufacturer", d.Manufacturer()).
		Str("model", d.Model()).
		Msg("Device interview complete")
}

func (g *Gateway) persistDevice(d *Device) {
	endpoints, err := json.Marshal(d.Endpoints())
	if err != nil {
		endpoints = []byte("{}")
	}
	rec := db.DeviceRecord{
		IEEE:         d.IEEE(),
		NWK:          d.NWK(),
		Manufacturer: d.Manufacturer(),
		Model:        d.Model(),
		Role:         d.Role(),
		PowerSource:  d.PowerSource(),
		Endpoints:    endpoints,
	}
	if err := g.store.UpsertDevice(context.Background(), rec); err != nil {
		log.Warn().Err(err).Str("ieee", d.IEEE()).Msg("Device persist failed")
	}
}

// DeviceLeft implements zigbee.EventListener.
func (g *Gateway) DeviceLeft(ieee string) {
	canonical := device.NormalizeIEEE(ieee)

	g.mu.Lock()
	d, ok := g.devices[canonical]
	if ok {
		delete(g.devices, canonical)
		delete(g.nwkIndex, d.NWK())
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	g.resolver.RemoveDevice(canonical)
	g.cache.Purge(canonical)
	g.packets.Remove(canonical)
	_ = g.store.DeleteDevice(context.Background(), canonical)
	_ = g.store.RecordJoin(context.Background(), canonical, d.NWK(), "left")

	g.RemoveDeviceDiscovery(d)
	g.events.Emit("device_left", map[string]any{"ieee": canonical})
	log.Info().Str("ieee", canonical).Msg("Device left")
}

// RemoveDevice asks a device to leave and purges it locally.
func (g *Gateway) RemoveDevice(ctx context.Context, identifier string) error {
	d, ok := g.Device(identifier)
	if !ok {
		return device.ErrNotFound
	}
	if err := g.radio.Leave(ctx, d.NWK(), d.IEEE()); err != nil {
		log.Warn().Err(err).Str("ieee", d.IEEE()).Msg("Leave request failed, removing locally anyway")
	}
	g.DeviceLeft(d.IEEE())
	_ = g.store.RecordJoin(ctx, d.IEEE(), d.NWK(), "removed")
	g.events.Emit("device_removed", map[string]any{"ieee": d.IEEE()})
	return nil
}

// HandleMessage implements zigbee.EventListener: the synchronous hot path for
// every inbound frame. Feeds packet stats, the supervisor watchdog and the
// zone link tap, then dispatches to the owning device.
func (g *Gateway) HandleMessage(msg *zigbee.Message) {
	g.mu.RLock()
	ieee, ok := g.nwkIndex[msg.Sender]
	var d *device.Device
	if ok {
		d = g.devices[ieee]
	}
	g.mu.RUnlock()

	if g.supervisor != nil {
		g.supervisor.FeedWatchdog()
	}

	if !ok || d == nil {
		log.Debug().Uint16("nwk", msg.Sender).Msg("Frame from unknown device")
		return
	}

	g.packets.RecordRx(ieee)

	// Zone tap: every inbound frame contributes one (coordinator, sender)
	// sample.
	if g.zoneMgr != nil {
		g.zoneMgr.RecordLinkQuality(g.radio.CoordinatorIEEE(), ieee, int(msg.RSSI), int(msg.LQI))
	}

	d.DispatchMessage(msg)
}

// RelaysUpdated implements zigbee.EventListener.
func (g *Gateway) RelaysUpdated(ieee string, relays []uint16) {
	g.events.Emit("relays_updated", map[string]any{
		"ieee":   device.NormalizeIEEE(ieee),
		"relays": relays,
	})
}

// PermitJoin opens the network for joining.
func (g *Gateway) PermitJoin(ctx context.Context, duration uint8) error {
	return resilience.Retry(ctx, g.supervisor, resilience.DefaultRetryConfig(), "permit_join",
		func(ctx context.Context) error {
			return g.radio.PermitJoin(ctx, duration)
		})
}

// Device is re-exported for readability in this file's signatures.
type Device = device.Device
