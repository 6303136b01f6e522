package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/handlers"
	"github.com/urmzd/zigbridge/pkg/zcl"
	"github.com/urmzd/zigbridge/pkg/zigbee"
)

// availabilityThreshold marks a non-passive device unavailable when it has
// been silent this long.
const availabilityThreshold = 25 * time.Hour

// EndpointInfo is one endpoint's cluster inventory.
type EndpointInfo struct {
	ProfileID      uint16   `json:"profile_id"`
	DeviceID       uint16   `json:"device_id"`
	InputClusters  []uint16 `json:"input_clusters"`
	OutputClusters []uint16 `json:"output_clusters"`
}

// RadioOps is the slice of the radio the device layer needs.
type RadioOps interface {
	SendUnicast(ctx context.Context, nwk uint16, profile, cluster uint16, srcEp, dstEp uint8, payload []byte) error
	ZDORequest(ctx context.Context, nwk uint16, cluster uint16, payload []byte) ([]byte, error)
	CoordinatorIEEE() string
}

// UpdateCallback receives filtered state deltas from the device.
type UpdateCallback func(d *Device, changed map[string]any, endpointID uint8)

// EventCallback receives structured device events.
type EventCallback func(d *Device, eventType string, data map[string]any)

// Device is the per-device wrapper: endpoint table, handler arena, canonical
// state map, capability set and availability.
type Device struct {
	mu sync.RWMutex

	ieee         string
	nwk          uint16
	manufacturer string
	model        string
	role         string // Coordinator | Router | EndDevice
	powerSource  string

	endpoints map[uint8]*EndpointInfo
	clusters  map[uint32]*clusterInstance

	// handlerTable maps (endpoint, cluster) to the attached handler; primary
	// aliases each cluster id to its first-matching handler.
	handlerTable map[uint32]handlers.Handler
	primary      map[uint16]handlers.Handler

	state    map[string]any
	lastSeen int64 // unix millis, monotonic

	capabilities *Capabilities

	// preferredEndpoints pins duplicate-reported attributes to one endpoint.
	preferredEndpoints map[string]uint8

	// attributeSources tracks which endpoints have reported each field.
	attributeSources map[string]map[uint8]time.Time

	lqi uint8

	radio    RadioOps
	onUpdate UpdateCallback
	onEvent  EventCallback
}

func clusterKey(ep uint8, cluster uint16) uint32 {
	return uint32(ep)<<16 | uint32(cluster)
}

// New creates a device wrapper from its immutable identity.
func New(ieee string, nwk uint16, radio RadioOps) *Device {
	return &Device{
		ieee:               NormalizeIEEE(ieee),
		nwk:                nwk,
		role:               "EndDevice",
		endpoints:          make(map[uint8]*EndpointInfo),
		clusters:           make(map[uint32]*clusterInstance),
		handlerTable:       make(map[uint32]handlers.Handler),
		primary:            make(map[uint16]handlers.Handler),
		state:              make(map[string]any),
		preferredEndpoints: make(map[string]uint8),
		attributeSources:   make(map[string]map[uint8]time.Time),
		radio:              radio,
	}
}

// IEEE returns the canonical address.
func (d *Device) IEEE() string { return d.ieee }

// NWK returns the current short address.
func (d *Device) NWK() uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nwk
}

// SetNWK updates the short address after a rejoin.
func (d *Device) SetNWK(nwk uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nwk = nwk
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manufacturer
}

// Model returns the model identifier.
func (d *Device) Model() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.model
}

// Role returns the node-descriptor derived role.
func (d *Device) Role() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.role
}

// PowerSource returns the reported power source.
func (d *Device) PowerSource() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.powerSource
}

// LastSeen returns the last-seen timestamp in unix millis.
func (d *Device) LastSeen() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// LQI returns the link quality of the last received frame.
func (d *Device) LQI() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lqi
}

// SetLQI records the link quality from the radio tap.
func (d *Device) SetLQI(lqi uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lqi = lqi
}

// Capabilities returns the inferred capability set.
func (d *Device) Capabilities() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.capabilities
}

// Endpoints returns a copy of the endpoint table.
func (d *Device) Endpoints() map[uint8]*EndpointInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uint8]*EndpointInfo, len(d.endpoints))
	for id, ep := range d.endpoints {
		cp := *ep
		out[id] = &cp
	}
	return out
}

// SetCallbacks installs the gateway's update and event sinks.
func (d *Device) SetCallbacks(onUpdate UpdateCallback, onEvent EventCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUpdate = onUpdate
	d.onEvent = onEvent
}

// SetIdentity records manufacturer/model/role/power source after interview.
func (d *Device) SetIdentity(manufacturer, model, role, powerSource string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if manufacturer != "" {
		d.manufacturer = manufacturer
	}
	if model != "" {
		d.model = model
	}
	if role != "" {
		d.role = role
	}
	if powerSource != "" {
		d.powerSource = powerSource
	}
}

// SetEndpoints replaces the endpoint table. Endpoint 0 is ZDO and never
// carries handlers.
func (d *Device) SetEndpoints(endpoints map[uint8]*EndpointInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = make(map[uint8]*EndpointInfo, len(endpoints))
	for id, ep := range endpoints {
		if id == 0 {
			continue
		}
		cp := *ep
		d.endpoints[id] = &cp
	}
}

// SetPreferredEndpoint pins a duplicate-reported attribute to one endpoint.
func (d *Device) SetPreferredEndpoint(field string, ep uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preferredEndpoints[field] = ep
}

// PreferredEndpoints returns a copy of the override map.
func (d *Device) PreferredEndpoints() map[string]uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]uint8, len(d.preferredEndpoints))
	for k, v := range d.preferredEndpoints {
		out[k] = v
	}
	return out
}

// RebuildHandlers re-derives capabilities and re-attaches handlers against the
// current endpoint table. The wrapper may be rebuilt against the same
// underlying cluster instances, so every previously-attached handler is
// detached first; stale handlers from prior wrapper generations must never
// keep firing.
func (d *Device) RebuildHandlers() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.capabilities = InferCapabilities(d.endpoints, d.manufacturer, d.model)

	// Zombie prevention: scrub every listener that originates from the
	// handlers package before attaching the new generation.
	for _, ci := range d.clusters {
		ci.detachHandlers()
	}
	d.handlerTable = make(map[uint32]handlers.Handler)
	d.primary = make(map[uint16]handlers.Handler)

	for epID, ep := range d.endpoints {
		seen := make(map[uint16]struct{})
		clusterLists := [][]uint16{ep.InputClusters, ep.OutputClusters}
		for _, list := range clusterLists {
			for _, clusterID := range list {
				if _, dup := seen[clusterID]; dup {
					continue
				}
				seen[clusterID] = struct{}{}
				d.attachHandlerLocked(epID, clusterID)
			}
		}
	}

	log.Info().
		Str("ieee", d.ieee).
		Int("handlers", len(d.handlerTable)).
		Strs("capabilities", d.capabilities.List()).
		Msg("Device handlers rebuilt")
}

func (d *Device) attachHandlerLocked(epID uint8, clusterID uint16) {
	key := clusterKey(epID, clusterID)
	ci, ok := d.clusters[key]
	if !ok {
		ci = &clusterInstance{
			device:    d,
			endpoint:  epID,
			clusterID: clusterID,
			pending:   make(map[uint8]chan zclResponse),
		}
		d.clusters[key] = ci
	}

	ctor, ok := handlers.ConstructorFor(clusterID, d.manufacturer, d.model)
	var h handlers.Handler
	if ok {
		h = ctor(d, ci)
	} else {
		h = handlers.NewGenericHandler(d, ci)
	}
	ci.attachHandler(h)
	d.handlerTable[key] = h
	if _, exists := d.primary[clusterID]; !exists {
		d.primary[clusterID] = h
	}
}

// Handler returns the handler attached to (endpoint, cluster).
func (d *Device) Handler(ep uint8, cluster uint16) (handlers.Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlerTable[clusterKey(ep, cluster)]
	return h, ok
}

// PrimaryHandler returns the first-matching handler for a cluster id.
func (d *Device) PrimaryHandler(cluster uint16) (handlers.Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.primary[cluster]
	return h, ok
}

// Handlers returns all attached handlers.
func (d *Device) Handlers() []handlers.Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]handlers.Handler, 0, len(d.handlerTable))
	for _, h := range d.handlerTable {
		out = append(out, h)
	}
	return out
}

// Available derives availability from role, power source and last_seen. Mains
// powered routers stay available as long as they report within the threshold;
// passive battery sensors are always considered available because they sleep
// by design.
func (d *Device) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.role == "Coordinator" {
		return true
	}
	if d.powerSource == "Battery" && d.role == "EndDevice" {
		return true
	}
	if d.lastSeen == 0 {
		return false
	}
	age := time.Since(time.UnixMilli(d.lastSeen))
	return age < availabilityThreshold
}

// DispatchMessage is the synchronous hot path for inbound frames addressed to
// this device. No awaits happen under it; handlers record state and the
// publish queue takes over.
func (d *Device) DispatchMessage(msg *zigbee.Message) {
	d.SetLQI(msg.LQI)

	hdr, payload, err := zcl.ParseFrame(msg.Data)
	if err != nil {
		log.Debug().Err(err).Str("ieee", d.ieee).Msg("Undecodable ZCL frame")
		return
	}

	key := clusterKey(msg.SrcEndpoint, msg.Cluster)
	d.mu.RLock()
	ci := d.clusters[key]
	h := d.handlerTable[key]
	d.mu.RUnlock()

	if hdr.IsGlobal() {
		switch hdr.CommandID {
		case zcl.CmdReportAttributes:
			if h != nil {
				now := time.Now()
				for _, attr := range zcl.ParseReportAttributes(payload) {
					h.AttributeUpdated(attr.AttrID, attr.Value, now)
				}
			}
		case zcl.CmdReadAttributesResponse:
			if ci != nil {
				ci.deliver(hdr.SeqNumber, zclResponse{command: hdr.CommandID, payload: payload})
			}
			if h != nil {
				now := time.Now()
				for _, attr := range zcl.ParseReadAttributesResponse(payload) {
					h.AttributeUpdated(attr.AttrID, attr.Value, now)
				}
			}
		case zcl.CmdWriteAttributesResponse, zcl.CmdConfigureReportingResponse, zcl.CmdDefaultResponse:
			if ci != nil {
				ci.deliver(hdr.SeqNumber, zclResponse{command: hdr.CommandID, payload: payload})
			}
		}
		return
	}

	if h != nil {
		h.ClusterCommand(hdr.SeqNumber, hdr.CommandID, payload)
	}
}

// UpdateState is the choke point for all state changes: capability filter,
// duplicate-endpoint handling, always-report tracking, merge and emit.
func (d *Device) UpdateState(delta map[string]any, endpointID uint8) {
	if len(delta) == 0 {
		return
	}

	d.mu.Lock()

	caps := d.capabilities
	changed := make(map[string]any)
	now := time.Now()

	multiSwitch := caps != nil && caps.Has(CapMultiSwitch)

	for field, value := range delta {
		// Capability allow-list filter.
		if caps != nil && !caps.Allows(field) {
			continue
		}

		// Duplicate-attribute handling for multi-endpoint devices.
		if endpointID != 0 {
			sources, ok := d.attributeSources[field]
			if !ok {
				sources = make(map[uint8]time.Time)
				d.attributeSources[field] = sources
			}
			sources[endpointID] = now

			if len(sources) > 1 {
				if preferred, pinned := d.preferredEndpoints[field]; pinned {
					if endpointID != preferred {
						continue
					}
				} else if isZeroNumber(value) {
					// A zero where another endpoint holds data is an outlier.
					hasOther := false
					for ep := range sources {
						if ep != endpointID {
							hasOther = true
							break
						}
					}
					if hasOther {
						continue
					}
				}
			}
		}

		_, always := AlwaysReportFields[field]
		if always || !valuesEqual(d.state[field], value) {
			changed[field] = value
		}
		d.state[field] = value

		// Multi-switch devices carry the endpoint-suffixed twin alongside the
		// base field.
		if multiSwitch && endpointID != 0 && isSuffixable(field) {
			suffixed := fmt.Sprintf("%s_%d", field, endpointID)
			if always || !valuesEqual(d.state[suffixed], value) {
				changed[suffixed] = value
			}
			d.state[suffixed] = value
		}
	}

	if len(changed) == 0 {
		d.mu.Unlock()
		return
	}

	// last_seen is monotonic.
	ms := now.UnixMilli()
	if ms > d.lastSeen {
		d.lastSeen = ms
	}
	d.state["last_seen"] = d.lastSeen
	changed["last_seen"] = d.lastSeen

	if d.manufacturer != "" {
		d.state["manufacturer"] = d.manufacturer
	}
	if d.model != "" {
		d.state["model"] = d.model
	}

	onUpdate := d.onUpdate
	d.mu.Unlock()

	if onUpdate != nil {
		onUpdate(d, changed, endpointID)
	}
}

// EmitEvent publishes a structured event through the gateway.
func (d *Device) EmitEvent(eventType string, data map[string]any) {
	d.mu.RLock()
	onEvent := d.onEvent
	d.mu.RUnlock()
	if onEvent != nil {
		onEvent(d, eventType, data)
	}
}

// State returns a copy of the canonical state map.
func (d *Device) State() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.state))
	for k, v := range d.state {
		out[k] = v
	}
	return out
}

// RestoreState seeds the state map from the persisted cache without touching
// last_seen or notifying downstream.
func (d *Device) RestoreState(state map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range state {
		if d.capabilities != nil && !d.capabilities.Allows(k) {
			continue
		}
		d.state[k] = v
	}
	if ls, ok := toInt64(state["last_seen"]); ok && ls > d.lastSeen {
		d.lastSeen = ls
	}
}

// Configure walks all handlers, skipping non-configurable clusters and
// controller-role endpoints. With overrides, only the named handlers run.
func (d *Device) Configure(ctx context.Context, only map[uint16]struct{}) {
	d.mu.RLock()
	caps := d.capabilities
	table := make(map[uint32]handlers.Handler, len(d.handlerTable))
	for k, v := range d.handlerTable {
		table[k] = v
	}
	d.mu.RUnlock()

	for key, h := range table {
		ep := uint8(key >> 16)
		cluster := uint16(key)

		if only != nil {
			if _, wanted := only[cluster]; !wanted {
				continue
			}
		}
		if caps != nil && caps.EndpointRole(ep) == RoleController {
			continue
		}
		if err := h.Configure(ctx); err != nil {
			log.Debug().
				Err(err).
				Str("ieee", d.ieee).
				Str("cluster", zcl.ClusterName(cluster)).
				Msg("Handler configure failed (non-fatal)")
		}
	}
}

// Poll reads every handler's pollable attributes and merges the deltas.
// Partial failures surface in the __poll_success marker, never as an error.
func (d *Device) Poll(ctx context.Context) map[string]any {
	results := make(map[string]any)
	partial := false

	for _, h := range d.Handlers() {
		delta, failed := h.Poll(ctx)
		if failed {
			partial = true
		}
		for k, v := range delta {
			results[k] = v
		}
	}

	if len(results) > 0 {
		d.UpdateState(results, 0)
	}
	results["__poll_success"] = !partial
	return results
}

// SendCommand dispatches a verb to the appropriate handler. A successful send
// produces the optimistic state echo immediately; the device's own report
// corrects it later if needed.
func (d *Device) SendCommand(ctx context.Context, verb string, value any, endpointID uint8) error {
	var candidates []handlers.Handler

	d.mu.RLock()
	if endpointID != 0 {
		for key, h := range d.handlerTable {
			if uint8(key>>16) == endpointID {
				candidates = append(candidates, h)
			}
		}
	} else {
		for _, h := range d.primary {
			candidates = append(candidates, h)
		}
	}
	d.mu.RUnlock()

	for _, h := range candidates {
		delta, err := h.HandleCommand(ctx, verb, value)
		if err == handlers.ErrUnknownCommand {
			continue
		}
		if err != nil {
			return err
		}
		if len(delta) > 0 {
			d.UpdateState(delta, h.Cluster().EndpointID())
		}
		return nil
	}
	return fmt.Errorf("%w: no handler accepts %q", ErrUnsupported, verb)
}

// Commands enumerates every control verb across all handlers.
func (d *Device) Commands() []handlers.CommandSpec {
	var out []handlers.CommandSpec
	for _, h := range d.Handlers() {
		out = append(out, h.Commands()...)
	}
	return out
}

// DiscoveryConfigs aggregates the handlers' discovery descriptors, merging
// duplicate (component, object id) pairs so Level+Color handlers describe one
// light entity.
func (d *Device) DiscoveryConfigs() []handlers.DiscoveryConfig {
	merged := make(map[string]*handlers.DiscoveryConfig)
	var order []string
	for _, h := range d.Handlers() {
		for _, dc := range h.DiscoveryConfigs() {
			id := dc.Component + "/" + dc.ObjectID
			if existing, ok := merged[id]; ok {
				for k, v := range dc.Config {
					existing.Config[k] = v
				}
				continue
			}
			cp := dc
			cfg := make(map[string]any, len(dc.Config))
			for k, v := range dc.Config {
				cfg[k] = v
			}
			cp.Config = cfg
			merged[id] = &cp
			order = append(order, id)
		}
	}

	// A light supersedes the bare switch entity on the same endpoint.
	hasLight := false
	for _, id := range order {
		if merged[id].Component == "light" {
			hasLight = true
			break
		}
	}

	out := make([]handlers.DiscoveryConfig, 0, len(order))
	for _, id := range order {
		dc := merged[id]
		if hasLight && dc.Component == "switch" {
			continue
		}
		out = append(out, *dc)
	}
	return out
}

// isSuffixable lists the fields that gain endpoint-suffixed twins on
// multi-switch devices.
func isSuffixable(field string) bool {
	switch field {
	case "state", "on", "brightness", "level":
		return true
	default:
		return false
	}
}

func isZeroNumber(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 0
	case int64:
		return n == 0
	case uint64:
		return n == 0
	case float64:
		return n == 0
	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	f, ok := toFloat64(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}
