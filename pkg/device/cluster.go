package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/urmzd/zigbridge/pkg/handlers"
	"github.com/urmzd/zigbridge/pkg/zcl"
	"github.com/urmzd/zigbridge/pkg/zigbee"
)

// zclResponse is one correlated global-command response.
type zclResponse struct {
	command uint8
	payload []byte
}

// clusterInstance is a handler's view of one (endpoint, cluster) pair. The
// instances survive wrapper rebuilds; handlers attach and detach against them.
type clusterInstance struct {
	device    *Device
	endpoint  uint8
	clusterID uint16

	handlersMu sync.Mutex
	attached   []handlers.Handler

	pendingMu sync.Mutex
	pending   map[uint8]chan zclResponse
}

// ID returns the cluster id.
func (c *clusterInstance) ID() uint16 { return c.clusterID }

// EndpointID returns the endpoint id.
func (c *clusterInstance) EndpointID() uint8 { return c.endpoint }

func (c *clusterInstance) attachHandler(h handlers.Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.attached = append(c.attached, h)
}

// detachHandlers removes every attached handler, regardless of which wrapper
// generation attached it. Prevents stale handlers firing twice after a
// rebuild.
func (c *clusterInstance) detachHandlers() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.attached = nil
}

// listenerCount reports the number of attached handlers.
func (c *clusterInstance) listenerCount() int {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	return len(c.attached)
}

// deliver routes a correlated ZCL response to its waiting caller.
func (c *clusterInstance) deliver(seq uint8, resp zclResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (c *clusterInstance) await(ctx context.Context, seq uint8) (zclResponse, error) {
	ch := make(chan zclResponse, 1)
	c.pendingMu.Lock()
	c.pending[seq] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return zclResponse{}, ctx.Err()
	}
}

func (c *clusterInstance) send(ctx context.Context, frame []byte) error {
	return c.device.radio.SendUnicast(ctx, c.device.NWK(), zcl.ProfileHA, c.clusterID, 1, c.endpoint, frame)
}

// Bind binds the cluster to the coordinator via ZDO Bind_req.
func (c *clusterInstance) Bind(ctx context.Context) error {
	srcIEEE, err := zigbee.ParseIEEE(c.device.IEEE())
	if err != nil {
		return err
	}
	dstIEEE, err := zigbee.ParseIEEE(c.device.radio.CoordinatorIEEE())
	if err != nil {
		return err
	}
	payload := zigbee.BuildBindReq(srcIEEE, c.endpoint, c.clusterID, dstIEEE)
	resp, err := c.device.radio.ZDORequest(ctx, c.device.NWK(), zigbee.ZDOBindReq, payload)
	if err != nil {
		return err
	}
	if len(resp) >= 1 && resp[0] != 0x00 {
		return fmt.Errorf("bind failed: status 0x%02X", resp[0])
	}
	return nil
}

// ConfigureReporting installs one reporting tuple and waits for the response.
func (c *clusterInstance) ConfigureReporting(ctx context.Context, attrID uint16, dataType uint8, minInterval, maxInterval uint16, change uint64) error {
	frame := zcl.BuildConfigureReporting(attrID, dataType, minInterval, maxInterval, change)
	seq := frame[1]
	if err := c.send(ctx, frame); err != nil {
		return err
	}
	resp, err := c.await(ctx, seq)
	if err != nil {
		return err
	}
	if resp.command == zcl.CmdConfigureReportingResponse && len(resp.payload) >= 1 && resp.payload[0] != 0x00 {
		return fmt.Errorf("configure reporting 0x%04X rejected: status 0x%02X", attrID, resp.payload[0])
	}
	return nil
}

// ReadAttributes reads the given attributes and returns the decoded values.
func (c *clusterInstance) ReadAttributes(ctx context.Context, attrIDs []uint16) (map[uint16]any, error) {
	frame := zcl.BuildReadAttributes(attrIDs...)
	seq := frame[1]
	if err := c.send(ctx, frame); err != nil {
		return nil, err
	}
	resp, err := c.await(ctx, seq)
	if err != nil {
		return nil, err
	}
	out := make(map[uint16]any)
	for _, attr := range zcl.ParseReadAttributesResponse(resp.payload) {
		out[attr.AttrID] = attr.Value
	}
	return out, nil
}

// Command sends a cluster-specific command. Success is the stack-level ack;
// devices with default responses disabled stay silent on success.
func (c *clusterInstance) Command(ctx context.Context, commandID uint8, payload []byte) error {
	frame := zcl.EncodeClusterCommand(commandID, payload)
	return c.send(ctx, frame)
}

// WriteAttribute writes one attribute and waits for the response.
func (c *clusterInstance) WriteAttribute(ctx context.Context, attrID uint16, dataType uint8, value []byte) error {
	frame := zcl.BuildWriteAttribute(attrID, dataType, value)
	seq := frame[1]
	if err := c.send(ctx, frame); err != nil {
		return err
	}
	resp, err := c.await(ctx, seq)
	if err != nil {
		return err
	}
	if resp.command == zcl.CmdWriteAttributesResponse && len(resp.payload) >= 1 && resp.payload[0] != 0x00 {
		return fmt.Errorf("write attribute 0x%04X rejected: status 0x%02X", attrID, resp.payload[0])
	}
	return nil
}

// ManufacturerCommand sends a manufacturer-specific frame.
func (c *clusterInstance) ManufacturerCommand(ctx context.Context, manufacturerCode uint16, frameType, commandID uint8, payload []byte) error {
	frame := zcl.EncodeManufacturerCommand(frameType, commandID, manufacturerCode, payload)
	return c.send(ctx, frame)
}
