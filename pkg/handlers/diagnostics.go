package handlers

import (
	"sync"
	"time"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Diagnostics cluster attribute IDs
const (
	attrLastMessageLQI  uint16 = 0x011C
	attrLastMessageRSSI uint16 = 0x011D
)

// LinkQualitySink receives per-device LQI/RSSI samples; the zone manager
// implements it. Registered process-wide because handlers are constructed
// before the zone subsystem exists.
type LinkQualitySink interface {
	RecordLinkQuality(sourceIEEE, targetIEEE string, rssi int, lqi int)
}

var (
	linkSinkMu      sync.RWMutex
	linkSink        LinkQualitySink
	coordinatorIEEE string
)

// SetLinkQualitySink wires the zone manager into the diagnostics hot path.
func SetLinkQualitySink(sink LinkQualitySink, coordinator string) {
	linkSinkMu.Lock()
	defer linkSinkMu.Unlock()
	linkSink = sink
	coordinatorIEEE = coordinator
}

// DiagnosticsHandler drives cluster 0x0B05. Its sole purpose is feeding
// LQI/RSSI reports into zone presence detection; nothing reaches MQTT.
type DiagnosticsHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterDiagnostics, NewDiagnosticsHandler)
}

// NewDiagnosticsHandler constructs the handler for one (device, endpoint) pair.
func NewDiagnosticsHandler(dev Device, cluster Cluster) Handler {
	h := &DiagnosticsHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrLastMessageLQI, DataType: zcl.TypeUint8, MinInterval: 2, MaxInterval: 5, Change: 1, Name: "last_message_lqi"},
	}
	return h
}

// AttributeUpdated forwards LQI/RSSI to the zone manager, approximating the
// missing half of the pair.
func (h *DiagnosticsHandler) AttributeUpdated(attrID uint16, value any, ts time.Time) {
	raw, ok := ToInt(value)
	if !ok {
		return
	}

	var lqi, rssi int
	switch attrID {
	case attrLastMessageLQI:
		lqi = int(raw)
		rssi = -100 + lqi*70/255
	case attrLastMessageRSSI:
		rssi = int(raw)
		lqi = (rssi + 100) * 255 / 70
		if lqi < 0 {
			lqi = 0
		}
		if lqi > 255 {
			lqi = 255
		}
	default:
		return
	}

	linkSinkMu.RLock()
	sink := linkSink
	coord := coordinatorIEEE
	linkSinkMu.RUnlock()
	if sink != nil && coord != "" {
		sink.RecordLinkQuality(coord, h.Dev.IEEE(), rssi, lqi)
	}
}
