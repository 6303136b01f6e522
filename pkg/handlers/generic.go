package handlers

import (
	"context"
	"math"
	"sync"
)

// OverrideSpec renames and rescales one raw attribute, sourced from the
// user-maintained device overrides file.
type OverrideSpec struct {
	Name  string  `json:"name"`
	Scale float64 `json:"scale"`
	Unit  string  `json:"unit"`
}

// OverrideLookup resolves an override for a (device, cluster, attribute)
// triple. Model-level definitions and per-IEEE maps both funnel through it.
type OverrideLookup func(ieee, manufacturer, model string, clusterID, attrID uint16) (OverrideSpec, bool)

var (
	overrideMu     sync.RWMutex
	overrideLookup OverrideLookup
)

// SetOverrideLookup wires the override store into generic handlers.
func SetOverrideLookup(lookup OverrideLookup) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	overrideLookup = lookup
}

// GenericHandler is the fallback for clusters with no registered handler.
// With an override it emits the override's named field; without one it emits
// the opaque cluster_XXXX_attr_YYYY form that never reaches MQTT.
type GenericHandler struct {
	Base
}

// NewGenericHandler constructs the fallback handler. Not registered: the
// device wrapper instantiates it directly for unknown clusters.
func NewGenericHandler(dev Device, cluster Cluster) Handler {
	h := &GenericHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.Parse = h.parse
	return h
}

func (h *GenericHandler) parse(attrID uint16, value any) (string, any) {
	overrideMu.RLock()
	lookup := overrideLookup
	overrideMu.RUnlock()

	if lookup != nil {
		if spec, ok := lookup(h.Dev.IEEE(), h.Dev.Manufacturer(), h.Dev.Model(), h.Clus.ID(), attrID); ok {
			out := value
			if spec.Scale != 0 && spec.Scale != 1 {
				if f, okF := ToFloat(value); okF {
					out = math.Round(f*spec.Scale*100) / 100
				}
			}
			return spec.Name, out
		}
	}
	return AttrFallbackName(h.Clus.ID(), attrID), value
}

// Configure is a no-op: unknown clusters are observed, never driven.
func (h *GenericHandler) Configure(ctx context.Context) error { return nil }
