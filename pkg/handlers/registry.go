package handlers

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Constructor builds a handler bound to one (device, endpoint, cluster) triple.
type Constructor func(dev Device, cluster Cluster) Handler

type quirk struct {
	clusterID uint16
	match     func(manufacturer, model string) bool
	ctor      Constructor
}

var (
	registryMu sync.RWMutex
	registry   = map[uint16]Constructor{}
	quirks     []quirk
)

// Register installs the default constructor for a cluster ID. Called from the
// handler files' init functions; the map is read-only after process start.
func Register(clusterID uint16, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[clusterID] = ctor
	log.Debug().Str("cluster", zcl.ClusterName(clusterID)).Msg("Registered cluster handler")
}

// RegisterQuirk installs a manufacturer/model gated constructor that takes
// precedence over the default for its cluster.
func RegisterQuirk(clusterID uint16, match func(manufacturer, model string) bool, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	quirks = append(quirks, quirk{clusterID: clusterID, match: match, ctor: ctor})
}

// ConstructorFor resolves the constructor for a cluster on a given device,
// applying quirks first.
func ConstructorFor(clusterID uint16, manufacturer, model string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	m := strings.ToLower(manufacturer)
	mo := strings.ToLower(model)
	for _, q := range quirks {
		if q.clusterID == clusterID && q.match(m, mo) {
			return q.ctor, true
		}
	}
	ctor, ok := registry[clusterID]
	return ctor, ok
}

// SupportedClusters lists the cluster IDs with a registered default handler.
func SupportedClusters() []uint16 {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]uint16, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
