package device

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/handlers"
	"github.com/urmzd/zigbridge/pkg/state"
)

// overridesFile is the persisted shape of device_overrides.json:
// model-level definitions keyed "model|manufacturer", plus per-IEEE maps.
// Attribute keys use the "cccc_aaaa" hex form.
type overridesFile struct {
	Definitions   map[string]map[string]handlers.OverrideSpec `json:"definitions"`
	IEEEOverrides map[string]map[string]handlers.OverrideSpec `json:"ieee_overrides"`
}

// OverrideStore resolves user-defined attribute overrides for the generic
// handler: per-IEEE entries win over model-level definitions.
type OverrideStore struct {
	mu   sync.RWMutex
	path string
	data overridesFile
}

// NewOverrideStore loads device_overrides.json, tolerating a missing file.
func NewOverrideStore(path string) *OverrideStore {
	s := &OverrideStore{path: path}
	s.data.Definitions = make(map[string]map[string]handlers.OverrideSpec)
	s.data.IEEEOverrides = make(map[string]map[string]handlers.OverrideSpec)
	if err := state.LoadJSON(path, &s.data); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to load device overrides")
	}
	if s.data.Definitions == nil {
		s.data.Definitions = make(map[string]map[string]handlers.OverrideSpec)
	}
	if s.data.IEEEOverrides == nil {
		s.data.IEEEOverrides = make(map[string]map[string]handlers.OverrideSpec)
	}
	return s
}

func attrKey(clusterID, attrID uint16) string {
	return fmt.Sprintf("%04x_%04x", clusterID, attrID)
}

// Lookup implements handlers.OverrideLookup.
func (s *OverrideStore) Lookup(ieee, manufacturer, model string, clusterID, attrID uint16) (handlers.OverrideSpec, bool) {
	key := attrKey(clusterID, attrID)
	canonical := NormalizeIEEE(ieee)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if attrs, ok := s.data.IEEEOverrides[canonical]; ok {
		if spec, ok := attrs[key]; ok {
			return spec, true
		}
	}

	defKey := strings.ToLower(model) + "|" + strings.ToLower(manufacturer)
	if attrs, ok := s.data.Definitions[defKey]; ok {
		if spec, ok := attrs[key]; ok {
			return spec, true
		}
	}
	return handlers.OverrideSpec{}, false
}

// SetIEEEOverride installs a per-device override and persists.
func (s *OverrideStore) SetIEEEOverride(ieee string, clusterID, attrID uint16, spec handlers.OverrideSpec) error {
	canonical := NormalizeIEEE(ieee)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.IEEEOverrides[canonical] == nil {
		s.data.IEEEOverrides[canonical] = make(map[string]handlers.OverrideSpec)
	}
	s.data.IEEEOverrides[canonical][attrKey(clusterID, attrID)] = spec
	return state.SaveJSON(s.path, s.data)
}

// SetDefinition installs a model-level override map and persists.
func (s *OverrideStore) SetDefinition(model, manufacturer string, attrs map[string]handlers.OverrideSpec) error {
	key := strings.ToLower(model) + "|" + strings.ToLower(manufacturer)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Definitions[key] = attrs
	return state.SaveJSON(s.path, s.data)
}
