package device

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/state"
)

// Settings is one device's persisted tuning from device_settings.json.
type Settings struct {
	PreferredEndpoints map[string]uint8 `json:"preferred_endpoints,omitempty"`
	TuyaSettings       map[string]any   `json:"tuya_settings,omitempty"`
	QoS                *byte            `json:"qos,omitempty"`
}

// SettingsStore persists names.json, device_settings.json and
// polling_config.json under the data directory.
type SettingsStore struct {
	mu sync.Mutex

	namesPath    string
	settingsPath string
	pollingPath  string

	names    map[string]string
	settings map[string]*Settings
	polling  map[string]int
}

// NewSettingsStore loads the three per-device stores.
func NewSettingsStore(namesPath, settingsPath, pollingPath string) *SettingsStore {
	s := &SettingsStore{
		namesPath:    namesPath,
		settingsPath: settingsPath,
		pollingPath:  pollingPath,
		names:        make(map[string]string),
		settings:     make(map[string]*Settings),
		polling:      make(map[string]int),
	}
	if err := state.LoadJSON(namesPath, &s.names); err != nil {
		log.Warn().Err(err).Msg("Failed to load device names")
	}
	if err := state.LoadJSON(settingsPath, &s.settings); err != nil {
		log.Warn().Err(err).Msg("Failed to load device settings")
	}
	if err := state.LoadJSON(pollingPath, &s.polling); err != nil {
		log.Warn().Err(err).Msg("Failed to load polling config")
	}
	return s
}

// Name returns the friendly name for a device, or "".
func (s *SettingsStore) Name(ieee string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[NormalizeIEEE(ieee)]
}

// SetName binds a friendly name and persists.
func (s *SettingsStore) SetName(ieee, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical := NormalizeIEEE(ieee)
	if name == "" {
		delete(s.names, canonical)
	} else {
		s.names[canonical] = name
	}
	return state.SaveJSON(s.namesPath, s.names)
}

// Names returns a copy of the full name map.
func (s *SettingsStore) Names() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out
}

// Get returns the settings for a device, or nil.
func (s *SettingsStore) Get(ieee string) *Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[NormalizeIEEE(ieee)]
}

// Set replaces the settings for a device and persists.
func (s *SettingsStore) Set(ieee string, settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[NormalizeIEEE(ieee)] = settings
	return state.SaveJSON(s.settingsPath, s.settings)
}

// PollingInterval returns the polling interval in seconds; 0 means disabled.
func (s *SettingsStore) PollingInterval(ieee string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling[NormalizeIEEE(ieee)]
}

// SetPollingInterval records a device's polling interval and persists.
func (s *SettingsStore) SetPollingInterval(ieee string, seconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical := NormalizeIEEE(ieee)
	if seconds <= 0 {
		delete(s.polling, canonical)
	} else {
		s.polling[canonical] = seconds
	}
	return state.SaveJSON(s.pollingPath, s.polling)
}

// PollingIntervals returns a copy of the polling map.
func (s *SettingsStore) PollingIntervals() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.polling))
	for k, v := range s.polling {
		out[k] = v
	}
	return out
}

// Remove drops all persisted settings for a departed device.
func (s *SettingsStore) Remove(ieee string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical := NormalizeIEEE(ieee)
	delete(s.names, canonical)
	delete(s.settings, canonical)
	delete(s.polling, canonical)
	_ = state.SaveJSON(s.namesPath, s.names)
	_ = state.SaveJSON(s.settingsPath, s.settings)
	_ = state.SaveJSON(s.pollingPath, s.polling)
}
