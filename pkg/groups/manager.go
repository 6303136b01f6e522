package groups

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/device"
	"github.com/urmzd/zigbridge/pkg/state"
	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Groups cluster command IDs
const (
	cmdAddGroup    uint8 = 0x00
	cmdRemoveGroup uint8 = 0x03
)

// Info is one persisted group record.
type Info struct {
	ID           uint16   `json:"id"`
	Name         string   `json:"name"`
	Members      []string `json:"members"`
	Capabilities []string `json:"capabilities"`
	CreatedAt    int64    `json:"created_at"`
}

// groupsFile is the persisted shape of groups/groups.json.
type groupsFile struct {
	Groups map[string]*Info `json:"groups"`
	NextID uint16           `json:"next_id"`
}

// DeviceLookup resolves IEEEs to live device wrappers; the gateway provides it.
type DeviceLookup func(ieee string) (*device.Device, bool)

// DiscoveryPublisher announces groups as virtual entities.
type DiscoveryPublisher interface {
	PublishGroupDiscovery(group *Info)
	RemoveGroupDiscovery(group *Info)
	PublishGroupState(group *Info, stateMap map[string]any)
}

// MemberResult is one device's outcome from a fan-out command.
type MemberResult struct {
	IEEE    string `json:"ieee"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Manager owns logical multi-device groups backed by native Zigbee group
// membership on cluster 0x0004.
type Manager struct {
	mu     sync.Mutex
	path   string
	groups map[string]*Info
	nextID uint16

	lookup    DeviceLookup
	publisher DiscoveryPublisher
}

// NewManager loads groups/groups.json.
func NewManager(path string, lookup DeviceLookup, publisher DiscoveryPublisher) *Manager {
	m := &Manager{
		path:      path,
		groups:    make(map[string]*Info),
		nextID:    1,
		lookup:    lookup,
		publisher: publisher,
	}
	var f groupsFile
	if err := state.LoadJSON(path, &f); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to load groups")
	}
	if f.Groups != nil {
		m.groups = f.Groups
	}
	if f.NextID > 0 {
		m.nextID = f.NextID
	}
	log.Info().Int("groups", len(m.groups)).Msg("Group manager loaded")
	return m
}

func (m *Manager) saveLocked() error {
	return state.SaveJSON(m.path, groupsFile{Groups: m.groups, NextID: m.nextID})
}

func groupKey(id uint16) string { return fmt.Sprintf("%d", id) }

// groupsCluster returns a member's Groups-cluster access.
func (m *Manager) groupsCluster(ieee string) (interface {
	Command(ctx context.Context, commandID uint8, payload []byte) error
}, error) {
	dev, ok := m.lookup(ieee)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotFound, ieee)
	}
	h, ok := dev.PrimaryHandler(zcl.ClusterGroups)
	if !ok {
		return nil, fmt.Errorf("device %s has no Groups cluster", ieee)
	}
	return h.Cluster(), nil
}

func addGroupPayload(groupID uint16, name string) []byte {
	out := make([]byte, 0, 3+len(name))
	out = append(out, byte(groupID), byte(groupID>>8))
	out = append(out, byte(len(name)))
	out = append(out, name...)
	return out
}

// Create checks member compatibility, assigns the next group id, adds every
// device to the native group, persists and announces the group.
func (m *Manager) Create(ctx context.Context, name string, ieees []string) (*Info, error) {
	if name == "" || len(ieees) == 0 {
		return nil, fmt.Errorf("group name and members required")
	}

	// Compatibility: every member must exist, be initialised and not be a
	// battery end device; the group's capability set is the intersection of
	// the members'. Members without a Groups cluster are kept, but their
	// native group add is skipped below.
	var common map[string]struct{}
	members := make([]string, 0, len(ieees))
	for _, raw := range ieees {
		ieee := device.NormalizeIEEE(raw)
		dev, ok := m.lookup(ieee)
		if !ok {
			return nil, fmt.Errorf("%w: %s", device.ErrNotFound, ieee)
		}
		if dev.Role() == "EndDevice" && dev.PowerSource() == "Battery" {
			return nil, fmt.Errorf("device %s is a passive sensor, not groupable", ieee)
		}
		caps := dev.Capabilities()
		if caps == nil {
			return nil, fmt.Errorf("device %s not initialised", ieee)
		}
		capSet := make(map[string]struct{})
		for _, c := range caps.List() {
			capSet[c] = struct{}{}
		}
		if common == nil {
			common = capSet
		} else {
			for c := range common {
				if _, ok := capSet[c]; !ok {
					delete(common, c)
				}
			}
		}
		members = append(members, ieee)
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	// Native group membership via cluster 0x0004.
	for _, ieee := range members {
		cluster, err := m.groupsCluster(ieee)
		if err != nil {
			log.Warn().Err(err).Str("ieee", ieee).Msg("Group add skipped for member")
			continue
		}
		addCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = cluster.Command(addCtx, cmdAddGroup, addGroupPayload(id, name))
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("ieee", ieee).Msg("Native group add failed")
		}
	}

	caps := make([]string, 0, len(common))
	for c := range common {
		caps = append(caps, c)
	}
	info := &Info{
		ID:           id,
		Name:         name,
		Members:      members,
		Capabilities: caps,
		CreatedAt:    time.Now().UnixMilli(),
	}

	m.mu.Lock()
	m.groups[groupKey(id)] = info
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if m.publisher != nil {
		m.publisher.PublishGroupDiscovery(info)
		// Seed the group's retained state from the first available member.
		for _, ieee := range members {
			if dev, ok := m.lookup(ieee); ok && dev.Available() {
				m.publisher.PublishGroupState(info, dev.State())
				break
			}
		}
	}

	log.Info().Uint16("id", id).Str("name", name).Int("members", len(members)).Msg("Group created")
	return info, nil
}

// Remove deletes the native membership, the discovery entity and the record.
func (m *Manager) Remove(ctx context.Context, id uint16) error {
	m.mu.Lock()
	info, ok := m.groups[groupKey(id)]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("group %d not found", id)
	}
	delete(m.groups, groupKey(id))
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	payload := []byte{byte(id), byte(id >> 8)}
	for _, ieee := range info.Members {
		cluster, cerr := m.groupsCluster(ieee)
		if cerr != nil {
			continue
		}
		rmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if cerr := cluster.Command(rmCtx, cmdRemoveGroup, payload); cerr != nil {
			log.Warn().Err(cerr).Str("ieee", ieee).Msg("Native group remove failed")
		}
		cancel()
	}

	if m.publisher != nil {
		m.publisher.RemoveGroupDiscovery(info)
	}
	log.Info().Uint16("id", id).Str("name", info.Name).Msg("Group removed")
	return nil
}

// Control fans a command out to every member in parallel, collecting
// per-member results.
func (m *Manager) Control(ctx context.Context, id uint16, command map[string]any) ([]MemberResult, error) {
	m.mu.Lock()
	info, ok := m.groups[groupKey(id)]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("group %d not found", id)
	}

	results := make([]MemberResult, len(info.Members))
	var wg sync.WaitGroup
	for i, ieee := range info.Members {
		wg.Add(1)
		go func(i int, ieee string) {
			defer wg.Done()
			results[i] = MemberResult{IEEE: ieee, Success: true}
			dev, ok := m.lookup(ieee)
			if !ok {
				results[i] = MemberResult{IEEE: ieee, Error: device.ErrNotFound.Error()}
				return
			}
			for verb, value := range command {
				if err := dev.SendCommand(ctx, verb, value, 0); err != nil {
					results[i] = MemberResult{IEEE: ieee, Error: err.Error()}
					return
				}
			}
		}(i, ieee)
	}
	wg.Wait()

	if m.publisher != nil {
		if dev, ok := m.lookup(info.Members[0]); ok {
			m.publisher.PublishGroupState(info, dev.State())
		}
	}
	return results, nil
}

// Get returns one group.
func (m *Manager) Get(id uint16) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.groups[groupKey(id)]
	return info, ok
}

// ByName resolves a group by its exact plain name; safe names are not matched.
func (m *Manager) ByName(name string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.groups {
		if info.Name == name {
			return info, true
		}
	}
	return nil, false
}

// List returns all groups.
func (m *Manager) List() []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Info, 0, len(m.groups))
	for _, info := range m.groups {
		out = append(out, info)
	}
	return out
}
