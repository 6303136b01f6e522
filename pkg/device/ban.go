package device

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/state"
)

// banFile is the persisted shape: {"banned": [...], "count": N}.
type banFile struct {
	Banned []string `json:"banned"`
	Count  int      `json:"count"`
}

// BanList is the persisted set of banned IEEEs, consulted synchronously on
// every join event. Reads take the read lock; writes change the set in place
// under the write lock and then persist it, without a copy-and-swap.
type BanList struct {
	mu     sync.RWMutex
	path   string
	banned map[string]struct{}
}

// NewBanList loads the ban list from path, tolerating a missing file.
func NewBanList(path string) *BanList {
	b := &BanList{path: path, banned: make(map[string]struct{})}
	var f banFile
	if err := state.LoadJSON(path, &f); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to load ban list")
	}
	for _, ieee := range f.Banned {
		b.banned[NormalizeIEEE(ieee)] = struct{}{}
	}
	if len(b.banned) > 0 {
		log.Info().Int("count", len(b.banned)).Msg("Ban list loaded")
	}
	return b
}

// IsBanned reports whether the IEEE is banned, in any accepted spelling.
func (b *BanList) IsBanned(ieee string) bool {
	canonical := NormalizeIEEE(ieee)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, banned := b.banned[canonical]
	return banned
}

// Ban adds the IEEE and persists. Returns false when already banned.
func (b *BanList) Ban(ieee string) bool {
	canonical := NormalizeIEEE(ieee)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.banned[canonical]; exists {
		return false
	}
	b.banned[canonical] = struct{}{}
	b.saveLocked()
	log.Warn().Str("ieee", canonical).Msg("Device banned")
	return true
}

// Unban removes the IEEE and persists. Returns false when not banned.
func (b *BanList) Unban(ieee string) bool {
	canonical := NormalizeIEEE(ieee)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.banned[canonical]; !exists {
		return false
	}
	delete(b.banned, canonical)
	b.saveLocked()
	log.Info().Str("ieee", canonical).Msg("Device unbanned")
	return true
}

// List returns the banned IEEEs.
func (b *BanList) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.banned))
	for ieee := range b.banned {
		out = append(out, ieee)
	}
	return out
}

func (b *BanList) saveLocked() {
	f := banFile{Banned: make([]string, 0, len(b.banned))}
	for ieee := range b.banned {
		f.Banned = append(f.Banned, ieee)
	}
	f.Count = len(f.Banned)
	if err := state.SaveJSON(b.path, f); err != nil {
		log.Error().Err(err).Msg("Failed to save ban list")
	}
}
