package state

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// debounceWindow coalesces cache writes; a new write within the window resets
// the timer.
const debounceWindow = 2 * time.Second

// transientFields are dropped on restore so a stale "occupied" can't survive
// a restart.
var transientFields = []string{"occupancy", "motion", "presence", "radar_state"}

// Cache is the write-through last-value state cache with debounced disk
// persistence, keyed by IEEE.
type Cache struct {
	mu    sync.Mutex
	path  string
	data  map[string]map[string]any
	dirty bool

	timer   *time.Timer
	stopped bool

	flushes uint64
}

// NewCache loads the persisted cache from path.
func NewCache(path string) *Cache {
	c := &Cache{
		path: path,
		data: make(map[string]map[string]any),
	}
	if err := LoadJSON(path, &c.data); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to load state cache")
	}
	if c.data == nil {
		c.data = make(map[string]map[string]any)
	}
	log.Info().Int("devices", len(c.data)).Msg("State cache loaded")
	return c
}

// Set writes through one device's state and schedules a debounced flush.
func (c *Cache) Set(ieee string, state map[string]any) {
	cp := make(map[string]any, len(state))
	for k, v := range state {
		cp[k] = v
	}
	c.mu.Lock()
	c.data[ieee] = cp
	c.dirty = true
	c.scheduleLocked()
	c.mu.Unlock()
}

// Get returns one device's cached state, or nil.
func (c *Cache) Get(ieee string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.data[ieee]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(cached))
	for k, v := range cached {
		out[k] = v
	}
	return out
}

// Restore returns one device's cached state with transient sensor fields
// removed, writing the sanitised copy back to the cache immediately.
func (c *Cache) Restore(ieee string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.data[ieee]
	if !ok {
		return nil
	}
	sanitised := Sanitise(cached)
	c.data[ieee] = sanitised
	c.dirty = true
	c.scheduleLocked()

	out := make(map[string]any, len(sanitised))
	for k, v := range sanitised {
		out[k] = v
	}
	return out
}

// Sanitise strips transient sensor fields from a state map. Pure: sanitising
// a restored map equals restoring a sanitised one.
func Sanitise(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	for _, field := range transientFields {
		delete(out, field)
	}
	return out
}

// Purge drops a removed device's entry and schedules a flush.
func (c *Cache) Purge(ieee string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[ieee]; !ok {
		return
	}
	delete(c.data, ieee)
	c.dirty = true
	c.scheduleLocked()
}

// PurgeField removes one field from a device's cached state, writing back
// immediately. Used when a capability-rejected field is found in the cache.
func (c *Cache) PurgeField(ieee, field string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.data[ieee]
	if !ok {
		return
	}
	if _, present := cached[field]; !present {
		return
	}
	delete(cached, field)
	c.dirty = true
	c.scheduleLocked()
}

// scheduleLocked arms the debounce timer, cancelling any pending one. At most
// one flush task is live at a time.
func (c *Cache) scheduleLocked() {
	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(debounceWindow, c.flush)
}

func (c *Cache) flush() {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	snapshot := make(map[string]map[string]any, len(c.data))
	for ieee, state := range c.data {
		cp := make(map[string]any, len(state))
		for k, v := range state {
			cp[k] = v
		}
		snapshot[ieee] = cp
	}
	c.dirty = false
	c.flushes++
	c.mu.Unlock()

	if err := SaveJSON(c.path, snapshot); err != nil {
		log.Error().Err(err).Msg("State cache flush failed")
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return
	}
	log.Debug().Int("devices", len(snapshot)).Msg("State cache flushed")
}

// Flushes returns the number of completed disk flushes.
func (c *Cache) Flushes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// Close cancels the debounce task and forces a final flush if dirty.
func (c *Cache) Close() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.flush()
}
