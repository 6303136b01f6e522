package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempCachePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "device_state_cache.json")
}

func TestCacheSetGet(t *testing.T) {
	c := NewCache(tempCachePath(t))
	defer c.Close()

	c.Set("00:11:22:33:44:55:66:77", map[string]any{"state": "ON"})
	got := c.Get("00:11:22:33:44:55:66:77")
	require.NotNil(t, got)
	assert.Equal(t, "ON", got["state"])
}

func TestCacheDebounceCoalesces(t *testing.T) {
	path := tempCachePath(t)
	c := NewCache(path)

	// N writes inside the window produce exactly one flush.
	for i := 0; i < 10; i++ {
		c.Set("dev", map[string]any{"counter": i})
	}
	time.Sleep(debounceWindow + 500*time.Millisecond)
	assert.Equal(t, uint64(1), c.Flushes())

	_, err := os.Stat(path)
	assert.NoError(t, err)
	c.Close()
}

func TestCacheCloseForcesFlush(t *testing.T) {
	path := tempCachePath(t)
	c := NewCache(path)
	c.Set("dev", map[string]any{"state": "ON"})
	c.Close()

	// Reload proves the final flush happened without waiting for the window.
	c2 := NewCache(path)
	defer c2.Close()
	got := c2.Get("dev")
	require.NotNil(t, got)
	assert.Equal(t, "ON", got["state"])
}

func TestCacheRestoreDropsTransientState(t *testing.T) {
	path := tempCachePath(t)
	c := NewCache(path)
	c.Set("dev", map[string]any{
		"occupancy":   true,
		"motion":      true,
		"presence":    true,
		"temperature": 21.0,
	})

	restored := c.Restore("dev")
	require.NotNil(t, restored)
	assert.NotContains(t, restored, "occupancy")
	assert.NotContains(t, restored, "motion")
	assert.NotContains(t, restored, "presence")
	assert.Equal(t, 21.0, restored["temperature"])

	// The purge writes back: a second read has no transient fields either.
	assert.NotContains(t, c.Get("dev"), "occupancy")
	c.Close()
}

func TestSanitiseIdempotent(t *testing.T) {
	state := map[string]any{"occupancy": true, "temperature": 20.0}
	once := Sanitise(state)
	twice := Sanitise(once)
	assert.Equal(t, once, twice)
}

func TestCachePurge(t *testing.T) {
	c := NewCache(tempCachePath(t))
	defer c.Close()
	c.Set("dev", map[string]any{"state": "ON"})
	c.Purge("dev")
	assert.Nil(t, c.Get("dev"))
}

func TestCachePurgeField(t *testing.T) {
	c := NewCache(tempCachePath(t))
	defer c.Close()
	c.Set("dev", map[string]any{"state": "ON", "bogus_field": 1})
	c.PurgeField("dev", "bogus_field")
	got := c.Get("dev")
	assert.NotContains(t, got, "bogus_field")
	assert.Contains(t, got, "state")
}
