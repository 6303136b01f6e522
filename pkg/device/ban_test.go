package device

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanListRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned_devices.json")
	b := NewBanList(path)

	ieee := "AA:BB:CC:DD:EE:FF:00:11"
	assert.True(t, b.Ban(ieee))
	assert.True(t, b.IsBanned("aa:bb:cc:dd:ee:ff:00:11"))
	assert.True(t, b.IsBanned("AABBCCDDEEFF0011"))

	// ban then unban leaves the list unchanged after normalisation
	assert.True(t, b.Unban("aabbccddeeff0011"))
	assert.False(t, b.IsBanned(ieee))
	assert.Empty(t, b.List())
}

func TestBanListPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banned_devices.json")
	b := NewBanList(path)
	require.True(t, b.Ban("aa:bb:cc:dd:ee:ff:00:11"))

	reloaded := NewBanList(path)
	assert.True(t, reloaded.IsBanned("aa:bb:cc:dd:ee:ff:00:11"))
}

func TestBanDuplicate(t *testing.T) {
	b := NewBanList(filepath.Join(t.TempDir(), "banned_devices.json"))
	require.True(t, b.Ban("aa:bb:cc:dd:ee:ff:00:11"))
	assert.False(t, b.Ban("AA:BB:CC:DD:EE:FF:00:11"))
	assert.False(t, b.Unban("11:11:11:11:11:11:11:11"))
}
