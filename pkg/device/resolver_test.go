package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIEEE(t *testing.T) {
	canonical := "00:11:22:33:44:55:66:77"
	for _, spelling := range []string{
		"00:11:22:33:44:55:66:77",
		"00-11-22-33-44-55-66-77",
		"0011223344556677",
		"  00:11:22:33:44:55:66:77  ",
	} {
		assert.Equal(t, canonical, NormalizeIEEE(spelling), "spelling %q", spelling)
	}
}

func TestNormalizeIEEECaseInsensitive(t *testing.T) {
	assert.Equal(t, "aa:bb:cc:dd:ee:ff:00:11", NormalizeIEEE("AA:BB:CC:DD:EE:FF:00:11"))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff:00:11", NormalizeIEEE("AABBCCDDEEFF0011"))
}

func TestNodeID(t *testing.T) {
	assert.Equal(t, "0011223344556677", NodeID("00:11:22:33:44:55:66:77"))
}

func TestResolverAllSpellings(t *testing.T) {
	r := NewResolver()
	r.AddDevice("00:11:22:33:44:55:66:77")
	r.SetName("00:11:22:33:44:55:66:77", "Living Room Lamp")

	for _, identifier := range []string{
		"00:11:22:33:44:55:66:77",
		"0011223344556677",
		"00:11:22:33:44:55:66:77",
		"Living Room Lamp",
		"living room lamp",
		"living room",
	} {
		ieee, ok := r.Resolve(identifier)
		assert.True(t, ok, "identifier %q", identifier)
		assert.Equal(t, "00:11:22:33:44:55:66:77", ieee, "identifier %q", identifier)
	}
}

func TestResolverAmbiguousSubstring(t *testing.T) {
	r := NewResolver()
	r.AddDevice("00:11:22:33:44:55:66:77")
	r.AddDevice("00:11:22:33:44:55:66:78")
	r.SetName("00:11:22:33:44:55:66:77", "lamp one")
	r.SetName("00:11:22:33:44:55:66:78", "lamp two")

	_, ok := r.Resolve("lamp")
	assert.False(t, ok)
}

func TestResolverRemove(t *testing.T) {
	r := NewResolver()
	r.AddDevice("00:11:22:33:44:55:66:77")
	r.SetName("00:11:22:33:44:55:66:77", "sensor")
	r.RemoveDevice("00:11:22:33:44:55:66:77")

	_, ok := r.Resolve("sensor")
	assert.False(t, ok)
	_, ok = r.Resolve("00:11:22:33:44:55:66:77")
	assert.False(t, ok)
}
