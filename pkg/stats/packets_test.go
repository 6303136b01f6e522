package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPacketCounters(t *testing.T) {
	s := New(nil)
	ieee := "00:11:22:33:44:55:66:77"

	s.RecordRx(ieee)
	s.RecordRx(ieee)
	s.RecordTx(ieee)
	s.RecordError(ieee)

	c := s.Get(ieee)
	assert.Equal(t, uint64(2), c.RxPackets)
	assert.Equal(t, uint64(1), c.TxPackets)
	assert.Equal(t, uint64(1), c.Errors)
	assert.Equal(t, 2.0, c.RxPerMinute)
	assert.Equal(t, 1.0, c.TxPerMinute)
	assert.Greater(t, c.LastSeen, int64(0))
}

func TestPacketStatsUnknownDevice(t *testing.T) {
	s := New(nil)
	c := s.Get("not:registered")
	assert.Equal(t, uint64(0), c.RxPackets)
}

func TestPacketStatsRemove(t *testing.T) {
	s := New(nil)
	s.RecordRx("dev")
	s.Remove("dev")
	assert.Equal(t, uint64(0), s.Get("dev").RxPackets)
	assert.Empty(t, s.All())
}

func TestPacketStatsAll(t *testing.T) {
	s := New(nil)
	s.RecordRx("a")
	s.RecordTx("b")
	all := s.All()
	assert.Len(t, all, 2)
	assert.Equal(t, uint64(1), all["a"].RxPackets)
	assert.Equal(t, uint64(1), all["b"].TxPackets)
}
