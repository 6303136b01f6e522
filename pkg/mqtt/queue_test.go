package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedPublish struct {
	topic string
	qos   byte
	wait  bool
}

func collectPublishes() (publishFunc, *[]capturedPublish, *sync.Mutex) {
	var mu sync.Mutex
	var published []capturedPublish
	fn := func(topic string, payload []byte, qos byte, retain bool, wait bool) error {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, capturedPublish{topic: topic, qos: qos, wait: wait})
		return nil
	}
	return fn, &published, &mu
}

func TestPublishNowaitReturnsImmediately(t *testing.T) {
	fn, _, _ := collectPublishes()
	q := NewPublishQueue(fn, 10, 10*time.Millisecond, nil)

	start := time.Now()
	ok := q.PublishNowait("zigbee/dev", []byte(`{}`), 0, true)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), time.Millisecond)
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	fn, _, _ := collectPublishes()
	q := NewPublishQueue(fn, 3, 10*time.Millisecond, nil)

	q.PublishNowait("t/1", nil, 0, false)
	q.PublishNowait("t/2", nil, 0, false)
	q.PublishNowait("t/3", nil, 0, false)
	q.PublishNowait("t/4", nil, 0, false) // drops t/1

	stats := q.Stats()
	assert.Equal(t, 3, stats.QueueSize)
	assert.Equal(t, uint64(1), stats.DroppedTotal)
	assert.Equal(t, uint64(1), stats.QueueFullEvents)

	q.mu.Lock()
	first := q.queue[0].topic
	q.mu.Unlock()
	assert.Equal(t, "t/2", first)
}

func TestWorkerPublishesBatch(t *testing.T) {
	fn, published, mu := collectPublishes()
	q := NewPublishQueue(fn, 100, 5*time.Millisecond, nil)
	q.Start()
	defer q.Stop()

	for i := 0; i < 5; i++ {
		q.PublishNowait("zigbee/dev", []byte(`{}`), 0, true)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*published) == 5
	}, time.Second, 5*time.Millisecond)

	stats := q.Stats()
	assert.Equal(t, uint64(5), stats.PublishedTotal)
	assert.GreaterOrEqual(t, stats.BatchesTotal, uint64(1))
}

func TestQoSSelectsWait(t *testing.T) {
	fn, published, mu := collectPublishes()
	q := NewPublishQueue(fn, 100, 5*time.Millisecond, nil)
	q.Start()
	defer q.Stop()

	q.PublishNowait("fire/forget", nil, 0, false)
	q.PublishNowait("confirmed", nil, 1, true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*published) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, p := range *published {
		if p.topic == "fire/forget" {
			assert.False(t, p.wait)
		} else {
			assert.True(t, p.wait)
		}
	}
}

func TestStopFlushesRemaining(t *testing.T) {
	fn, published, mu := collectPublishes()
	q := NewPublishQueue(fn, 100, time.Hour, nil) // window never fires
	q.Start()

	q.PublishNowait("pending/1", nil, 0, false)
	q.PublishNowait("pending/2", nil, 0, false)
	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *published, 2)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "a-b-c-d", SafeName("a+b#c/d"))
	assert.Equal(t, "plain", SafeName("plain"))
}
