package mqtt

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxQueueSize = 1000
	defaultBatchWindow  = 10 * time.Millisecond
	maxBatchSize        = 50
)

// queuedMessage is one pending publish.
type queuedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retain   bool
	queuedAt time.Time
}

// publishFunc performs the actual broker publish. wait selects QoS-1+
// confirmation; QoS-0 publishes are fire-and-forget.
type publishFunc func(topic string, payload []byte, qos byte, retain bool, wait bool) error

// QueueStats is a snapshot of the queue counters.
type QueueStats struct {
	QueueSize       int    `json:"queue_size"`
	QueueMax        int    `json:"queue_max"`
	PublishedTotal  uint64 `json:"published_total"`
	DroppedTotal    uint64 `json:"dropped_total"`
	BatchesTotal    uint64 `json:"batches_total"`
	QueueFullEvents uint64 `json:"queue_full_events"`
	ErrorsTotal     uint64 `json:"errors_total"`
	Running         bool   `json:"running"`
}

// PublishQueue is the non-blocking bounded queue between the gateway and the
// broker. PublishNowait returns immediately; a background worker batches up to
// 50 messages per 10 ms window. When full, the oldest entry is dropped.
type PublishQueue struct {
	mu    sync.Mutex
	queue []queuedMessage

	maxSize     int
	batchWindow time.Duration

	publish publishFunc

	published  uint64
	dropped    uint64
	batches    uint64
	fullEvents uint64
	errors     uint64

	running  bool
	stopChan chan struct{}
	done     chan struct{}

	metricPublished prometheus.Counter
	metricDropped   prometheus.Counter
	metricBatches   prometheus.Counter
	metricErrors    prometheus.Counter
	metricQueueSize prometheus.GaugeFunc
}

// NewPublishQueue creates the queue. A nil registerer skips metrics.
func NewPublishQueue(publish publishFunc, maxSize int, batchWindow time.Duration, reg prometheus.Registerer) *PublishQueue {
	if maxSize <= 0 {
		maxSize = defaultMaxQueueSize
	}
	if batchWindow <= 0 {
		batchWindow = defaultBatchWindow
	}
	q := &PublishQueue{
		maxSize:     maxSize,
		batchWindow: batchWindow,
		publish:     publish,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	q.metricPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zigbridge_mqtt_published_total", Help: "Messages published to the broker.",
	})
	q.metricDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zigbridge_mqtt_dropped_total", Help: "Messages dropped by the publish queue.",
	})
	q.metricBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zigbridge_mqtt_batches_total", Help: "Publish batches flushed.",
	})
	q.metricErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zigbridge_mqtt_errors_total", Help: "Publish errors.",
	})
	q.metricQueueSize = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "zigbridge_mqtt_queue_size", Help: "Messages waiting in the publish queue.",
	}, func() float64 {
		q.mu.Lock()
		defer q.mu.Unlock()
		return float64(len(q.queue))
	})
	if reg != nil {
		reg.MustRegister(q.metricPublished, q.metricDropped, q.metricBatches, q.metricErrors, q.metricQueueSize)
	}
	return q
}

// Start launches the background worker.
func (q *PublishQueue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.worker()
	log.Info().
		Int("max_size", q.maxSize).
		Dur("batch_window", q.batchWindow).
		Msg("MQTT publish queue started")
}

// Stop halts the worker and flushes remaining messages.
func (q *PublishQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	close(q.stopChan)
	<-q.done

	if batch := q.drain(maxBatchSize * 100); len(batch) > 0 {
		log.Info().Int("remaining", len(batch)).Msg("Flushing publish queue on stop")
		q.publishBatch(batch)
	}
	log.Info().
		Uint64("published", q.published).
		Uint64("dropped", q.dropped).
		Msg("MQTT publish queue stopped")
}

// PublishNowait enqueues a message without blocking. When the queue is full
// the oldest entry is dropped and counted.
func (q *PublishQueue) PublishNowait(topic string, payload []byte, qos byte, retain bool) bool {
	q.mu.Lock()
	if len(q.queue) >= q.maxSize {
		q.queue = q.queue[1:]
		q.dropped++
		q.fullEvents++
		q.metricDropped.Inc()
	}
	q.queue = append(q.queue, queuedMessage{
		topic:    topic,
		payload:  payload,
		qos:      qos,
		retain:   retain,
		queuedAt: time.Now(),
	})
	q.mu.Unlock()
	return true
}

func (q *PublishQueue) drain(max int) []queuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.queue)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	batch := make([]queuedMessage, n)
	copy(batch, q.queue[:n])
	q.queue = q.queue[n:]
	return batch
}

func (q *PublishQueue) worker() {
	defer close(q.done)
	ticker := time.NewTicker(q.batchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopChan:
			return
		case <-ticker.C:
			batch := q.drain(maxBatchSize)
			if len(batch) == 0 {
				continue
			}
			q.publishBatch(batch)
		}
	}
}

// publishBatch sends one batch: QoS-0 fire-and-forget, QoS-1+ awaited in
// enqueue order.
func (q *PublishQueue) publishBatch(batch []queuedMessage) {
	var published, errored uint64

	for _, msg := range batch {
		wait := msg.qos > 0
		if err := q.publish(msg.topic, msg.payload, msg.qos, msg.retain, wait); err != nil {
			errored++
			log.Debug().Err(err).Str("topic", msg.topic).Msg("Publish failed")
			continue
		}
		published++
		if age := time.Since(msg.queuedAt); age > 50*time.Millisecond {
			log.Debug().Str("topic", msg.topic).Dur("age", age).Msg("Published aged message")
		}
	}

	q.mu.Lock()
	q.published += published
	q.errors += errored
	q.batches++
	q.mu.Unlock()
	q.metricPublished.Add(float64(published))
	q.metricErrors.Add(float64(errored))
	q.metricBatches.Inc()
}

// Stats returns a snapshot of the queue counters.
func (q *PublishQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		QueueSize:       len(q.queue),
		QueueMax:        q.maxSize,
		PublishedTotal:  q.published,
		DroppedTotal:    q.dropped,
		BatchesTotal:    q.batches,
		QueueFullEvents: q.fullEvents,
		ErrorsTotal:     q.errors,
		Running:         q.running,
	}
}
