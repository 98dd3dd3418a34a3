// Package queue implements the Priority Queue + Throttle (spec §4.4): three
// priority bands feeding a concurrency-limited dequeue path, gated by a
// token-bucket throttle, with automatic retry-and-requeue on dispatch
// failure up to a fixed retry cap.
package queue

import (
	"log"
	"sync"
	"time"

	"trading-core/internal/types"

	"github.com/google/uuid"
)

const maxRetries = 3

// rollingWindow bounds the "average wait/processing time" sample size (§4.4).
const rollingWindow = 20

// Entry is a queued order awaiting dispatch.
type Entry struct {
	QueueID  string
	Order    types.TrackedOrder
	Priority int
	Band     Band
	QueuedAt time.Time
}

// Config bounds admission and concurrency (§6).
type Config struct {
	Capacity              int
	MaxConcurrentInFlight int
}

// Snapshot is the observable state reported to health/metrics (§4.4, §4.10).
type Snapshot struct {
	DepthHigh, DepthMedium, DepthLow int
	InFlight                         int
	AvgWaitMillis                    float64
	AvgProcessingMillis              float64
	Tokens                           float64
}

// Queue is the three-band priority queue with a concurrency ceiling on
// in-flight (PROCESSING) orders.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	bands    [3][]*Entry
	inFlight int

	waitSamples       []float64
	processingSamples []float64
}

// New creates an empty Queue.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.MaxConcurrentInFlight <= 0 {
		cfg.MaxConcurrentInFlight = 10
	}
	return &Queue{cfg: cfg}
}

func (q *Queue) total() int {
	return len(q.bands[BandHigh]) + len(q.bands[BandMedium]) + len(q.bands[BandLow])
}

// Enqueue admits an order, or fails with QueueFull when total size is at
// capacity (§4.4). Within a band, FIFO order is preserved for equal
// priority; entries are inserted sorted by priority descending.
func (q *Queue) Enqueue(order types.TrackedOrder, sourceKind types.SourceKind) (queueID string, err error) {
	priority := DerivePriority(order.Order, sourceKind)
	band := BandFor(priority)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.total() >= q.cfg.Capacity {
		return "", types.ErrQueueFull
	}

	id := uuid.NewString()
	entry := &Entry{
		QueueID:  id,
		Order:    order,
		Priority: priority,
		Band:     band,
		QueuedAt: time.Now(),
	}

	list := q.bands[band]
	idx := len(list)
	for i, e := range list {
		if e.Priority < entry.Priority {
			idx = i
			break
		}
	}
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = entry
	q.bands[band] = list

	return id, nil
}

// Dequeue returns the next order to dispatch, respecting the concurrency
// ceiling: when InFlight is already at MaxConcurrentInFlight, Dequeue
// returns ok=false without mutating state (§4.4).
func (q *Queue) Dequeue() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight >= q.cfg.MaxConcurrentInFlight {
		return nil, false
	}

	for band := BandHigh; band >= BandLow; band-- {
		list := q.bands[band]
		if len(list) == 0 {
			continue
		}
		entry := list[0]
		q.bands[band] = list[1:]
		q.inFlight++
		q.recordWait(time.Since(entry.QueuedAt))
		return entry, true
	}
	return nil, false
}

// Complete marks a dequeued order's processing slot as free, recording its
// processing duration for the rolling average (§4.4).
func (q *Queue) Complete(started time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.recordProcessing(time.Since(started))
}

// Retry re-enqueues a failed order with retryCount incremented, unless it
// has already exhausted the retry cap, in which case it reports terminal
// failure (§4.4 "re-enqueue until retryCount >= 3").
func (q *Queue) Retry(order types.TrackedOrder, sourceKind types.SourceKind) (queueID string, terminal bool, err error) {
	order.RetryCount++
	if order.RetryCount >= maxRetries {
		log.Printf("queue: order %s exhausted retries (%d), marking FAILED", order.ID, order.RetryCount)
		return "", true, nil
	}
	id, err := q.Enqueue(order, sourceKind)
	return id, false, err
}

func (q *Queue) recordWait(d time.Duration) {
	q.waitSamples = appendBounded(q.waitSamples, float64(d.Milliseconds()), rollingWindow)
}

func (q *Queue) recordProcessing(d time.Duration) {
	q.processingSamples = appendBounded(q.processingSamples, float64(d.Milliseconds()), rollingWindow)
}

func appendBounded(samples []float64, v float64, max int) []float64 {
	samples = append(samples, v)
	if len(samples) > max {
		samples = samples[len(samples)-max:]
	}
	return samples
}

func average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// Snapshot reports current depths, concurrency, and rolling averages.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		DepthHigh:            len(q.bands[BandHigh]),
		DepthMedium:          len(q.bands[BandMedium]),
		DepthLow:             len(q.bands[BandLow]),
		InFlight:             q.inFlight,
		AvgWaitMillis:        average(q.waitSamples),
		AvgProcessingMillis:  average(q.processingSamples),
	}
}

// Drain removes and returns every entry currently queued, used for a
// bounded shutdown flush (§9 design note: no cross-restart durability, only
// a best-effort drain of in-flight work when the process stops).
func (q *Queue) Drain() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var all []*Entry
	for band := BandHigh; band >= BandLow; band-- {
		all = append(all, q.bands[band]...)
		q.bands[band] = nil
	}
	return all
}
