// Package health implements Health & Metrics (spec §4.10): monotonic
// counters, point-in-time gauges, sliding-window rate tracking, threshold
// alerts, and the aggregator:control command handler.
package health

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyHistogram is a bounded sliding-window latency tracker with lazy
// percentile computation, grounded on internal/monitor/metrics.go's
// LatencyHistogram verbatim.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min, Max, Avg, P50, P95, P99 float64
	Count                        int
}

// NewLatencyHistogram creates a sliding-window histogram of at most size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts a duration to milliseconds and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min/max/avg/p50/p95/p99, recomputed only when dirty.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min: sorted[0], Max: sorted[n-1], Avg: sum / float64(n),
		P50: sorted[n/2], P95: sorted[int(float64(n)*0.95)], P99: sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// rateWindow counts events within a trailing duration by pruning a
// timestamp slice, used for the orders/sec and violation-rate windows
// (§4.10: 1s, 60s, 5m).
type rateWindow struct {
	mu     sync.Mutex
	window time.Duration
	events []time.Time
}

func newRateWindow(d time.Duration) *rateWindow {
	return &rateWindow{window: d}
}

func (r *rateWindow) record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, time.Now())
	r.prune()
}

func (r *rateWindow) prune() {
	cutoff := time.Now().Add(-r.window)
	i := 0
	for i < len(r.events) && r.events[i].Before(cutoff) {
		i++
	}
	r.events = r.events[i:]
}

func (r *rateWindow) rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return float64(len(r.events)) / r.window.Seconds()
}

// Metrics tracks monotonic counters, gauges, and rate windows for the
// core's health surface (§4.10).
type Metrics struct {
	ordersReceived  uint64
	ordersProcessed uint64
	ordersFailed    uint64
	ordersRejected  uint64
	fillsTotal      uint64

	violationsMu sync.Mutex
	violationsByKind map[string]uint64

	gaugesMu            sync.Mutex
	queueDepthHigh      int
	queueDepthMedium    int
	queueDepthLow       int
	inFlight            int
	tokens              float64
	openPositions       int
	dailyPnL            float64

	ProcessingLatency *LatencyHistogram

	orderRate1s   *rateWindow
	orderRate60s  *rateWindow
	orderRate5m   *rateWindow
	violationRate1s  *rateWindow
	violationRate60s *rateWindow
	violationRate5m  *rateWindow
}

// NewMetrics constructs a Metrics tracker with the spec's three standard windows.
func NewMetrics() *Metrics {
	return &Metrics{
		violationsByKind:  make(map[string]uint64),
		ProcessingLatency: NewLatencyHistogram(1000),
		orderRate1s:       newRateWindow(time.Second),
		orderRate60s:      newRateWindow(time.Minute),
		orderRate5m:       newRateWindow(5 * time.Minute),
		violationRate1s:   newRateWindow(time.Second),
		violationRate60s:  newRateWindow(time.Minute),
		violationRate5m:   newRateWindow(5 * time.Minute),
	}
}

func (m *Metrics) IncrementOrdersReceived() {
	atomic.AddUint64(&m.ordersReceived, 1)
	m.orderRate1s.record()
	m.orderRate60s.record()
	m.orderRate5m.record()
}

func (m *Metrics) IncrementOrdersProcessed() { atomic.AddUint64(&m.ordersProcessed, 1) }
func (m *Metrics) IncrementOrdersFailed()    { atomic.AddUint64(&m.ordersFailed, 1) }
func (m *Metrics) IncrementOrdersRejected()  { atomic.AddUint64(&m.ordersRejected, 1) }
func (m *Metrics) IncrementFills()           { atomic.AddUint64(&m.fillsTotal, 1) }

// RecordViolation bumps the per-kind violation counter and the violation
// rate windows.
func (m *Metrics) RecordViolation(kind string) {
	m.violationsMu.Lock()
	m.violationsByKind[kind]++
	m.violationsMu.Unlock()
	m.violationRate1s.record()
	m.violationRate60s.record()
	m.violationRate5m.record()
}

// SetQueueDepths updates the three-band queue depth gauges.
func (m *Metrics) SetQueueDepths(high, medium, low, inFlight int, tokens float64) {
	m.gaugesMu.Lock()
	defer m.gaugesMu.Unlock()
	m.queueDepthHigh, m.queueDepthMedium, m.queueDepthLow = high, medium, low
	m.inFlight = inFlight
	m.tokens = tokens
}

// SetPositionGauges updates the open-positions and daily-P&L gauges.
func (m *Metrics) SetPositionGauges(openPositions int, dailyPnL float64) {
	m.gaugesMu.Lock()
	defer m.gaugesMu.Unlock()
	m.openPositions = openPositions
	m.dailyPnL = dailyPnL
}

// Snapshot is the point-in-time health/metrics view (§4.10).
type Snapshot struct {
	OrdersReceived   uint64
	OrdersProcessed  uint64
	OrdersFailed     uint64
	OrdersRejected   uint64
	FillsTotal       uint64
	ViolationsByKind map[string]uint64

	QueueDepthHigh, QueueDepthMedium, QueueDepthLow int
	InFlight                                        int
	Tokens                                           float64
	OpenPositions                                    int
	DailyPnL                                         float64

	ProcessingLatency LatencyStats

	OrdersPerSec1s, OrdersPerSec60s, OrdersPerSec5m       float64
	ViolationRate1s, ViolationRate60s, ViolationRate5m    float64

	Timestamp time.Time
}

// GetSnapshot captures every counter, gauge, and window at this instant.
func (m *Metrics) GetSnapshot() Snapshot {
	m.violationsMu.Lock()
	violations := make(map[string]uint64, len(m.violationsByKind))
	for k, v := range m.violationsByKind {
		violations[k] = v
	}
	m.violationsMu.Unlock()

	m.gaugesMu.Lock()
	qh, qm, ql, inFlight, tokens := m.queueDepthHigh, m.queueDepthMedium, m.queueDepthLow, m.inFlight, m.tokens
	openPositions, dailyPnL := m.openPositions, m.dailyPnL
	m.gaugesMu.Unlock()

	return Snapshot{
		OrdersReceived:   atomic.LoadUint64(&m.ordersReceived),
		OrdersProcessed:  atomic.LoadUint64(&m.ordersProcessed),
		OrdersFailed:     atomic.LoadUint64(&m.ordersFailed),
		OrdersRejected:   atomic.LoadUint64(&m.ordersRejected),
		FillsTotal:       atomic.LoadUint64(&m.fillsTotal),
		ViolationsByKind: violations,

		QueueDepthHigh: qh, QueueDepthMedium: qm, QueueDepthLow: ql,
		InFlight: inFlight, Tokens: tokens,
		OpenPositions: openPositions, DailyPnL: dailyPnL,

		ProcessingLatency: m.ProcessingLatency.Stats(),

		OrdersPerSec1s: m.orderRate1s.rate(), OrdersPerSec60s: m.orderRate60s.rate(), OrdersPerSec5m: m.orderRate5m.rate(),
		ViolationRate1s: m.violationRate1s.rate(), ViolationRate60s: m.violationRate60s.rate(), ViolationRate5m: m.violationRate5m.rate(),

		Timestamp: time.Now(),
	}
}
