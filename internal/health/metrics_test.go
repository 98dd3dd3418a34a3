package health

import (
	"testing"
	"time"
)

func TestLatencyHistogramComputesPercentiles(t *testing.T) {
	h := NewLatencyHistogram(100)
	for i := 1; i <= 100; i++ {
		h.Record(float64(i))
	}
	stats := h.Stats()
	if stats.Count != 100 {
		t.Fatalf("count = %d, want 100", stats.Count)
	}
	if stats.Min != 1 || stats.Max != 100 {
		t.Errorf("min/max = %v/%v, want 1/100", stats.Min, stats.Max)
	}
	if stats.P50 < 49 || stats.P50 > 52 {
		t.Errorf("p50 = %v, want ~50", stats.P50)
	}
}

func TestLatencyHistogramEvictsOldestBeyondMaxSize(t *testing.T) {
	h := NewLatencyHistogram(2)
	h.Record(1)
	h.Record(2)
	h.Record(3)
	stats := h.Stats()
	if stats.Count != 2 {
		t.Fatalf("count = %d, want 2 after eviction", stats.Count)
	}
	if stats.Min != 2 {
		t.Errorf("min = %v, want 2 (oldest sample evicted)", stats.Min)
	}
}

func TestMetricsIncrementersAreMonotonic(t *testing.T) {
	m := NewMetrics()
	m.IncrementOrdersReceived()
	m.IncrementOrdersReceived()
	m.IncrementOrdersProcessed()
	m.IncrementFills()

	snap := m.GetSnapshot()
	if snap.OrdersReceived != 2 {
		t.Errorf("ordersReceived = %d, want 2", snap.OrdersReceived)
	}
	if snap.OrdersProcessed != 1 {
		t.Errorf("ordersProcessed = %d, want 1", snap.OrdersProcessed)
	}
	if snap.FillsTotal != 1 {
		t.Errorf("fillsTotal = %d, want 1", snap.FillsTotal)
	}
}

func TestRecordViolationTracksByKind(t *testing.T) {
	m := NewMetrics()
	m.RecordViolation("MAX_ORDER_SIZE")
	m.RecordViolation("MAX_ORDER_SIZE")
	m.RecordViolation("DAILY_LOSS_LIMIT")

	snap := m.GetSnapshot()
	if snap.ViolationsByKind["MAX_ORDER_SIZE"] != 2 {
		t.Errorf("MAX_ORDER_SIZE = %d, want 2", snap.ViolationsByKind["MAX_ORDER_SIZE"])
	}
	if snap.ViolationsByKind["DAILY_LOSS_LIMIT"] != 1 {
		t.Errorf("DAILY_LOSS_LIMIT = %d, want 1", snap.ViolationsByKind["DAILY_LOSS_LIMIT"])
	}
}

func TestOrderRateWindowPrunesOldEvents(t *testing.T) {
	w := newRateWindow(30 * time.Millisecond)
	w.record()
	w.record()
	if r := w.rate(); r <= 0 {
		t.Fatalf("rate = %v, want > 0 immediately after recording", r)
	}
	time.Sleep(50 * time.Millisecond)
	if r := w.rate(); r != 0 {
		t.Errorf("rate = %v, want 0 after window elapses", r)
	}
}

func TestSetQueueDepthsAndPositionGaugesReflectInSnapshot(t *testing.T) {
	m := NewMetrics()
	m.SetQueueDepths(3, 2, 1, 4, 5.5)
	m.SetPositionGauges(2, -150.25)

	snap := m.GetSnapshot()
	if snap.QueueDepthHigh != 3 || snap.QueueDepthMedium != 2 || snap.QueueDepthLow != 1 {
		t.Errorf("queue depths = %d/%d/%d, want 3/2/1", snap.QueueDepthHigh, snap.QueueDepthMedium, snap.QueueDepthLow)
	}
	if snap.OpenPositions != 2 || snap.DailyPnL != -150.25 {
		t.Errorf("openPositions/dailyPnL = %d/%v, want 2/-150.25", snap.OpenPositions, snap.DailyPnL)
	}
}
