package queue

import (
	"testing"
	"time"

	"trading-core/internal/types"
)

func trackedOrder(qty float64, typ types.OrderType) types.TrackedOrder {
	return types.TrackedOrder{
		Order: types.Order{
			ID:       "o1",
			Side:     types.SideBuy,
			Type:     typ,
			Quantity: qty,
		},
	}
}

func TestDerivePriorityBaseAndModifiers(t *testing.T) {
	tests := []struct {
		name   string
		order  types.Order
		kind   types.SourceKind
		expect int
	}{
		{"market base", types.Order{Type: types.OrderTypeMarket}, types.SourceBot, 10},
		{"limit base", types.Order{Type: types.OrderTypeLimit}, types.SourceBot, 5},
		{"urgency adds two", types.Order{Type: types.OrderTypeLimit, Urgency: true}, types.SourceBot, 7},
		{"manual adds one", types.Order{Type: types.OrderTypeLimit}, types.SourceManual, 6},
		{"retry adds one", types.Order{Type: types.OrderTypeLimit, RetryCount: 1}, types.SourceBot, 6},
		{"caps at ten", types.Order{Type: types.OrderTypeMarket, Urgency: true, RetryCount: 1}, types.SourceManual, 10},
	}
	for _, tt := range tests {
		if got := DerivePriority(tt.order, tt.kind); got != tt.expect {
			t.Errorf("%s: DerivePriority = %d, want %d", tt.name, got, tt.expect)
		}
	}
}

func TestEnqueueRejectsAtCapacity(t *testing.T) {
	q := New(Config{Capacity: 1, MaxConcurrentInFlight: 5})
	if _, err := q.Enqueue(trackedOrder(1, types.OrderTypeLimit), types.SourceBot); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.Enqueue(trackedOrder(1, types.OrderTypeLimit), types.SourceBot); err != types.ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestDequeuePicksHighestNonEmptyBand(t *testing.T) {
	q := New(Config{Capacity: 10, MaxConcurrentInFlight: 5})
	q.Enqueue(trackedOrder(1, types.OrderTypeLimit), types.SourceBot)  // medium
	q.Enqueue(trackedOrder(1, types.OrderTypeMarket), types.SourceBot) // high

	e, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected a dequeue")
	}
	if e.Band != BandHigh {
		t.Fatalf("band = %v, want high", e.Band)
	}
}

func TestDequeueRespectsConcurrencyCeiling(t *testing.T) {
	q := New(Config{Capacity: 10, MaxConcurrentInFlight: 1})
	q.Enqueue(trackedOrder(1, types.OrderTypeMarket), types.SourceBot)
	q.Enqueue(trackedOrder(1, types.OrderTypeMarket), types.SourceBot)

	if _, ok := q.Dequeue(); !ok {
		t.Fatal("expected first dequeue to succeed")
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("expected second dequeue to be blocked by the concurrency ceiling")
	}

	q.Complete(time.Now())
	if _, ok := q.Dequeue(); !ok {
		t.Fatal("expected dequeue to succeed after Complete frees a slot")
	}
}

func TestRetryTerminatesAtThreeAttempts(t *testing.T) {
	q := New(Config{Capacity: 10, MaxConcurrentInFlight: 5})
	order := trackedOrder(1, types.OrderTypeMarket)

	var terminal bool
	for i := 0; i < maxRetries; i++ {
		_, terminal, _ = q.Retry(order, types.SourceBot)
		if terminal {
			break
		}
		order.RetryCount++
	}
	if !terminal {
		t.Fatal("expected retry to terminate once retryCount reaches the cap")
	}
}

func TestThrottleAllowsUpToBurstThenBlocks(t *testing.T) {
	th := NewThrottle(1, 2)
	if !th.Allow() {
		t.Fatal("expected first token available")
	}
	if !th.Allow() {
		t.Fatal("expected second token available (burst=2)")
	}
	if th.Allow() {
		t.Fatal("expected third immediate call to be throttled")
	}
}

func TestSnapshotReportsDepthsByBand(t *testing.T) {
	q := New(Config{Capacity: 10, MaxConcurrentInFlight: 5})
	q.Enqueue(trackedOrder(1, types.OrderTypeMarket), types.SourceBot)
	q.Enqueue(trackedOrder(1, types.OrderTypeLimit), types.SourceBot)

	snap := q.Snapshot()
	if snap.DepthHigh != 1 || snap.DepthMedium != 1 {
		t.Fatalf("snapshot = %+v, want DepthHigh=1 DepthMedium=1", snap)
	}
}
