package health

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"trading-core/internal/bus"
)

// AlertRule evaluates a Snapshot and reports whether it should be firing,
// plus a human-readable detail. Previously dead code behind the teacher's
// rules.go `//go:build ignore` tag; wired live here against the real
// Snapshot shape instead of a risk.Result placeholder.
type AlertRule struct {
	Name    string
	Check   func(Snapshot) (firing bool, detail string)
	wasFiring bool
}

// DefaultRules builds the standard threshold rules for §4.10: queue depth,
// processing-time p95, and violation rate. No memory-usage rule is included.
func DefaultRules(maxQueueDepth int, maxP95Millis, maxViolationRate float64) []*AlertRule {
	return []*AlertRule{
		{Name: "queue_depth", Check: func(s Snapshot) (bool, string) {
			total := s.QueueDepthHigh + s.QueueDepthMedium + s.QueueDepthLow
			if total > maxQueueDepth {
				return true, "queue depth exceeds threshold"
			}
			return false, ""
		}},
		{Name: "processing_p95", Check: func(s Snapshot) (bool, string) {
			if s.ProcessingLatency.P95 > maxP95Millis {
				return true, "processing p95 latency exceeds threshold"
			}
			return false, ""
		}},
		{Name: "violation_rate", Check: func(s Snapshot) (bool, string) {
			if s.ViolationRate60s > maxViolationRate {
				return true, "risk violation rate exceeds threshold"
			}
			return false, ""
		}},
	}
}

// Alert is published on bus.ChanAlertsOut once per rule transition.
type Alert struct {
	Rule   string
	Detail string
	Firing bool
}

// Monitor evaluates alert rules against periodic snapshots and forwards
// state transitions to the bus, grounded on internal/monitor/monitor.go's
// bus-subscribed alert-forwarding shape.
type Monitor struct {
	bus   *bus.Bus
	rules []*AlertRule
	mu    sync.Mutex
}

// NewMonitor constructs a Monitor over the given rule set.
func NewMonitor(b *bus.Bus, rules []*AlertRule) *Monitor {
	return &Monitor{bus: b, rules: rules}
}

// Evaluate runs every rule against snap and publishes an Alert for each rule
// that transitions firing state (fires once per transition, per §4.10).
func (m *Monitor) Evaluate(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		firing, detail := r.Check(snap)
		if firing != r.wasFiring {
			r.wasFiring = firing
			if m.bus != nil {
				m.bus.Publish(bus.ChanAlertsOut, Alert{Rule: r.Name, Detail: detail, Firing: firing})
			}
		}
	}
}

// ControlState holds the Dispatcher-visible pause flag toggled by the
// aggregator:control channel (§4.10, §6).
type ControlState struct {
	paused int32
}

// Paused reports whether PAUSE_PROCESSING is currently in effect.
func (c *ControlState) Paused() bool { return atomic.LoadInt32(&c.paused) == 1 }

// ControlHandler subscribes to aggregator:control and applies HEARTBEAT,
// SHUTDOWN, PAUSE_PROCESSING, and RESUME_PROCESSING commands (§4.10, §6).
// shutdown is called for every SHUTDOWN command received.
func ControlHandler(b *bus.Bus, state *ControlState, shutdown func()) (stop func()) {
	return b.SubscribeFunc(bus.ChanControlIn, 16, func(payload any) {
		cmd := decodeControlCommand(payload)
		switch cmd {
		case "HEARTBEAT":
			// liveness ping only; no state change.
		case "SHUTDOWN":
			if shutdown != nil {
				shutdown()
			}
		case "PAUSE_PROCESSING":
			atomic.StoreInt32(&state.paused, 1)
		case "RESUME_PROCESSING":
			atomic.StoreInt32(&state.paused, 0)
		default:
			log.Printf("health: unrecognized control command %q", cmd)
		}
	})
}

// controlEnvelope is the wire shape of an aggregator:control frame (§6):
// {"command": "HEARTBEAT"|"SHUTDOWN"|"PAUSE_PROCESSING"|"RESUME_PROCESSING"}.
type controlEnvelope struct {
	Command string `json:"command"`
}

// decodeControlCommand extracts the command name from a control-channel
// payload. Inbound frames off the broker arrive as json.RawMessage holding
// a controlEnvelope; in-process callers may publish the bare command
// string directly.
func decodeControlCommand(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case json.RawMessage:
		var env controlEnvelope
		if err := json.Unmarshal(v, &env); err != nil {
			return ""
		}
		return env.Command
	case controlEnvelope:
		return v.Command
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		var env controlEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return ""
		}
		return env.Command
	}
}
