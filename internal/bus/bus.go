// Package bus implements the core's Message Bus Adapter (spec §4.1): an
// in-process pub/sub fabric fed by a websocket connection to the broker,
// with JSON-encoded payloads and per-channel serialized delivery.
package bus

import (
	"sync"
)

// Channel names as written on the wire (§6).
const (
	ChanOrdersIn            = "aggregator:orders"
	ChanRequestsIn           = "aggregator:requests"
	ChanFillsInPrefix        = "fills:" // + accountId
	ChanMarketDataIn         = "market:data"
	ChanControlIn            = "aggregator:control"
	ChanPositionsOutPrefix   = "positions:" // + accountId
	ChanPositionUpdatesOut   = "aggregator:position-updates"
	ChanMarketDataOut        = "aggregator:market-data"
	ChanMetricsOut           = "aggregator:metrics"
	ChanHealthOut            = "aggregator:health"
	ChanAlertsOut            = "aggregator:alerts"
	ChanFillEnhancedOut      = "fill:enhanced"
	ChanBotResponsePrefix    = "bot:"            // + botId + ":responses"
	ChanBotCloseRespPrefix   = "bot-close-response:" // + requestId
)

// Bus is a lightweight pub/sub broker keyed by string channel name.
// Publish fans out asynchronously to subscribers so a slow subscriber never
// blocks the publisher (§4.1 "delivery is best-effort, at-most-once").
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan any
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]chan any)}
}

// Subscribe registers a listener for a channel and returns the receive side
// plus an unsubscribe function. The caller is responsible for draining ch;
// a single subscription's deliveries are not reordered relative to Publish
// calls made while holding no other lock (§5 ordering guarantees).
func (b *Bus) Subscribe(channel string, buffer int) (<-chan any, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[channel] = append(b.subs[channel], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// SubscribeFunc runs handler for every payload delivered on channel, one at a
// time, from a dedicated goroutine — this is the "one task per inbound
// subscription" model of §5. stop() releases the subscription.
func (b *Bus) SubscribeFunc(channel string, buffer int, handler func(any)) (stop func()) {
	ch, unsub := b.Subscribe(channel, buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range ch {
			handler(payload)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

// Publish fans payload out to every subscriber of channel. Non-blocking: a
// full subscriber buffer causes the delivery to that subscriber to be
// dropped rather than stalling the publisher.
func (b *Bus) Publish(channel string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// SubscriberCount reports how many listeners a channel currently has, used
// by metrics to detect channels nobody is listening on.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
