// Package dispatcher implements the Dispatcher / Gateway Adapter (spec
// §4.5): it takes dequeued orders, sends them to the gateway over a
// request/acknowledgement channel, and drives the retry path on failure.
package dispatcher

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"time"

	"trading-core/internal/bus"
	"trading-core/internal/queue"
	"trading-core/internal/types"
)

// GatewayClient is the narrow surface the Dispatcher needs from the Gateway
// RPC client (pkg/gatewayclient); kept as an interface so tests can supply a
// fake without pulling in the HTTP implementation.
type GatewayClient interface {
	SubmitOrder(ctx context.Context, order types.Order) (brokerID string, err error)
}

// BracketStore is the narrow surface the Dispatcher needs to stash a
// PendingBracket before sending an order to the gateway (§4.5, consumed by
// internal/bracket at the first fill).
type BracketStore interface {
	Store(b types.PendingBracket)
}

// Dispatcher sends dequeued orders to the gateway and emits bus events
// describing the outcome.
type Dispatcher struct {
	gateway  GatewayClient
	brackets BracketStore
	q        *queue.Queue
	bus      *bus.Bus
	timeout  time.Duration
}

// New constructs a Dispatcher wired to a gateway client, the originating
// queue (for the retry path), the bus (for orderSubmitted), and the bracket
// store.
func New(gateway GatewayClient, q *queue.Queue, b *bus.Bus, brackets BracketStore, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{gateway: gateway, brackets: brackets, q: q, bus: b, timeout: timeout}
}

// Dispatch sends one dequeued entry to the gateway. On success it
// transitions the order to SENT and publishes orderSubmitted; on failure or
// timeout it transitions to FAILED and feeds the queue's retry path only when
// isRetryableError classifies the error as transient (timeouts, connection
// errors). Any other gateway error, including a success=false reply,
// terminates the order without a retry (§4.5).
func (d *Dispatcher) Dispatch(ctx context.Context, entry *queue.Entry, sourceKind types.SourceKind) {
	started := time.Now()
	defer d.q.Complete(started)

	order := entry.Order
	order.Status = types.StatusProcessing

	if order.StopLossSpec != nil || order.TakeProfitSpec != nil {
		d.brackets.Store(types.PendingBracket{
			ParentOrderID:  order.ID,
			Instrument:     order.Instrument,
			Side:           order.Side,
			StopLossSpec:   order.StopLossSpec,
			TakeProfitSpec: order.TakeProfitSpec,
			AccountID:      order.AccountID,
			OriginalQty:    order.Quantity,
			CreatedAt:      time.Now(),
		})
	}

	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	brokerID, err := d.gateway.SubmitOrder(dctx, order.Order)
	if err != nil {
		log.Printf("dispatcher: submit failed for %s: %v", order.ID, err)
		d.fail(order, sourceKind, err)
		return
	}

	order.Status = types.StatusSent
	order.BrokerID = brokerID
	order.DispatchedAt = time.Now()

	d.bus.Publish(bus.ChanBotResponsePrefix+order.Source+":responses", orderSubmittedEvent{
		Type:     "ORDER_UPDATE",
		OrderID:  order.ID,
		QueueID:  entry.QueueID,
		Priority: entry.Priority,
	})
}

// orderSubmittedEvent is the ORDER_UPDATE payload published on
// bot:{botId}:responses once the gateway acknowledges a dispatch (§6).
type orderSubmittedEvent struct {
	Type     string
	OrderID  string
	QueueID  string
	Priority int
}

func (d *Dispatcher) fail(order types.TrackedOrder, sourceKind types.SourceKind, cause error) {
	order.Status = types.StatusFailed
	order.Error = cause.Error()

	if !isRetryableError(cause) {
		log.Printf("dispatcher: %s failed with non-retryable error, terminating: %v", order.ID, cause)
		return
	}

	_, terminal, err := d.q.Retry(order, sourceKind)
	if err != nil {
		log.Printf("dispatcher: re-enqueue of %s failed: %v", order.ID, err)
		return
	}
	if terminal {
		log.Printf("dispatcher: %s exhausted retries, terminal FAILED", order.ID)
	}
}

// isRetryableError classifies transient network/gateway failures as
// retryable, grounded on the teacher's async_executor.go classifier.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"eof",
		"i/o timeout",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
