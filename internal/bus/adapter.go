package bus

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// AdapterConfig controls the broker connection / reconnect supervisor.
type AdapterConfig struct {
	BrokerURL     string
	PingInterval  time.Duration
	PingTimeout   time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	DialTimeout   time.Duration
}

// DefaultAdapterConfig matches the teacher's user-data-stream keepalive
// cadence, generalized to a broker-agnostic pub/sub hub.
func DefaultAdapterConfig(url string) AdapterConfig {
	return AdapterConfig{
		BrokerURL:    url,
		PingInterval: 30 * time.Second,
		PingTimeout:  10 * time.Second,
		BackoffBase:  500 * time.Millisecond,
		BackoffCap:   30 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// wireMessage is the envelope written to and read from the broker socket.
type wireMessage struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Adapter owns the publisher and subscriber connections to the broker and
// republishes inbound frames onto the in-process Bus, per §4.1. It never
// holds a lock across a network suspension point (§5).
type Adapter struct {
	cfg AdapterConfig
	bus *Bus

	mu        sync.Mutex
	pubConn   *websocket.Conn
	subConn   *websocket.Conn
	connected atomic.Bool

	writeCh chan wireMessage
}

// NewAdapter creates an adapter that will drive two connections (publisher,
// subscriber) to cfg.BrokerURL once Start is called.
func NewAdapter(cfg AdapterConfig, b *Bus) *Adapter {
	return &Adapter{
		cfg:     cfg,
		bus:     b,
		writeCh: make(chan wireMessage, 1024),
	}
}

// Connected reports the current connection-status flag observable by metrics (§4.1).
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// Start begins the publisher and subscriber connect/reconnect loops. It
// returns immediately; both loops run until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	go a.runSubscriber(ctx)
	go a.runPublisher(ctx)
}

// Publish enqueues payload for delivery to the broker on channel. Outbound
// publishes made while disconnected are dropped (§7 BusDisconnected): the
// publisher loop discards whatever is buffered after each failed reconnect
// attempt and writes to the broker only while its connection is live.
func (a *Adapter) Publish(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("bus: marshal failed for %s: %v", channel, err)
		return
	}
	msg := wireMessage{Channel: channel, Payload: data}
	select {
	case a.writeCh <- msg:
	default:
		log.Printf("bus: outbound buffer full, dropping publish on %s", channel)
	}
}

func (a *Adapter) runSubscriber(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := a.dial(ctx)
		if err != nil {
			a.sleepBackoff(ctx, &attempt)
			continue
		}

		a.mu.Lock()
		a.subConn = conn
		a.mu.Unlock()
		a.connected.Store(true)
		a.bus.Publish("bus:reconnected", struct{ Side string }{"subscriber"})
		attempt = 0
		log.Println("bus: subscriber connected")

		a.readLoop(ctx, conn)

		a.connected.Store(false)
		a.bus.Publish("bus:disconnected", struct{ Side string }{"subscriber"})
		conn.Close()
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(a.cfg.PingInterval + a.cfg.PingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(a.cfg.PingInterval + a.cfg.PingTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("bus: read error: %v", err)
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("bus: decode error (dropping frame): %v", err)
			continue
		}
		a.bus.Publish(msg.Channel, json.RawMessage(msg.Payload))
	}
}

func (a *Adapter) runPublisher(ctx context.Context) {
	attempt := 0
	var conn *websocket.Conn
	pingTicker := time.NewTicker(a.cfg.PingInterval)
	defer pingTicker.Stop()

	connect := func() bool {
		c, err := a.dial(ctx)
		if err != nil {
			a.sleepBackoff(ctx, &attempt)
			return false
		}
		a.mu.Lock()
		a.pubConn = c
		a.mu.Unlock()
		conn = c
		attempt = 0
		log.Println("bus: publisher connected")
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if conn == nil {
			if !connect() {
				// Still disconnected: drop whatever was published meanwhile.
				for len(a.writeCh) > 0 {
					<-a.writeCh
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.cfg.PingTimeout)); err != nil {
				log.Printf("bus: ping failed: %v", err)
				conn.Close()
				conn = nil
			}
		case msg, ok := <-a.writeCh:
			if !ok {
				return
			}
			if conn == nil {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("bus: write failed: %v", err)
				conn.Close()
				conn = nil
			}
		}
	}
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, a.cfg.BrokerURL, nil)
	if err != nil {
		log.Printf("bus: dial error: %v", err)
		return nil, err
	}
	return conn, nil
}

// sleepBackoff waits min(base*2^n, cap) plus jitter, per §4.1.
func (a *Adapter) sleepBackoff(ctx context.Context, attempt *int) {
	n := *attempt
	*attempt++

	backoff := float64(a.cfg.BackoffBase) * math.Pow(2, float64(n))
	if backoff > float64(a.cfg.BackoffCap) {
		backoff = float64(a.cfg.BackoffCap)
	}
	jitter := time.Duration(rand.Int63n(int64(a.cfg.BackoffBase) + 1))
	wait := time.Duration(backoff) + jitter

	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}
