package gatewayclient

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPoolUnhealthy is returned when an account's client has tripped the
// circuit breaker and the cooldown has not yet elapsed.
var ErrPoolUnhealthy = errors.New("gatewayclient: account gateway circuit open")

// PoolConfig bounds the cache and its health-tracking thresholds, grounded
// on internal/gateway/manager.go's Config, generalized from
// per-connectionId exchange gateways to per-accountId Gateway RPC clients.
type PoolConfig struct {
	MaxSize          int
	IdleTimeout      time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
}

// DefaultPoolConfig mirrors the teacher's defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

type cachedClient struct {
	client    *Client
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Pool caches one Gateway RPC Client per accountId, with LRU eviction past
// MaxSize and a failure-count circuit breaker per account (§4.5 design
// note: the Gateway is remote and must not be hammered while unhealthy).
type Pool struct {
	mu       sync.Mutex
	cfg      PoolConfig
	clients  map[string]*cachedClient
	lruOrder []string
	newClientConfig func(accountID string) Config
}

// NewPool creates a connection pool. newClientConfig resolves the Gateway
// Config (base URL, timeout) to use for a given accountId — in the common
// case every account shares one Gateway URL, but the hook allows per-account
// routing if the deployment needs it.
func NewPool(cfg PoolConfig, newClientConfig func(accountID string) Config) *Pool {
	return &Pool{
		cfg:             cfg,
		clients:         make(map[string]*cachedClient),
		newClientConfig: newClientConfig,
	}
}

// Get returns the cached client for accountID, creating one if absent, or
// ErrPoolUnhealthy if the account's circuit breaker is open.
func (p *Pool) Get(ctx context.Context, accountID string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cc, ok := p.clients[accountID]; ok {
		if cc.failures >= p.cfg.FailureThreshold && time.Since(cc.healthyAt) < p.cfg.CircuitTimeout {
			return nil, ErrPoolUnhealthy
		}
		cc.lastUsed = time.Now()
		p.touchLRULocked(accountID)
		return cc.client, nil
	}

	if len(p.clients) >= p.cfg.MaxSize {
		p.evictOldestLocked()
	}

	client := New(p.newClientConfig(accountID))
	now := time.Now()
	p.clients[accountID] = &cachedClient{client: client, lastUsed: now, healthyAt: now}
	p.lruOrder = append(p.lruOrder, accountID)
	return client, nil
}

// RecordFailure increments the account's failure counter, tripping the
// circuit breaker once it reaches FailureThreshold.
func (p *Pool) RecordFailure(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cc, ok := p.clients[accountID]; ok {
		cc.failures++
		if cc.failures >= p.cfg.FailureThreshold {
			// Get's cooldown runs from the latest failure at or past the threshold.
			cc.healthyAt = time.Now()
		}
	}
}

// RecordSuccess clears the account's failure counter and closes the circuit.
func (p *Pool) RecordSuccess(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cc, ok := p.clients[accountID]; ok {
		cc.failures = 0
		cc.healthyAt = time.Now()
	}
}

// EvictIdle removes any cached client unused for longer than IdleTimeout.
func (p *Pool) EvictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var stale []string
	for id, cc := range p.clients {
		if now.Sub(cc.lastUsed) > p.cfg.IdleTimeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(p.clients, id)
		p.removeLRULocked(id)
	}
}

func (p *Pool) touchLRULocked(accountID string) {
	for i, id := range p.lruOrder {
		if id == accountID {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, accountID)
			break
		}
	}
}

func (p *Pool) removeLRULocked(accountID string) {
	for i, id := range p.lruOrder {
		if id == accountID {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() {
	if len(p.lruOrder) == 0 {
		return
	}
	oldest := p.lruOrder[0]
	delete(p.clients, oldest)
	p.lruOrder = p.lruOrder[1:]
}

// Size reports the current cache occupancy, for metrics.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
