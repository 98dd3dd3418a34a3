package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"trading-core/internal/bracket"
	"trading-core/internal/bus"
	"trading-core/internal/dispatcher"
	"trading-core/internal/health"
	"trading-core/internal/intake"
	"trading-core/internal/lockmgr"
	"trading-core/internal/queue"
	"trading-core/internal/registry"
	"trading-core/internal/risk"
	"trading-core/internal/types"
	"trading-core/pkg/config"
	"trading-core/pkg/gatewayclient"
)

// inboundEnvelope decodes the loosely-shaped orders/requests frames: the
// fields intake.Raw needs to build a canonical Order, plus the source
// credentials the registry needs to authenticate or auto-register the
// producer (§4.2, §4.9).
type inboundEnvelope struct {
	intake.Raw
	Kind        string
	SourceToken string
}

// poolGateway adapts the per-account gatewayclient.Pool to the single
// SubmitOrder surface the Dispatcher and Bracket Orchestrator each want,
// so neither has to know about account-scoped client caching or circuit
// breaking (§4.5, §4.7).
type poolGateway struct {
	pool *gatewayclient.Pool
}

func (g *poolGateway) SubmitOrder(ctx context.Context, order types.Order) (string, error) {
	client, err := g.pool.Get(ctx, order.AccountID)
	if err != nil {
		return "", err
	}
	brokerID, err := client.SubmitOrder(ctx, order)
	if err != nil {
		g.pool.RecordFailure(order.AccountID)
		return "", err
	}
	g.pool.RecordSuccess(order.AccountID)
	return brokerID, nil
}

// fillRouter lazily subscribes to each accountId's fills:{accountId}
// channel the first time that account is seen, since the bus has no
// wildcard subscription and accounts are only known once an order for them
// is tracked (§4.1, §4.7).
type fillRouter struct {
	mu      sync.Mutex
	bus     *bus.Bus
	seen    map[string]func()
	handler func(types.Fill)
}

func newFillRouter(b *bus.Bus, handler func(types.Fill)) *fillRouter {
	return &fillRouter{bus: b, seen: make(map[string]func()), handler: handler}
}

func (r *fillRouter) ensureSubscribed(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if accountID == "" {
		accountID = "default"
	}
	if _, ok := r.seen[accountID]; ok {
		return
	}
	ch, unsub := r.bus.Subscribe(bus.ChanFillsInPrefix+accountID, 256)
	r.seen[accountID] = unsub
	go func() {
		for msg := range ch {
			fill, err := decodeFill(msg)
			if err != nil {
				log.Printf("main: dropping malformed fill on account %s: %v", accountID, err)
				continue
			}
			r.handler(fill)
		}
	}()
}

func (r *fillRouter) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, unsub := range r.seen {
		unsub()
	}
}

// accountSet tracks every accountId seen on intake so the balance-refresh
// and daily-reset timers (§4.3) have something to iterate: the Risk Manager
// only learns an account exists the first time an order for it is admitted.
type accountSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newAccountSet() *accountSet { return &accountSet{ids: make(map[string]struct{})} }

func (s *accountSet) add(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *accountSet) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out
}

func decodeEnvelope(msg any) (inboundEnvelope, error) {
	var env inboundEnvelope
	switch v := msg.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(v, &env); err != nil {
			return env, err
		}
	case inboundEnvelope:
		env = v
	case intake.Raw:
		env.Raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return env, err
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return env, err
		}
	}
	return env, nil
}

func decodeFill(msg any) (types.Fill, error) {
	var fill types.Fill
	switch v := msg.(type) {
	case json.RawMessage:
		err := json.Unmarshal(v, &fill)
		return fill, err
	case types.Fill:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fill, err
		}
		err = json.Unmarshal(data, &fill)
		return fill, err
	}
}

// estimateStopLossPrice derives a pre-fill reference stop-loss price from
// order's spec so EXCESSIVE_RISK (§4.3) can evaluate points/dollars specs,
// not only an already-absolute price spec. Mirrors internal/sltp's
// distance-then-applySide shape without needing a fill to round against.
func estimateStopLossPrice(order types.Order, estPrice float64, contractMultiplier float64) float64 {
	if order.StopLossSpec == nil || estPrice == 0 {
		return 0
	}
	var distance float64
	switch order.StopLossSpec.Kind {
	case types.SpecKindPrice:
		return order.StopLossSpec.Value
	case types.SpecKindPoints:
		distance = order.StopLossSpec.Value
	case types.SpecKindDollars:
		if order.Quantity <= 0 || contractMultiplier <= 0 {
			return 0
		}
		distance = order.StopLossSpec.Value / (order.Quantity * contractMultiplier)
	default:
		return 0
	}
	if order.Side == types.SideBuy {
		return estPrice - distance
	}
	return estPrice + distance
}

func sourceKindFrom(raw string) types.SourceKind {
	switch types.SourceKind(raw) {
	case types.SourceBot, types.SourceManual, types.SourceAPI, types.SourceStrategy, types.SourceExternal:
		return types.SourceKind(raw)
	default:
		return types.SourceBot
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("order-routing core starting on :%s, gateway=%s, broker=%s", cfg.Port, cfg.GatewayURL, cfg.BrokerURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Message bus + broker adapter (§4.1)
	b := bus.New()
	adapter := bus.NewAdapter(bus.DefaultAdapterConfig(cfg.BrokerURL), b)
	adapter.Start(ctx)

	// Health, metrics, alerting, control channel (§4.10)
	metrics := health.NewMetrics()
	rules := health.DefaultRules(cfg.AlertMaxQueueDepth, cfg.AlertMaxP95Millis, cfg.AlertMaxViolationRate)
	monitor := health.NewMonitor(b, rules)
	controlState := &health.ControlState{}

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(cancel)
	}
	stopControl := health.ControlHandler(b, controlState, shutdown)
	defer stopControl()

	// Source Registry (§4.9)
	reg := registry.New(registry.Config{
		JWTSecret:        cfg.JWTSecret,
		TokenTTL:         cfg.SourceTokenTTL,
		AutoRegister:     cfg.AutoRegisterSource,
		RollingDayWindow: 24 * time.Hour,
	})

	// Risk Manager (§4.3)
	riskMgr := risk.NewManager(risk.Config{
		MinOrderSize:           cfg.MinOrderSize,
		MaxOrderSize:           cfg.MaxOrderSize,
		MaxPositions:           cfg.MaxPositions,
		MaxDailyLoss:           cfg.MaxDailyLoss,
		MaxDailyProfit:         cfg.MaxDailyProfit,
		MaxRiskPctPerTrade:     cfg.MaxRiskPctPerTrade,
		TradingHours:           risk.TradingWindow{Enabled: cfg.TradingHoursEnabled},
		AccountBalanceFallback: 10000,
		AccountBalanceCacheTTL: 5 * time.Minute,
	})

	// Priority Queue + Throttle (§4.4)
	q := queue.New(queue.Config{Capacity: cfg.QueueCapacity, MaxConcurrentInFlight: cfg.MaxConcurrentInFlight})
	throttle := queue.NewThrottle(cfg.ThrottleOrdersPerSec, cfg.ThrottleBurst)

	// Gateway RPC client pool (§6)
	pool := gatewayclient.NewPool(gatewayclient.DefaultPoolConfig(), func(accountID string) gatewayclient.Config {
		return gatewayclient.Config{BaseURL: cfg.GatewayURL, Timeout: cfg.GatewayTimeout}
	})
	gw := &poolGateway{pool: pool}

	// Fill Handler & Bracket Orchestrator (§4.7) and Dispatcher (§4.5) share
	// the same gateway adapter; the Orchestrator also posts realized P&L
	// back into the Risk Manager.
	brk := bracket.New(bracket.Config{
		ContractMultipliers:       cfg.ContractMultipliers,
		DefaultContractMultiplier: cfg.DefaultContractMultiplier,
		CommissionPerRoundTrip:    cfg.CommissionPerRoundTrip,
		TickSizes:                 cfg.TickSizes,
		DefaultTickSize:           cfg.DefaultTickSize,
		DollarPerPoint:            1,
		MinRR:                     cfg.MinRiskReward,
		GatewayTimeout:            cfg.GatewayTimeout,
	}, gw, riskMgr, b)
	disp := dispatcher.New(gw, q, b, brk, cfg.DispatchTimeout)

	// Order Mutex / Idempotency (§4.8)
	lockMgr := lockmgr.New(lockmgr.Config{
		PollInterval:    cfg.LockPollInterval,
		CleanupInterval: cfg.LockCleanupInterval,
		DefaultTTL:      cfg.LockTTL,
		CacheSize:       cfg.IdempotencyCacheSize,
	})
	defer lockMgr.Stop()

	accounts := newAccountSet()

	fills := newFillRouter(b, func(fill types.Fill) {
		result, err := brk.ProcessFill(ctx, fill)
		if err != nil {
			log.Printf("main: fill for %s rejected: %v", fill.OrderID, err)
			return
		}
		metrics.IncrementFills()
		// Per-account subscribers read positions:{accountId}; this
		// intentionally duplicates the aggregate stream below.
		b.Publish(bus.ChanPositionsOutPrefix+fill.AccountID, result.Position)
		// Aggregate/dashboard subscribers read aggregator:position-updates;
		// this intentionally duplicates the per-account stream above.
		b.Publish(bus.ChanPositionUpdatesOut, result.Position)
	})
	defer fills.stop()

	// Orders / requests intake (§4.2)
	handleInbound := func(msg any) {
		metrics.IncrementOrdersReceived()

		env, err := decodeEnvelope(msg)
		if err != nil {
			log.Printf("main: malformed inbound frame: %v", err)
			metrics.IncrementOrdersRejected()
			return
		}

		sourceID := env.Source
		kind := sourceKindFrom(env.Kind)
		if env.SourceToken != "" {
			if id, k, authErr := reg.Authenticate(env.SourceToken); authErr == nil {
				sourceID, kind = id, k
			} else {
				log.Printf("main: source token rejected for %s: %v", sourceID, authErr)
				metrics.IncrementOrdersRejected()
				return
			}
		}
		if _, err := reg.Stamp(sourceID, kind); err != nil {
			log.Printf("main: unknown source %s rejected: %v", sourceID, err)
			metrics.IncrementOrdersRejected()
			return
		}

		order, err := intake.Normalize(env.Raw)
		if err != nil {
			log.Printf("main: normalize failed for source %s: %v", sourceID, err)
			metrics.IncrementOrdersRejected()
			reg.RecordOutcome(sourceID, false)
			return
		}
		order.Source = sourceID
		accounts.add(order.AccountID)

		estPrice := order.LimitPrice
		if estPrice == 0 {
			estPrice = order.StopPrice
		}
		stopLossPrice := estimateStopLossPrice(order, estPrice, cfg.ContractMultiplierFor(order.Instrument))
		decision := riskMgr.Evaluate(risk.Input{
			Order:         order,
			AccountID:     order.AccountID,
			EstPrice:      estPrice,
			StopLossPrice: stopLossPrice,
		})
		if !decision.Allowed {
			for _, v := range decision.Violations {
				metrics.RecordViolation(string(v.Kind))
			}
			log.Printf("main: order %s rejected by risk: %+v", order.ID, decision.Violations)
			metrics.IncrementOrdersRejected()
			reg.RecordOutcome(sourceID, false)
			b.Publish(bus.ChanBotResponsePrefix+sourceID+":responses", decision)
			return
		}

		tracked := types.TrackedOrder{Order: order, Status: types.StatusQueued, QueuedAt: time.Now(), LastUpdate: time.Now()}

		result, err := lockMgr.ExecuteOnce(order.ID, "enqueue", func() (interface{}, error) {
			id, enqErr := q.Enqueue(tracked, kind)
			return id, enqErr
		})
		if err != nil {
			log.Printf("main: enqueue failed for %s: %v", order.ID, err)
			metrics.IncrementOrdersFailed()
			reg.RecordOutcome(sourceID, false)
			return
		}
		tracked.QueueID = result.(string)

		brk.Track(tracked)
		fills.ensureSubscribed(order.AccountID)

		metrics.IncrementOrdersProcessed()
		if order.Type == types.OrderTypeCancel {
			reg.RecordCancellation(sourceID)
		} else {
			reg.RecordOutcome(sourceID, true)
		}
	}
	stopOrders := b.SubscribeFunc(bus.ChanOrdersIn, 256, handleInbound)
	defer stopOrders()
	stopRequests := b.SubscribeFunc(bus.ChanRequestsIn, 256, handleInbound)
	defer stopRequests()

	// Dispatch loop: throttled drain of the priority queue (§4.4, §4.5).
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		idle := 5 * time.Millisecond
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if controlState.Paused() || !throttle.Allow() {
				time.Sleep(idle)
				continue
			}
			entry, ok := q.Dequeue()
			if !ok {
				time.Sleep(idle)
				continue
			}
			kind := types.SourceBot
			if src, found := reg.Get(entry.Order.Source); found {
				kind = src.Kind
			}
			go disp.Dispatch(ctx, entry, kind)
		}
	}()

	// Periodic metrics/health publication (§4.10).
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				qs := q.Snapshot()
				metrics.SetQueueDepths(qs.DepthHigh, qs.DepthMedium, qs.DepthLow, qs.InFlight, throttle.Tokens())

				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)

				snap := metrics.GetSnapshot()
				monitor.Evaluate(snap)
				b.Publish(bus.ChanMetricsOut, snap)
				b.Publish(bus.ChanHealthOut, struct {
					Snapshot     health.Snapshot
					HeapAllocMB  float64
					NumGoroutine int
				}{snap, float64(mem.HeapAlloc) / (1024 * 1024), runtime.NumGoroutine()})
			}
		}
	}()

	// Account balance refresh: polls the gateway's AccountBalance RPC on a
	// 5-minute TTL so EXCESSIVE_RISK (§4.3) checks against a live balance
	// instead of permanently falling back to AccountBalanceFallback.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, accountID := range accounts.snapshot() {
					client, err := pool.Get(ctx, accountID)
					if err != nil {
						log.Printf("main: balance refresh: gateway client for %s: %v", accountID, err)
						continue
					}
					bctx, bcancel := context.WithTimeout(ctx, cfg.GatewayTimeout)
					balance, err := client.AccountBalance(bctx, accountID)
					bcancel()
					if err != nil {
						log.Printf("main: balance refresh failed for %s: %v", accountID, err)
						continue
					}
					riskMgr.SetBalance(accountID, balance)
				}
			}
		}
	}()

	// Daily-boundary reset: clears each account's rolling dailyPnL/
	// dailyLossCount at local midnight (§3, §6).
	wg.Add(1)
	go func() {
		defer wg.Done()
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
		timer := time.NewTimer(time.Until(next))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				for _, accountID := range accounts.snapshot() {
					riskMgr.ResetDaily(accountID)
				}
				timer.Reset(24 * time.Hour)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Println("main: shutdown signal received")
	case <-ctx.Done():
		log.Println("main: control-channel shutdown requested")
	}
	shutdown()
	wg.Wait()

	if n, err := q.FlushToDisk("./drain"); err != nil {
		log.Printf("main: shutdown drain failed: %v", err)
	} else if n > 0 {
		log.Printf("main: flushed %d in-flight orders to disk on shutdown", n)
	}
	log.Println("main: shutdown complete")
}
