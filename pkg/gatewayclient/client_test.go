package gatewayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"trading-core/internal/types"
)

func TestSubmitOrderDecodesBrokerID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(envelope{Success: true, Data: json.RawMessage(`{"brokerId":"brk-42"}`)})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	brokerID, err := c.SubmitOrder(context.Background(), types.Order{ID: "o1", Instrument: "ES", Side: types.SideBuy, Quantity: 1})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if brokerID != "brk-42" {
		t.Errorf("brokerID = %q, want brk-42", brokerID)
	}
}

func TestSubmitOrderSurfacesGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(envelope{Success: false, Error: "instrument not found"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.SubmitOrder(context.Background(), types.Order{ID: "o1", Instrument: "BAD", Side: types.SideBuy, Quantity: 1})
	if err == nil {
		t.Fatal("expected error for success=false envelope")
	}
}

func TestAccountBalanceDecodesValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(envelope{Success: true, Data: json.RawMessage(`{"balance":12345.67}`)})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	bal, err := c.AccountBalance(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("AccountBalance: %v", err)
	}
	if bal != 12345.67 {
		t.Errorf("balance = %v, want 12345.67", bal)
	}
}

func TestPoolEvictsOldestBeyondMaxSize(t *testing.T) {
	p := NewPool(PoolConfig{MaxSize: 1, FailureThreshold: 3, CircuitTimeout: 0}, func(accountID string) Config {
		return Config{BaseURL: "http://example.invalid"}
	})

	if _, err := p.Get(context.Background(), "acct-1"); err != nil {
		t.Fatalf("Get acct-1: %v", err)
	}
	if _, err := p.Get(context.Background(), "acct-2"); err != nil {
		t.Fatalf("Get acct-2: %v", err)
	}
	if p.Size() != 1 {
		t.Fatalf("pool size = %d, want 1 after eviction", p.Size())
	}
}

func TestPoolGetSucceedsAfterFailureThresholdWithZeroCooldown(t *testing.T) {
	p := NewPool(PoolConfig{MaxSize: 10, FailureThreshold: 2, CircuitTimeout: 0}, func(accountID string) Config {
		return Config{BaseURL: "http://example.invalid"}
	})

	p.Get(context.Background(), "acct-1")
	p.RecordFailure("acct-1")
	p.RecordFailure("acct-1")

	// CircuitTimeout=0 means the cooldown is already elapsed, so Get still succeeds
	// but a non-zero cooldown would surface ErrPoolUnhealthy here.
	if _, err := p.Get(context.Background(), "acct-1"); err != nil {
		t.Fatalf("Get after failures with zero cooldown: %v", err)
	}
}
