// Package gatewayclient is the HTTP client for the venue-neutral Gateway
// RPC contract (spec §6): POST /orders, GET /account/balance,
// GET /positions, POST /position/sltp, POST /History/retrieveBars.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"trading-core/internal/types"
)

// Config holds the Gateway RPC endpoint and HTTP timeouts.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// envelope is the {success, data|error} response shape every Gateway RPC
// call returns (§6), grounded on the teacher's Binance client's JSON
// decode-then-check-error-field pattern.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Client is a single Gateway RPC connection. One Client is cached per
// accountId by Pool.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New constructs a Gateway RPC client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

type orderRequest struct {
	types.Order
	StopLossPoints   float64 `json:"stopLossPoints,omitempty"`
	TakeProfitPoints float64 `json:"takeProfitPoints,omitempty"`
}

type orderResponse struct {
	BrokerID string `json:"brokerId"`
}

// SubmitOrder posts the canonical order to POST /orders.
func (c *Client) SubmitOrder(ctx context.Context, order types.Order) (string, error) {
	req := orderRequest{Order: order}
	if order.StopLossSpec != nil && order.StopLossSpec.Kind == types.SpecKindPoints {
		req.StopLossPoints = order.StopLossSpec.Value
	}
	if order.TakeProfitSpec != nil && order.TakeProfitSpec.Kind == types.SpecKindPoints {
		req.TakeProfitPoints = order.TakeProfitSpec.Value
	}

	var resp orderResponse
	if err := c.post(ctx, "/orders", req, &resp); err != nil {
		return "", err
	}
	return resp.BrokerID, nil
}

type balanceResponse struct {
	Balance float64 `json:"balance"`
}

// AccountBalance fetches GET /account/balance for accountID.
func (c *Client) AccountBalance(ctx context.Context, accountID string) (float64, error) {
	var resp balanceResponse
	path := "/account/balance"
	if accountID != "" {
		path += "?accountId=" + accountID
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

type positionsResponse struct {
	Positions []types.Position `json:"positions"`
}

// Positions fetches GET /positions?accountId=....
func (c *Client) Positions(ctx context.Context, accountID string) ([]types.Position, error) {
	var resp positionsResponse
	if err := c.get(ctx, "/positions?accountId="+accountID, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

type sltpRequest struct {
	AccountID  string  `json:"accountId"`
	PositionID string  `json:"positionId"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
}

// UpdatePositionSLTP calls POST /position/sltp to attach/replace a
// position's bracket at the venue.
func (c *Client) UpdatePositionSLTP(ctx context.Context, accountID, positionID string, stopLoss, takeProfit float64) error {
	req := sltpRequest{AccountID: accountID, PositionID: positionID, StopLoss: stopLoss, TakeProfit: takeProfit}
	return c.post(ctx, "/position/sltp", req, nil)
}

type barsRequest struct {
	Instrument string `json:"instrument"`
	From       int64  `json:"from"`
	To         int64  `json:"to"`
}

type barsResponse struct {
	Bars []Bar `json:"bars"`
}

// Bar is one historical OHLCV bar.
type Bar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// RetrieveBars calls POST /History/retrieveBars.
func (c *Client) RetrieveBars(ctx context.Context, instrument string, from, to int64) ([]Bar, error) {
	var resp barsResponse
	req := barsRequest{Instrument: instrument, From: from, To: to}
	if err := c.post(ctx, "/History/retrieveBars", req, &resp); err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gatewayclient: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("gatewayclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("gatewayclient: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gatewayclient: read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("gatewayclient: decode envelope: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("gatewayclient: gateway error: %s", env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("gatewayclient: decode data: %w", err)
		}
	}
	return nil
}
