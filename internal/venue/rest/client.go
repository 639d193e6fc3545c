// Package rest provides a generic REST venue gateway.
//
// Perp DEX venues (Backpack, Paradex, Aster, GRVT and friends) expose
// near-identical REST surfaces: markets, balances, a market-order endpoint
// and a positions endpoint. This adapter maps that shape onto venue.Gateway;
// per-venue auth is injected as a request signer so the core never sees
// venue-specific credentials.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
)

// Signer adds venue-specific authentication to an outgoing request.
type Signer interface {
	Sign(req *http.Request, body []byte) error
}

// Config holds REST gateway settings.
type Config struct {
	Name              string
	BaseURL           string
	MarketsPath       string
	BalancesPath      string
	OrderPath         string
	PositionsPath     string
	RequestTimeout    time.Duration
	RequestsPerSecond int
}

// DefaultConfig returns conservative defaults for a venue.
func DefaultConfig(name, baseURL string) Config {
	return Config{
		Name:              name,
		BaseURL:           strings.TrimRight(baseURL, "/"),
		MarketsPath:       "/api/v1/markets",
		BalancesPath:      "/api/v1/capital",
		OrderPath:         "/api/v1/order",
		PositionsPath:     "/api/v1/positions",
		RequestTimeout:    10 * time.Second,
		RequestsPerSecond: 5,
	}
}

// Gateway implements venue.Gateway over a venue's REST API.
type Gateway struct {
	cfg     Config
	signer  Signer
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	initialized atomic.Bool
}

// New creates a new REST gateway.
func New(cfg Config, signer Signer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Gateway{
		cfg:     cfg,
		signer:  signer,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		logger:  logger.With("venue", cfg.Name),
	}
}

// Name returns the venue identifier.
func (g *Gateway) Name() string { return g.cfg.Name }

// Initialize verifies connectivity by listing markets.
func (g *Gateway) Initialize(ctx context.Context) error {
	if _, err := g.ListTradableAssets(ctx); err != nil {
		return fmt.Errorf("initialize %s: %w", g.cfg.Name, err)
	}
	g.initialized.Store(true)
	g.logger.Info("venue gateway initialized")
	return nil
}

// Wire types. Field names follow the common perp DEX REST shape.
type wireMarket struct {
	Symbol        string `json:"symbol"`
	BaseAsset     string `json:"baseAsset"`
	QuoteAsset    string `json:"quoteAsset"`
	MinSize       string `json:"minOrderSize"`
	SizePrecision int32  `json:"sizePrecision"`
	MarkPrice     string `json:"markPrice"`
}

type wireBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"available"`
	Locked string `json:"locked"`
}

type wireOrderRequest struct {
	ClientID string `json:"clientId"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Size     string `json:"quantity"`
}

type wireOrderResponse struct {
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	FilledSize  string `json:"executedQuantity"`
	FilledPrice string `json:"avgPrice"`
	Fee         string `json:"fee"`
	Reason      string `json:"reason,omitempty"`
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealizedPnL string `json:"unrealizedPnl"`
	Liquidatable  bool   `json:"liquidatable"`
}

// GetBalances returns account balances keyed by asset.
func (g *Gateway) GetBalances(ctx context.Context) (map[string]venue.Balance, error) {
	var wire []wireBalance
	if err := g.get(ctx, g.cfg.BalancesPath, &wire); err != nil {
		return nil, err
	}
	out := make(map[string]venue.Balance, len(wire))
	for _, b := range wire {
		out[b.Asset] = venue.Balance{
			Asset:  b.Asset,
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		}
	}
	return out, nil
}

// ListTradableAssets returns the venue's markets.
func (g *Gateway) ListTradableAssets(ctx context.Context) ([]venue.TradableAsset, error) {
	var wire []wireMarket
	if err := g.get(ctx, g.cfg.MarketsPath, &wire); err != nil {
		return nil, err
	}
	out := make([]venue.TradableAsset, 0, len(wire))
	for _, m := range wire {
		out = append(out, venue.TradableAsset{
			Symbol:        m.Symbol,
			BaseAsset:     m.BaseAsset,
			QuoteAsset:    m.QuoteAsset,
			MinSize:       parseDecimal(m.MinSize),
			SizePrecision: m.SizePrecision,
		})
	}
	return out, nil
}

// GetMarkPrice returns the mark price for one symbol.
func (g *Gateway) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var wire []wireMarket
	if err := g.get(ctx, g.cfg.MarketsPath+"?symbol="+symbol, &wire); err != nil {
		return decimal.Zero, err
	}
	for _, m := range wire {
		if m.Symbol == symbol {
			return parseDecimal(m.MarkPrice), nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, symbol)
}

// PlaceMarketOrder submits a market order and reports the fill.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, size decimal.Decimal) (*venue.Fill, error) {
	req := wireOrderRequest{
		ClientID: uuid.New().String(),
		Symbol:   symbol,
		Side:     sideToWire(side),
		Type:     "MARKET",
		Size:     size.String(),
	}

	var resp wireOrderResponse
	if err := g.post(ctx, g.cfg.OrderPath, req, &resp); err != nil {
		return nil, err
	}

	switch strings.ToUpper(resp.Status) {
	case "FILLED":
	case "REJECTED", "EXPIRED", "CANCELED", "CANCELLED":
		return nil, fmt.Errorf("%w: %s", venue.ErrOrderRejected, resp.Reason)
	default:
		return nil, fmt.Errorf("%w: unexpected order status %q", venue.ErrOrderRejected, resp.Status)
	}

	return &venue.Fill{
		OrderID:   resp.OrderID,
		Symbol:    symbol,
		Side:      side,
		Size:      parseDecimal(resp.FilledSize),
		Price:     parseDecimal(resp.FilledPrice),
		Fee:       parseDecimal(resp.Fee),
		Timestamp: time.Now(),
	}, nil
}

// GetOpenPositions returns live positions.
func (g *Gateway) GetOpenPositions(ctx context.Context) ([]venue.OpenPosition, error) {
	wire, err := g.positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]venue.OpenPosition, 0, len(wire))
	for _, p := range wire {
		out = append(out, venue.OpenPosition{
			Symbol:        p.Symbol,
			Side:          sideFromWire(p.Side),
			Size:          parseDecimal(p.Size),
			EntryPrice:    parseDecimal(p.EntryPrice),
			MarkPrice:     parseDecimal(p.MarkPrice),
			UnrealizedPnL: parseDecimal(p.UnrealizedPnL),
		})
	}
	return out, nil
}

// GetLiquidationFlag reports whether any position is flagged liquidatable.
func (g *Gateway) GetLiquidationFlag(ctx context.Context) (bool, error) {
	wire, err := g.positions(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range wire {
		if p.Liquidatable {
			return true, nil
		}
	}
	return false, nil
}

// CloseAll closes every open position with opposing market orders.
func (g *Gateway) CloseAll(ctx context.Context) error {
	positions, err := g.GetOpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if _, err := g.PlaceMarketOrder(ctx, pos.Symbol, pos.Side.Opposite(), pos.Size); err != nil {
			return fmt.Errorf("close %s: %w", pos.Symbol, err)
		}
	}
	return nil
}

// Close shuts the underlying HTTP client's idle connections.
func (g *Gateway) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

func (g *Gateway) positions(ctx context.Context) ([]wirePosition, error) {
	var wire []wirePosition
	if err := g.get(ctx, g.cfg.PositionsPath, &wire); err != nil {
		return nil, err
	}
	return wire, nil
}

func (g *Gateway) get(ctx context.Context, path string, out any) error {
	return g.do(ctx, http.MethodGet, path, nil, out)
}

func (g *Gateway) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return g.do(ctx, http.MethodPost, path, body, out)
}

func (g *Gateway) do(ctx context.Context, method, path string, body []byte, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.signer != nil {
		if err := g.signer.Sign(req, body); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrVenueUnreachable, g.cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return venue.ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: http %d", types.ErrVenueUnreachable, g.cfg.Name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s: http %d: %s", g.cfg.Name, resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func sideToWire(s types.Side) string {
	if s == types.SideShort {
		return "SELL"
	}
	return "BUY"
}

func sideFromWire(s string) types.Side {
	switch strings.ToUpper(s) {
	case "SHORT", "SELL":
		return types.SideShort
	default:
		return types.SideLong
	}
}
