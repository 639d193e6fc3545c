// Package paper provides a simulated venue gateway for paper trading and tests.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
)

// Config holds paper venue configuration.
type Config struct {
	Name          string
	InitialEquity decimal.Decimal
	SlippageBps   decimal.Decimal // applied against the taker on every fill
	FeeBps        decimal.Decimal
	FillDelay     time.Duration
}

// DefaultConfig returns a default paper venue config.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		InitialEquity: decimal.NewFromInt(1000),
		SlippageBps:   decimal.NewFromInt(5),
		FeeBps:        decimal.NewFromInt(8),
		FillDelay:     0,
	}
}

// Gateway implements venue.Gateway against in-memory simulated state.
// All mutators are safe for concurrent use; tests drive failure modes
// through the Set* methods.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	initialized atomic.Bool

	mu          sync.RWMutex
	equity      decimal.Decimal
	assets      []venue.TradableAsset
	prices      map[string]decimal.Decimal
	positions   map[string]*venue.OpenPosition // keyed by symbol
	liquidated  bool
	unreachable bool
	failSymbols map[string]error // symbol -> error for next order
	failAll     error            // error for every order while set
	orderCount  atomic.Int64
}

// New creates a new paper venue gateway.
func New(cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:         cfg,
		logger:      logger.With("venue", cfg.Name),
		equity:      cfg.InitialEquity,
		prices:      make(map[string]decimal.Decimal),
		positions:   make(map[string]*venue.OpenPosition),
		failSymbols: make(map[string]error),
	}
}

// Name returns the venue identifier.
func (g *Gateway) Name() string { return g.cfg.Name }

// Initialize marks the gateway ready.
func (g *Gateway) Initialize(ctx context.Context) error {
	if err := g.checkReachable(); err != nil {
		return err
	}
	g.initialized.Store(true)
	g.logger.Info("paper venue initialized", "equity", g.cfg.InitialEquity)
	return nil
}

// SetAsset registers a tradable asset and its current price.
func (g *Gateway) SetAsset(a venue.TradableAsset, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.assets {
		if existing.Symbol == a.Symbol {
			g.assets[i] = a
			g.prices[a.Symbol] = price
			return
		}
	}
	g.assets = append(g.assets, a)
	g.prices[a.Symbol] = price
}

// SetPrice updates the mark price of a symbol and remarks open positions.
func (g *Gateway) SetPrice(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
	if pos, ok := g.positions[symbol]; ok {
		pos.MarkPrice = price
		pos.UnrealizedPnL = unrealized(pos)
	}
}

// SetOrderError makes the next order for symbol fail with err.
func (g *Gateway) SetOrderError(symbol string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failSymbols[symbol] = err
}

// SetAllOrdersError makes every order fail with err until cleared with nil.
func (g *Gateway) SetAllOrdersError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAll = err
}

// SetUnreachable toggles simulated venue connectivity loss.
func (g *Gateway) SetUnreachable(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unreachable = down
}

// ForceLiquidate wipes all positions and raises the liquidation flag,
// simulating a venue-side margin call.
func (g *Gateway) ForceLiquidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for symbol, pos := range g.positions {
		g.equity = g.equity.Add(pos.UnrealizedPnL)
		delete(g.positions, symbol)
	}
	g.liquidated = true
	g.logger.Warn("paper venue force liquidated")
}

// SetLiquidationFlag raises or clears the liquidation flag without
// touching positions.
func (g *Gateway) SetLiquidationFlag(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.liquidated = v
}

// OrderCount returns the number of orders accepted so far.
func (g *Gateway) OrderCount() int64 { return g.orderCount.Load() }

func (g *Gateway) checkReachable() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.unreachable {
		return fmt.Errorf("%w: %s", types.ErrVenueUnreachable, g.cfg.Name)
	}
	return nil
}

// GetBalances returns the simulated account balance.
func (g *Gateway) GetBalances(ctx context.Context) (map[string]venue.Balance, error) {
	if err := g.checkReachable(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	locked := decimal.Zero
	for _, pos := range g.positions {
		locked = locked.Add(pos.Size.Mul(pos.EntryPrice))
	}
	free := g.equity.Sub(locked)
	if free.IsNegative() {
		free = decimal.Zero
	}
	return map[string]venue.Balance{
		"USDC": {Asset: "USDC", Free: free, Locked: locked},
	}, nil
}

// ListTradableAssets returns the registered assets.
func (g *Gateway) ListTradableAssets(ctx context.Context) ([]venue.TradableAsset, error) {
	if err := g.checkReachable(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]venue.TradableAsset, len(g.assets))
	copy(out, g.assets)
	return out, nil
}

// GetMarkPrice returns the current price for a symbol.
func (g *Gateway) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := g.checkReachable(); err != nil {
		return decimal.Zero, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	price, ok := g.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, symbol)
	}
	return price, nil
}

// PlaceMarketOrder fills immediately at the mark price plus slippage.
// An order against an existing opposite-side position reduces it and
// realizes its PnL into equity.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, size decimal.Decimal) (*venue.Fill, error) {
	if err := g.checkReachable(); err != nil {
		return nil, err
	}
	if !g.initialized.Load() {
		return nil, venue.ErrNotInitialized
	}
	if g.cfg.FillDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.cfg.FillDelay):
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failAll != nil {
		return nil, g.failAll
	}
	if err, ok := g.failSymbols[symbol]; ok {
		delete(g.failSymbols, symbol)
		return nil, err
	}

	price, ok := g.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, symbol)
	}

	fillPrice := g.applySlippage(price, side)
	if err := g.checkMargin(symbol, side, size, fillPrice); err != nil {
		return nil, err
	}
	fee := fillPrice.Mul(size).Mul(g.cfg.FeeBps).Div(decimal.NewFromInt(10000))
	g.equity = g.equity.Sub(fee)

	g.applyToPosition(symbol, side, size, fillPrice)
	g.orderCount.Add(1)

	return &venue.Fill{
		OrderID:   uuid.New().String(),
		Symbol:    symbol,
		Side:      side,
		Size:      size,
		Price:     fillPrice,
		Fee:       fee,
		Timestamp: time.Now(),
	}, nil
}

// checkMargin rejects the part of an order that would grow exposure past
// the free collateral. Reducing orders always pass. Caller holds mu.
func (g *Gateway) checkMargin(symbol string, side types.Side, size, fillPrice decimal.Decimal) error {
	increase := size
	if pos, ok := g.positions[symbol]; ok && pos.Side != side {
		increase = decimal.Max(decimal.Zero, size.Sub(pos.Size))
	}
	if increase.IsZero() {
		return nil
	}

	locked := decimal.Zero
	for _, pos := range g.positions {
		locked = locked.Add(pos.Size.Mul(pos.EntryPrice))
	}
	free := g.equity.Sub(locked)
	required := increase.Mul(fillPrice)
	if required.GreaterThan(free) {
		return fmt.Errorf("%w: need %s, free %s", venue.ErrInsufficientBalance,
			required.StringFixed(2), free.StringFixed(2))
	}
	return nil
}

// applySlippage moves the fill price against the taker.
func (g *Gateway) applySlippage(price decimal.Decimal, side types.Side) decimal.Decimal {
	slip := price.Mul(g.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
	if side == types.SideLong {
		return price.Add(slip)
	}
	return price.Sub(slip)
}

// applyToPosition nets the order into the symbol's position. Caller holds mu.
func (g *Gateway) applyToPosition(symbol string, side types.Side, size, fillPrice decimal.Decimal) {
	pos, ok := g.positions[symbol]
	if !ok || pos.Side == side {
		if !ok {
			g.positions[symbol] = &venue.OpenPosition{
				Symbol:     symbol,
				Side:       side,
				Size:       size,
				EntryPrice: fillPrice,
				MarkPrice:  fillPrice,
			}
			return
		}
		// Same side: average in.
		total := pos.Size.Add(size)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(fillPrice.Mul(size)).Div(total)
		pos.Size = total
		pos.MarkPrice = fillPrice
		pos.UnrealizedPnL = unrealized(pos)
		return
	}

	// Opposite side: reduce, realizing PnL on the closed portion.
	closed := decimal.Min(pos.Size, size)
	pnl := fillPrice.Sub(pos.EntryPrice).Mul(closed)
	if pos.Side == types.SideShort {
		pnl = pnl.Neg()
	}
	g.equity = g.equity.Add(pnl)

	remaining := pos.Size.Sub(closed)
	if remaining.IsPositive() {
		pos.Size = remaining
		pos.MarkPrice = fillPrice
		pos.UnrealizedPnL = unrealized(pos)
		return
	}
	delete(g.positions, symbol)

	if flipped := size.Sub(closed); flipped.IsPositive() {
		g.positions[symbol] = &venue.OpenPosition{
			Symbol:     symbol,
			Side:       side,
			Size:       flipped,
			EntryPrice: fillPrice,
			MarkPrice:  fillPrice,
		}
	}
}

// GetOpenPositions returns all simulated positions.
func (g *Gateway) GetOpenPositions(ctx context.Context) ([]venue.OpenPosition, error) {
	if err := g.checkReachable(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]venue.OpenPosition, 0, len(g.positions))
	for _, pos := range g.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// GetLiquidationFlag reports the simulated margin-call flag.
func (g *Gateway) GetLiquidationFlag(ctx context.Context) (bool, error) {
	if err := g.checkReachable(); err != nil {
		return false, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.liquidated, nil
}

// CloseAll closes every open position at the current mark price.
func (g *Gateway) CloseAll(ctx context.Context) error {
	if err := g.checkReachable(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for symbol, pos := range g.positions {
		price := g.prices[symbol]
		pnl := price.Sub(pos.EntryPrice).Mul(pos.Size)
		if pos.Side == types.SideShort {
			pnl = pnl.Neg()
		}
		g.equity = g.equity.Add(pnl)
		delete(g.positions, symbol)
	}
	return nil
}

// Close releases resources; a no-op for the paper venue.
func (g *Gateway) Close() error { return nil }

func unrealized(pos *venue.OpenPosition) decimal.Decimal {
	pnl := pos.MarkPrice.Sub(pos.EntryPrice).Mul(pos.Size)
	if pos.Side == types.SideShort {
		return pnl.Neg()
	}
	return pnl
}
