// Package venue provides the uniform capability surface over one trading venue.
package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/types"
)

// Common gateway errors.
var (
	ErrNotInitialized      = errors.New("gateway not initialized")
	ErrOrderRejected       = errors.New("order rejected by venue")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrRateLimited         = errors.New("rate limited by venue")
)

// Balance holds free and locked amounts of one account asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// TradableAsset describes an instrument the venue accepts orders for.
type TradableAsset struct {
	Symbol        string
	BaseAsset     string
	QuoteAsset    string
	MinSize       decimal.Decimal
	SizePrecision int32
}

// Fill is the result of a filled market order.
type Fill struct {
	OrderID   string
	Symbol    string
	Side      types.Side
	Size      decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// OpenPosition is one live position as reported by the venue.
type OpenPosition struct {
	Symbol        string
	Side          types.Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Gateway is the capability contract implemented once per venue.
// The orchestrator, monitor and selector consume it; they never talk to
// venue wire formats directly.
type Gateway interface {
	// Name returns the venue identifier (e.g. "backpack", "paradex").
	Name() string

	// Initialize tests connectivity and performs venue-side setup.
	Initialize(ctx context.Context) error

	// GetBalances returns account balances keyed by asset.
	GetBalances(ctx context.Context) (map[string]Balance, error)

	// ListTradableAssets returns the instruments available for trading,
	// with min-order-size metadata.
	ListTradableAssets(ctx context.Context) ([]TradableAsset, error)

	// GetMarkPrice returns the current mark price for a symbol.
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// PlaceMarketOrder submits a market order and blocks until it fills,
	// is rejected, or ctx expires.
	PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, size decimal.Decimal) (*Fill, error)

	// GetOpenPositions returns all live positions on the venue.
	GetOpenPositions(ctx context.Context) ([]OpenPosition, error)

	// GetLiquidationFlag reports whether the venue forcibly liquidated
	// (or is about to liquidate) any position.
	GetLiquidationFlag(ctx context.Context) (bool, error)

	// CloseAll closes every open position on the venue at market.
	CloseAll(ctx context.Context) error

	// Close releases gateway resources.
	Close() error
}

// Equity sums a venue's balances into a single quote-currency figure.
// Venues report perp collateral in their quote asset, so a plain sum is
// the per-venue capital figure recorded at cycle boundaries.
func Equity(balances map[string]Balance) decimal.Decimal {
	total := decimal.Zero
	for _, b := range balances {
		total = total.Add(b.Total())
	}
	return total
}
