package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
	"github.com/kyj1435/perpdex-cycler/internal/venue/paper"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newVenue builds an initialized paper venue trading one asset at the
// given price, with zero slippage and fees so exposure math is exact.
func newVenue(t *testing.T, name, symbol, price string) *paper.Gateway {
	t.Helper()
	cfg := paper.DefaultConfig(name)
	cfg.SlippageBps = decimal.Zero
	cfg.FeeBps = decimal.Zero
	gw := paper.New(cfg, nil)
	gw.SetAsset(venue.TradableAsset{
		Symbol:        symbol,
		BaseAsset:     "TEST",
		QuoteAsset:    "USDC",
		MinSize:       d("0.0001"),
		SizePrecision: 4,
	}, d(price))
	if err := gw.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize %s: %v", name, err)
	}
	return gw
}

func testLeg(venueName, symbol string, side types.Side, size, price string) types.Leg {
	sz := d(size)
	pr := d(price)
	delta := sz.Mul(pr)
	if side == types.SideShort {
		delta = delta.Neg()
	}
	return types.Leg{
		ID:    venueName + "/" + symbol,
		Venue: venueName,
		Asset: types.Asset{
			Symbol:    symbol,
			Venue:     venueName,
			MarkPrice: pr,
		},
		Side:        side,
		TargetDelta: delta,
		TargetSize:  sz,
		Status:      types.LegPending,
	}
}

// fourVenuePair builds a 2-long 2-short pair, one leg per venue, all at
// the same price so the pair is perfectly neutral.
func fourVenuePair() *types.BasketPair {
	return &types.BasketPair{
		Long: types.Basket{Side: types.SideLong, Legs: []types.Leg{
			testLeg("v1", "AAA-PERP", types.SideLong, "1", "50"),
			testLeg("v2", "AAA-PERP", types.SideLong, "1", "50"),
		}},
		Short: types.Basket{Side: types.SideShort, Legs: []types.Leg{
			testLeg("v3", "AAA-PERP", types.SideShort, "1", "50"),
			testLeg("v4", "AAA-PERP", types.SideShort, "1", "50"),
		}},
	}
}

func fourVenues(t *testing.T) map[string]venue.Gateway {
	t.Helper()
	gws := make(map[string]venue.Gateway, 4)
	for _, name := range []string{"v1", "v2", "v3", "v4"} {
		gws[name] = newVenue(t, name, "AAA-PERP", "50")
	}
	return gws
}

func TestOpen_AllLegsFill(t *testing.T) {
	gws := fourVenues(t)
	orch := New(DefaultConfig(), gws, nil)
	pair := fourVenuePair()

	if err := orch.Open(context.Background(), pair); err != nil {
		t.Fatalf("Open() = %v, want nil", err)
	}

	for _, leg := range pair.Legs() {
		if leg.Status != types.LegFilled {
			t.Errorf("leg %s status = %s, want FILLED", leg.ID, leg.Status)
		}
		if !leg.FilledSize.Equal(leg.TargetSize) {
			t.Errorf("leg %s filled %s, want %s", leg.ID, leg.FilledSize, leg.TargetSize)
		}
	}

	// Net exposure across venues must be neutral.
	if net := pair.NetDelta(); !net.IsZero() {
		t.Errorf("net delta after open = %s, want 0", net)
	}
}

func TestOpen_PartialFailureCompensates(t *testing.T) {
	gws := fourVenues(t)
	// Third leg's venue rejects its order.
	gws["v3"].(*paper.Gateway).SetOrderError("AAA-PERP", venue.ErrOrderRejected)

	orch := New(DefaultConfig(), gws, nil)
	pair := fourVenuePair()

	err := orch.Open(context.Background(), pair)
	if !errors.Is(err, types.ErrLegPlacement) {
		t.Fatalf("Open() = %v, want ErrLegPlacement", err)
	}

	// Every venue must be flat: filled legs reversed, failed leg never live.
	for name, gw := range gws {
		positions, perr := gw.GetOpenPositions(context.Background())
		if perr != nil {
			t.Fatalf("positions on %s: %v", name, perr)
		}
		if len(positions) != 0 {
			t.Errorf("venue %s still holds %d positions after rollback", name, len(positions))
		}
	}

	// No leg may remain in a live state.
	for _, leg := range pair.Legs() {
		if leg.Status == types.LegFilled || leg.Status == types.LegPlaced {
			t.Errorf("leg %s left in live state %s", leg.ID, leg.Status)
		}
	}
}

// failAfterGateway fills its first n orders, then rejects everything.
// Lets a test fill the placement and fail the reversal deterministically.
type failAfterGateway struct {
	*paper.Gateway
	allowed int
	placed  int
	mu      sync.Mutex
}

func (g *failAfterGateway) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, size decimal.Decimal) (*venue.Fill, error) {
	g.mu.Lock()
	g.placed++
	reject := g.placed > g.allowed
	g.mu.Unlock()
	if reject {
		return nil, venue.ErrOrderRejected
	}
	return g.Gateway.PlaceMarketOrder(ctx, symbol, side, size)
}

func TestOpen_CompensationFailureIsFatal(t *testing.T) {
	gws := fourVenues(t)
	// v3 rejects placement, forcing a rollback.
	gws["v3"].(*paper.Gateway).SetOrderError("AAA-PERP", venue.ErrOrderRejected)
	// v1 fills its placement, then rejects the compensating reversal.
	gws["v1"] = &failAfterGateway{
		Gateway: gws["v1"].(*paper.Gateway),
		allowed: 1,
	}

	orch := New(DefaultConfig(), gws, nil)
	pair := fourVenuePair()

	err := orch.Open(context.Background(), pair)
	if !errors.Is(err, types.ErrCompensationFailed) {
		t.Fatalf("Open() = %v, want ErrCompensationFailed", err)
	}
}

func TestOpen_CostAccumulatesFees(t *testing.T) {
	cfg := paper.DefaultConfig("v1")
	cfg.SlippageBps = decimal.Zero
	cfg.FeeBps = d("10") // 0.1%
	gw := paper.New(cfg, nil)
	gw.SetAsset(venue.TradableAsset{
		Symbol:        "AAA-PERP",
		BaseAsset:     "TEST",
		QuoteAsset:    "USDC",
		MinSize:       d("0.0001"),
		SizePrecision: 4,
	}, d("100"))
	if err := gw.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	gw2 := newVenue(t, "v2", "AAA-PERP", "100")

	orch := New(DefaultConfig(), map[string]venue.Gateway{"v1": gw, "v2": gw2}, nil)
	pair := &types.BasketPair{
		Long: types.Basket{Side: types.SideLong, Legs: []types.Leg{
			testLeg("v1", "AAA-PERP", types.SideLong, "1", "100"),
		}},
		Short: types.Basket{Side: types.SideShort, Legs: []types.Leg{
			testLeg("v2", "AAA-PERP", types.SideShort, "1", "100"),
		}},
	}

	if err := orch.Open(context.Background(), pair); err != nil {
		t.Fatalf("Open() = %v", err)
	}

	// v1 charges 0.1% of 100 = 0.1; v2 is free.
	if got := orch.RealizedCost(); !got.Equal(d("0.1")) {
		t.Errorf("RealizedCost = %s, want 0.1", got)
	}

	orch.ResetCost()
	if !orch.RealizedCost().IsZero() {
		t.Error("ResetCost should zero the accumulator")
	}
}

func TestClose_LeavesVenuesFlat(t *testing.T) {
	gws := fourVenues(t)
	orch := New(DefaultConfig(), gws, nil)
	pair := fourVenuePair()

	ctx := context.Background()
	if err := orch.Open(ctx, pair); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if err := orch.Close(ctx, pair); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	if err := orch.ConfirmFlat(ctx, []string{"v1", "v2", "v3", "v4"}); err != nil {
		t.Errorf("ConfirmFlat after close = %v, want nil", err)
	}

	for _, leg := range pair.Legs() {
		if leg.Status != types.LegReversed {
			t.Errorf("leg %s status = %s, want REVERSED", leg.ID, leg.Status)
		}
	}
}

func TestClose_NoFilledLegsIsNoOp(t *testing.T) {
	gws := fourVenues(t)
	orch := New(DefaultConfig(), gws, nil)
	pair := fourVenuePair() // all legs still pending

	orderCountBefore := gws["v1"].(*paper.Gateway).OrderCount()
	if err := orch.Close(context.Background(), pair); err != nil {
		t.Fatalf("Close() on unopened pair = %v, want nil", err)
	}
	if gws["v1"].(*paper.Gateway).OrderCount() != orderCountBefore {
		t.Error("Close on unopened pair placed orders")
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	gws := fourVenues(t)
	orch := New(DefaultConfig(), gws, nil)
	pair := fourVenuePair()

	ctx := context.Background()
	if err := orch.Open(ctx, pair); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if err := orch.Close(ctx, pair); err != nil {
		t.Fatalf("first Close() = %v", err)
	}

	count := gws["v1"].(*paper.Gateway).OrderCount()
	if err := orch.Close(ctx, pair); err != nil {
		t.Fatalf("second Close() = %v, want nil", err)
	}
	if gws["v1"].(*paper.Gateway).OrderCount() != count {
		t.Error("second Close placed orders on an already-flat pair")
	}
}

func TestConfirmFlat_ReportsResidual(t *testing.T) {
	gws := fourVenues(t)
	ctx := context.Background()

	// Put a stray position on v2.
	if _, err := gws["v2"].PlaceMarketOrder(ctx, "AAA-PERP", types.SideLong, d("1")); err != nil {
		t.Fatal(err)
	}

	orch := New(DefaultConfig(), gws, nil)
	err := orch.ConfirmFlat(ctx, []string{"v1", "v2"})
	if !errors.Is(err, types.ErrCloseFailed) {
		t.Fatalf("ConfirmFlat = %v, want ErrCloseFailed", err)
	}

	// Flatten sweeps it away.
	if err := orch.Flatten(ctx, []string{"v1", "v2"}); err != nil {
		t.Fatalf("Flatten = %v", err)
	}
	if err := orch.ConfirmFlat(ctx, []string{"v1", "v2"}); err != nil {
		t.Errorf("ConfirmFlat after Flatten = %v, want nil", err)
	}
}
