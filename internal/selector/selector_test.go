package selector

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/correlation"
	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
	"github.com/kyj1435/perpdex-cycler/internal/venue/paper"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// identicalAssetVenues builds n venues all listing the same asset at the
// same price, so a balanced pair can be exactly neutral.
func identicalAssetVenues(t *testing.T, n int, price string) map[string]venue.Gateway {
	t.Helper()
	gws := make(map[string]venue.Gateway, n)
	for i := 0; i < n; i++ {
		name := string(rune('a' + i))
		gw := paper.New(paper.DefaultConfig(name), nil)
		gw.SetAsset(venue.TradableAsset{
			Symbol:        "AAA-PERP",
			BaseAsset:     "AAA",
			QuoteAsset:    "USDC",
			MinSize:       d("0.0001"),
			SizePrecision: 8,
		}, d(price))
		if err := gw.Initialize(context.Background()); err != nil {
			t.Fatal(err)
		}
		gws[name] = gw
	}
	return gws
}

// uniqueAssetVenues builds n venues each listing its own distinct asset
// at the same price, so correlation between venues is whatever the
// source says rather than trivially 1.
func uniqueAssetVenues(t *testing.T, n int, price string) map[string]venue.Gateway {
	t.Helper()
	gws := make(map[string]venue.Gateway, n)
	for i := 0; i < n; i++ {
		name := string(rune('a' + i))
		gw := paper.New(paper.DefaultConfig(name), nil)
		gw.SetAsset(venue.TradableAsset{
			Symbol:        "AST" + name + "-PERP",
			BaseAsset:     "AST" + name,
			QuoteAsset:    "USDC",
			MinSize:       d("0.0001"),
			SizePrecision: 8,
		}, d(price))
		if err := gw.Initialize(context.Background()); err != nil {
			t.Fatal(err)
		}
		gws[name] = gw
	}
	return gws
}

// allCorrelated returns a source where every asset pair clears any gate.
func allCorrelated() *correlation.StaticSource {
	return correlation.NewStaticSource(map[string]map[string]decimal.Decimal{
		"AAA": {"AAA": d("1"), "BBB": d("0.9")},
		"BBB": {"AAA": d("0.9")},
	})
}

func testConfig() Config {
	return Config{
		ExposurePerSide:   d("100"),
		MinAssetsPerVenue: 1,
		MaxAssetsPerVenue: 1,
		Epsilon:           d("0"),
		MinCorrelation:    d("0.7"),
		MaxRetries:        3,
	}
}

func TestSelect_IdenticalAssetIsExactlyNeutral(t *testing.T) {
	// Four venues, one identical asset each, epsilon zero: balancing must
	// produce |net delta| = 0 exactly.
	gws := identicalAssetVenues(t, 4, "50")
	sel := New(testConfig(), gws, allCorrelated(), rand.New(rand.NewSource(1)), nil)

	pair, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("Select() = %v", err)
	}

	if !pair.NetDelta().IsZero() {
		t.Errorf("net delta = %s, want exactly 0", pair.NetDelta())
	}
	if len(pair.Long.Legs) != 2 || len(pair.Short.Legs) != 2 {
		t.Errorf("legs = %d long / %d short, want 2/2",
			len(pair.Long.Legs), len(pair.Short.Legs))
	}
}

func TestSelect_OddVenueSplitIsExactlyNeutral(t *testing.T) {
	// Five venues split 2/3: the thinner side's per-venue allocations do
	// not land on the size grid, so scale-then-truncate alone leaves dust.
	// The residual sweep must still reach |net delta| = 0 with epsilon 0.
	for seed := int64(1); seed <= 5; seed++ {
		gws := identicalAssetVenues(t, 5, "50")
		sel := New(testConfig(), gws, allCorrelated(), rand.New(rand.NewSource(seed)), nil)

		pair, err := sel.Select(context.Background())
		if err != nil {
			t.Fatalf("seed %d: Select() = %v", seed, err)
		}
		if !pair.NetDelta().IsZero() {
			t.Errorf("seed %d: net delta = %s, want exactly 0", seed, pair.NetDelta())
		}
	}
}

func TestSelect_VenuesAreDisjoint(t *testing.T) {
	gws := identicalAssetVenues(t, 5, "50")
	sel := New(testConfig(), gws, allCorrelated(), rand.New(rand.NewSource(7)), nil)

	pair, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("Select() = %v", err)
	}

	for _, v := range pair.Long.Venues() {
		if pair.Short.HasVenue(v) {
			t.Errorf("venue %s appears on both sides", v)
		}
	}
	// Every leg's venue matches its asset's venue.
	for _, leg := range pair.Legs() {
		if leg.Venue != leg.Asset.Venue {
			t.Errorf("leg venue %s != asset venue %s", leg.Venue, leg.Asset.Venue)
		}
	}
}

func TestSelect_DeterministicUnderFixedSeed(t *testing.T) {
	gws := identicalAssetVenues(t, 4, "50")

	run := func() []string {
		sel := New(testConfig(), gws, allCorrelated(), rand.New(rand.NewSource(42)), nil)
		pair, err := sel.Select(context.Background())
		if err != nil {
			t.Fatalf("Select() = %v", err)
		}
		var out []string
		for _, leg := range pair.Legs() {
			out = append(out, leg.Venue+"/"+leg.Side.String())
		}
		return out
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("runs differ in leg count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("leg %d differs: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestSelect_NotEnoughVenues(t *testing.T) {
	gws := identicalAssetVenues(t, 1, "50")
	sel := New(testConfig(), gws, allCorrelated(), rand.New(rand.NewSource(1)), nil)

	_, err := sel.Select(context.Background())
	if !errors.Is(err, types.ErrNotEnoughVenues) {
		t.Fatalf("Select() = %v, want ErrNotEnoughVenues", err)
	}
}

func TestSelect_UnreachableVenueExcluded(t *testing.T) {
	gws := identicalAssetVenues(t, 3, "50")
	gws["a"].(*paper.Gateway).SetUnreachable(true)

	sel := New(testConfig(), gws, allCorrelated(), rand.New(rand.NewSource(1)), nil)
	pair, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("Select() = %v", err)
	}
	for _, leg := range pair.Legs() {
		if leg.Venue == "a" {
			t.Error("unreachable venue participated in selection")
		}
	}
}

func TestSelect_CorrelationGateRejects(t *testing.T) {
	gws := uniqueAssetVenues(t, 4, "50")
	// Nothing correlates: every attempt fails the gate.
	uncorrelated := correlation.NewStaticSource(map[string]map[string]decimal.Decimal{})

	cfg := testConfig()
	sel := New(cfg, gws, uncorrelated, rand.New(rand.NewSource(1)), nil)

	_, err := sel.Select(context.Background())
	if !errors.Is(err, types.ErrNoEligibleBasket) {
		t.Fatalf("Select() = %v, want ErrNoEligibleBasket", err)
	}
}

func TestSelect_RandomFallbackSkipsGate(t *testing.T) {
	gws := uniqueAssetVenues(t, 4, "50")
	uncorrelated := correlation.NewStaticSource(map[string]map[string]decimal.Decimal{})

	cfg := testConfig()
	cfg.AllowRandomFallback = true
	sel := New(cfg, gws, uncorrelated, rand.New(rand.NewSource(1)), nil)

	pair, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("Select() with fallback = %v, want success", err)
	}
	if !pair.NetDelta().IsZero() {
		t.Errorf("fallback pair net delta = %s, want 0", pair.NetDelta())
	}
}

func TestSelect_RespectsMinOrderSize(t *testing.T) {
	// Min size far above what the allocation affords: no legs possible.
	gws := make(map[string]venue.Gateway, 2)
	for _, name := range []string{"a", "b"} {
		gw := paper.New(paper.DefaultConfig(name), nil)
		gw.SetAsset(venue.TradableAsset{
			Symbol:        "AAA-PERP",
			BaseAsset:     "AAA",
			QuoteAsset:    "USDC",
			MinSize:       d("1000"),
			SizePrecision: 4,
		}, d("50"))
		if err := gw.Initialize(context.Background()); err != nil {
			t.Fatal(err)
		}
		gws[name] = gw
	}

	sel := New(testConfig(), gws, allCorrelated(), rand.New(rand.NewSource(1)), nil)
	_, err := sel.Select(context.Background())
	if !errors.Is(err, types.ErrNoEligibleBasket) {
		t.Fatalf("Select() = %v, want ErrNoEligibleBasket", err)
	}
}

func TestSelect_ShortSideScaledToMirrorLong(t *testing.T) {
	// Different prices per venue force the balancer to rescale shorts.
	gws := make(map[string]venue.Gateway, 4)
	prices := map[string]string{"a": "50", "b": "50", "c": "80", "d": "80"}
	for name, price := range prices {
		gw := paper.New(paper.DefaultConfig(name), nil)
		gw.SetAsset(venue.TradableAsset{
			Symbol:        "AAA-PERP",
			BaseAsset:     "AAA",
			QuoteAsset:    "USDC",
			MinSize:       d("0.00000001"),
			SizePrecision: 8,
		}, d(price))
		if err := gw.Initialize(context.Background()); err != nil {
			t.Fatal(err)
		}
		gws[name] = gw
	}

	cfg := testConfig()
	cfg.Epsilon = d("0.001") // rescaling truncates, allow dust
	sel := New(cfg, gws, allCorrelated(), rand.New(rand.NewSource(3)), nil)

	pair, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("Select() = %v", err)
	}

	longDelta := pair.Long.TotalDelta()
	shortDelta := pair.Short.TotalDelta()
	if longDelta.Add(shortDelta).Abs().GreaterThan(d("0.001")) {
		t.Errorf("short delta %s does not mirror long delta %s", shortDelta, longDelta)
	}
}
