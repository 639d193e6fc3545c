package alerting

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func filledLeg(venueName string, side types.Side, size, price string) types.Leg {
	return types.Leg{
		Venue:      venueName,
		Asset:      types.Asset{Symbol: "AAA-PERP", Venue: venueName, BaseAsset: "AAA"},
		Side:       side,
		Status:     types.LegFilled,
		FilledSize: d(size),
		FillPrice:  d(price),
	}
}

func TestNewCycleSummary(t *testing.T) {
	pair := &types.BasketPair{
		Long: types.Basket{Side: types.SideLong, Legs: []types.Leg{
			filledLeg("a", types.SideLong, "2", "50"),  // 100
			filledLeg("b", types.SideLong, "1", "100"), // 100
		}},
		Short: types.Basket{Side: types.SideShort, Legs: []types.Leg{
			filledLeg("c", types.SideShort, "4", "50"), // 200
		}},
	}

	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)

	s := NewCycleSummary("c1", types.CloseReasonProfit, pair, d("0.4"), d("2"), start, end)

	if !s.EntryValue.Equal(d("400")) {
		t.Errorf("entry value = %s, want 400", s.EntryValue)
	}
	// 2 / 400 * 100 = 0.5%
	if !s.ReturnPct.Equal(d("0.5")) {
		t.Errorf("return pct = %s, want 0.5", s.ReturnPct)
	}
	if s.LegCount != 3 {
		t.Errorf("leg count = %d, want 3", s.LegCount)
	}
	if len(s.Venues) != 3 {
		t.Errorf("venues = %v, want 3 entries", s.Venues)
	}
	if s.Duration != 45*time.Minute {
		t.Errorf("duration = %s, want 45m", s.Duration)
	}
}

func TestNewCycleSummary_NilPair(t *testing.T) {
	now := time.Now()
	s := NewCycleSummary("c2", types.CloseReasonShutdown, nil, decimal.Zero, decimal.Zero, now, now)

	if s.LegCount != 0 || !s.EntryValue.IsZero() {
		t.Errorf("nil pair summary = %+v, want empty", s)
	}
	if !s.ReturnPct.IsZero() {
		t.Errorf("return pct = %s, want 0 with no entry value", s.ReturnPct)
	}
}

func TestCycleSummaryFields(t *testing.T) {
	s := CycleSummary{
		CycleID:     "c3",
		CloseReason: types.CloseReasonForcedLiquidation,
		NetPnL:      d("-12.5"),
		LegCount:    2,
	}

	fields := s.Fields()
	if len(fields)%2 != 0 {
		t.Fatalf("fields length %d is odd", len(fields))
	}

	byKey := map[string]any{}
	for i := 0; i < len(fields); i += 2 {
		byKey[fields[i].(string)] = fields[i+1]
	}
	if byKey["cycle_id"] != "c3" {
		t.Errorf("cycle_id = %v", byKey["cycle_id"])
	}
	if byKey["close_reason"] != types.CloseReasonForcedLiquidation.String() {
		t.Errorf("close_reason = %v", byKey["close_reason"])
	}
	if byKey["net_pnl"] != "-12.5000" {
		t.Errorf("net_pnl = %v, want -12.5000", byKey["net_pnl"])
	}
}
