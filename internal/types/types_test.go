package types

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func leg(venue string, side Side, delta string) Leg {
	td := d(delta)
	if side == SideShort {
		td = td.Neg()
	}
	return Leg{
		ID:          venue + "-" + delta,
		Venue:       venue,
		Side:        side,
		TargetDelta: td,
		Status:      LegPending,
	}
}

func TestBasketPair_Validate_Neutrality(t *testing.T) {
	tests := []struct {
		name    string
		long    []Leg
		short   []Leg
		epsilon string
		wantErr error
	}{
		{
			name:    "perfectly neutral",
			long:    []Leg{leg("a", SideLong, "50"), leg("b", SideLong, "50")},
			short:   []Leg{leg("c", SideShort, "50"), leg("d", SideShort, "50")},
			epsilon: "0",
		},
		{
			name:    "residual within epsilon",
			long:    []Leg{leg("a", SideLong, "100")},
			short:   []Leg{leg("b", SideShort, "99.5")},
			epsilon: "1",
		},
		{
			name:    "residual exceeds epsilon",
			long:    []Leg{leg("a", SideLong, "100")},
			short:   []Leg{leg("b", SideShort, "95")},
			epsilon: "1",
			wantErr: ErrNeutralityViolated,
		},
		{
			name:    "venue on both sides",
			long:    []Leg{leg("a", SideLong, "100")},
			short:   []Leg{leg("a", SideShort, "100")},
			epsilon: "1",
			wantErr: ErrVenueOverlap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair := BasketPair{
				Long:  Basket{Side: SideLong, Legs: tt.long},
				Short: Basket{Side: SideShort, Legs: tt.short},
			}
			err := pair.Validate(d(tt.epsilon))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBasketPair_NetDelta(t *testing.T) {
	pair := BasketPair{
		Long:  Basket{Side: SideLong, Legs: []Leg{leg("a", SideLong, "60"), leg("b", SideLong, "40")}},
		Short: Basket{Side: SideShort, Legs: []Leg{leg("c", SideShort, "99")}},
	}
	if got := pair.NetDelta(); !got.Equal(d("1")) {
		t.Errorf("NetDelta = %s, want 1", got)
	}
}

func TestBasketPair_Clone_IsIndependent(t *testing.T) {
	pair := BasketPair{
		Long:  Basket{Side: SideLong, Legs: []Leg{leg("a", SideLong, "50")}},
		Short: Basket{Side: SideShort, Legs: []Leg{leg("b", SideShort, "50")}},
	}

	cp := pair.Clone()
	cp.Long.Legs[0].Status = LegFilled
	cp.Short.Legs[0].TargetDelta = d("-999")

	if pair.Long.Legs[0].Status != LegPending {
		t.Error("mutating the clone changed the original long leg")
	}
	if !pair.Short.Legs[0].TargetDelta.Equal(d("-50")) {
		t.Errorf("original short delta = %s, want -50", pair.Short.Legs[0].TargetDelta)
	}
}

func TestLeg_Delta_UsesFillWhenFilled(t *testing.T) {
	l := Leg{
		Side:        SideShort,
		TargetDelta: d("-100"),
		Status:      LegFilled,
		FilledSize:  d("2"),
		FillPrice:   d("51"),
	}
	// Filled legs report actual exposure, not the plan.
	if got := l.Delta(); !got.Equal(d("-102")) {
		t.Errorf("Delta = %s, want -102", got)
	}

	l.Status = LegReversed
	if !l.Delta().IsZero() {
		t.Error("reversed leg should carry zero delta")
	}

	l.Status = LegPending
	if got := l.Delta(); !got.Equal(d("-100")) {
		t.Errorf("pending leg Delta = %s, want target -100", got)
	}
}

func TestCycleState_HasOpenExposure(t *testing.T) {
	open := []CycleState{StateOpening, StateMonitoring, StateClosing, StateFatal}
	flat := []CycleState{StateIdle, StateSelecting, StateCooldown}

	for _, s := range open {
		if !s.HasOpenExposure() {
			t.Errorf("%s should report open exposure", s)
		}
	}
	for _, s := range flat {
		if s.HasOpenExposure() {
			t.Errorf("%s should not report open exposure", s)
		}
	}
}

func TestSide_Opposite(t *testing.T) {
	if SideLong.Opposite() != SideShort || SideShort.Opposite() != SideLong {
		t.Error("Opposite should flip the side")
	}
}

func TestLegStatus_IsFinal(t *testing.T) {
	if LegFilled.IsFinal() || LegPending.IsFinal() || LegPlaced.IsFinal() {
		t.Error("open statuses must not be final")
	}
	if !LegFailed.IsFinal() || !LegReversed.IsFinal() {
		t.Error("failed and reversed must be final")
	}
}
