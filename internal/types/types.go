// Package types defines shared types used across the cycling engine.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a position leg.
type Side int

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	if s == SideShort {
		return "SHORT"
	}
	return "LONG"
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// LegStatus represents the state of a basket leg.
type LegStatus int

const (
	LegPending LegStatus = iota
	LegPlaced
	LegFilled
	LegFailed
	LegReversed
)

func (s LegStatus) String() string {
	switch s {
	case LegPending:
		return "PENDING"
	case LegPlaced:
		return "PLACED"
	case LegFilled:
		return "FILLED"
	case LegFailed:
		return "FAILED"
	case LegReversed:
		return "REVERSED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the leg is in a terminal state.
func (s LegStatus) IsFinal() bool {
	switch s {
	case LegFailed, LegReversed:
		return true
	default:
		return false
	}
}

// CloseReason explains why the monitor requested an unwind.
type CloseReason int

const (
	CloseReasonNone CloseReason = iota
	CloseReasonProfit
	CloseReasonForcedLiquidation
	CloseReasonVenueLost
	CloseReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonProfit:
		return "profit"
	case CloseReasonForcedLiquidation:
		return "forced_liquidation"
	case CloseReasonVenueLost:
		return "venue_lost"
	case CloseReasonShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Asset describes one tradable instrument on one venue.
type Asset struct {
	Symbol         string
	Venue          string
	BaseAsset      string
	QuoteAsset     string
	MinSize        decimal.Decimal
	SizePrecision  int32
	MarkPrice      decimal.Decimal
	CorrelationKey string // grouping key, defaults to the base asset
}

// Key returns the correlation grouping key for the asset.
func (a Asset) Key() string {
	if a.CorrelationKey != "" {
		return a.CorrelationKey
	}
	return a.BaseAsset
}

// Leg is one position within a basket, on one venue, in one asset.
type Leg struct {
	ID             string
	Venue          string
	Asset          Asset
	Side           Side
	TargetDelta    decimal.Decimal // signed: negative for short
	TargetNotional decimal.Decimal
	TargetSize     decimal.Decimal
	FilledSize     decimal.Decimal
	FillPrice      decimal.Decimal
	Status         LegStatus
	ClientOrderID  string
}

// Delta returns the leg's current signed delta contribution: the actual
// fill once the leg is live, the plan while it is pending, zero once the
// exposure is gone.
func (l Leg) Delta() decimal.Decimal {
	switch l.Status {
	case LegFailed, LegReversed:
		return decimal.Zero
	case LegFilled:
		price := l.FillPrice
		if price.IsZero() {
			price = l.Asset.MarkPrice
		}
		d := l.FilledSize.Mul(price)
		if l.Side == SideShort {
			return d.Neg()
		}
		return d
	default:
		return l.TargetDelta
	}
}

// EntryValue returns the notional value of the leg at fill time.
func (l Leg) EntryValue() decimal.Decimal {
	return l.FilledSize.Mul(l.FillPrice)
}

// Basket is an ordered set of same-side legs across distinct venues.
type Basket struct {
	Side Side
	Legs []Leg
}

// TotalDelta returns the signed sum of all leg deltas.
func (b Basket) TotalDelta() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range b.Legs {
		total = total.Add(leg.Delta())
	}
	return total
}

// Venues returns the distinct venue names hosting legs of this basket.
func (b Basket) Venues() []string {
	seen := make(map[string]bool, len(b.Legs))
	var venues []string
	for _, leg := range b.Legs {
		if !seen[leg.Venue] {
			seen[leg.Venue] = true
			venues = append(venues, leg.Venue)
		}
	}
	return venues
}

// HasVenue returns true if any leg of the basket lives on the venue.
func (b Basket) HasVenue(name string) bool {
	for _, leg := range b.Legs {
		if leg.Venue == name {
			return true
		}
	}
	return false
}

// BasketPair is one long basket and one short basket held concurrently.
type BasketPair struct {
	Long  Basket
	Short Basket
}

// NetDelta returns the aggregate delta of both baskets.
func (p BasketPair) NetDelta() decimal.Decimal {
	return p.Long.TotalDelta().Add(p.Short.TotalDelta())
}

// Venues returns all venue names participating in the pair.
func (p BasketPair) Venues() []string {
	return append(p.Long.Venues(), p.Short.Venues()...)
}

// Legs returns all legs of both baskets, long side first.
func (p BasketPair) Legs() []Leg {
	legs := make([]Leg, 0, len(p.Long.Legs)+len(p.Short.Legs))
	legs = append(legs, p.Long.Legs...)
	legs = append(legs, p.Short.Legs...)
	return legs
}

// Clone returns a deep copy whose leg slices share nothing with p.
func (p BasketPair) Clone() BasketPair {
	cp := p
	cp.Long.Legs = append([]Leg(nil), p.Long.Legs...)
	cp.Short.Legs = append([]Leg(nil), p.Short.Legs...)
	return cp
}

// Validate checks the pair invariants: no venue hosts legs on both sides,
// and the net delta is within the neutrality tolerance.
func (p BasketPair) Validate(epsilon decimal.Decimal) error {
	for _, v := range p.Long.Venues() {
		if p.Short.HasVenue(v) {
			return fmt.Errorf("%w: venue %s on both sides", ErrVenueOverlap, v)
		}
	}
	if net := p.NetDelta().Abs(); net.GreaterThan(epsilon) {
		return fmt.Errorf("%w: |net delta| %s > epsilon %s",
			ErrNeutralityViolated, net.StringFixed(6), epsilon.StringFixed(6))
	}
	return nil
}

// CycleState is a state of the cycle state machine.
type CycleState int

const (
	StateIdle CycleState = iota
	StateSelecting
	StateOpening
	StateMonitoring
	StateClosing
	StateCooldown
	StateFatal
)

func (s CycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StateOpening:
		return "opening"
	case StateMonitoring:
		return "monitoring"
	case StateClosing:
		return "closing"
	case StateCooldown:
		return "cooldown"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// HasOpenExposure reports whether a cycle left in this state may still
// hold live positions. Used for dirty-journal detection on restart.
func (s CycleState) HasOpenExposure() bool {
	switch s {
	case StateOpening, StateMonitoring, StateClosing, StateFatal:
		return true
	default:
		return false
	}
}

// Cycle is one end-to-end open/hold/unwind iteration.
type Cycle struct {
	ID           string
	State        CycleState
	Pair         *BasketPair
	EntryTime    time.Time
	RealizedCost decimal.Decimal
}

// CapitalSnapshot records one venue's equity at a cycle boundary.
type CapitalSnapshot struct {
	CycleID   string
	Venue     string
	Equity    decimal.Decimal
	Timestamp time.Time
}
