// Package selector builds delta-neutral basket pairs across venues.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
)

// CorrelationSource scores a short-side candidate against the long-side
// aggregate. Implementations may sample live prices or read a prepared
// matrix; the selector only consumes the coefficient.
type CorrelationSource interface {
	AggregateCorrelation(ctx context.Context, longs []types.Asset, candidate types.Asset) (decimal.Decimal, error)
}

// Config holds selection parameters.
type Config struct {
	ExposurePerSide     decimal.Decimal // total delta E per side
	MinAssetsPerVenue   int
	MaxAssetsPerVenue   int
	Epsilon             decimal.Decimal // neutrality tolerance
	MinCorrelation      decimal.Decimal // rho_min gate for short candidates
	MaxRetries          int
	AllowRandomFallback bool // degraded mode: skip the correlation gate after retries exhaust
}

// DefaultConfig returns the parameters the original deployment ran with.
func DefaultConfig() Config {
	return Config{
		ExposurePerSide:   decimal.NewFromInt(100),
		MinAssetsPerVenue: 3,
		MaxAssetsPerVenue: 5,
		Epsilon:           decimal.RequireFromString("1.0"),
		MinCorrelation:    decimal.RequireFromString("0.7"),
		MaxRetries:        3,
	}
}

// Selector partitions venues and produces basket pairs.
// Select has no side effects on any venue; given a fixed rand source its
// output is deterministic, which the tests rely on.
type Selector struct {
	cfg      Config
	gateways map[string]venue.Gateway
	corr     CorrelationSource
	rng      *rand.Rand
	logger   *slog.Logger
}

// New creates a selector. A nil rng falls back to a time-seeded source.
func New(cfg Config, gateways map[string]venue.Gateway, corr CorrelationSource, rng *rand.Rand, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.MinAssetsPerVenue <= 0 {
		cfg.MinAssetsPerVenue = 3
	}
	if cfg.MaxAssetsPerVenue < cfg.MinAssetsPerVenue {
		cfg.MaxAssetsPerVenue = cfg.MinAssetsPerVenue
	}
	return &Selector{
		cfg:      cfg,
		gateways: gateways,
		corr:     corr,
		rng:      rng,
		logger:   logger,
	}
}

// Select produces a basket pair satisfying the neutrality and
// venue-disjointness invariants, or ErrNoEligibleBasket after bounded
// retries.
func (s *Selector) Select(ctx context.Context) (*types.BasketPair, error) {
	live, err := s.liveVenues(ctx)
	if err != nil {
		return nil, err
	}
	if len(live) < 2 {
		return nil, fmt.Errorf("%w: have %d", types.ErrNotEnoughVenues, len(live))
	}

	attempts := s.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		pair, err := s.attempt(ctx, live, true)
		if err == nil {
			return pair, nil
		}
		s.logger.Debug("selection attempt rejected",
			"attempt", attempt+1,
			"reason", err,
		)
	}

	if s.cfg.AllowRandomFallback {
		s.logger.Warn("correlation gate unsatisfied, falling back to random selection")
		pair, err := s.attempt(ctx, live, false)
		if err == nil {
			return pair, nil
		}
	}

	return nil, types.ErrNoEligibleBasket
}

// liveVenues returns the names of venues that respond and carry balance,
// in sorted order so shuffling is reproducible under a fixed seed.
func (s *Selector) liveVenues(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(s.gateways))
	for name := range s.gateways {
		names = append(names, name)
	}
	sort.Strings(names)

	var live []string
	for _, name := range names {
		balances, err := s.gateways[name].GetBalances(ctx)
		if err != nil {
			s.logger.Warn("venue excluded from selection", "venue", name, "err", err)
			continue
		}
		if venue.Equity(balances).IsPositive() {
			live = append(live, name)
		}
	}
	return live, nil
}

// attempt performs one full selection pass.
func (s *Selector) attempt(ctx context.Context, live []string, gateCorrelation bool) (*types.BasketPair, error) {
	longVenues, shortVenues := s.partition(live)

	longLegs, err := s.buildLongLegs(ctx, longVenues)
	if err != nil {
		return nil, err
	}
	if len(longLegs) == 0 {
		return nil, fmt.Errorf("long side produced no legs")
	}

	longAssets := make([]types.Asset, len(longLegs))
	for i, leg := range longLegs {
		longAssets[i] = leg.Asset
	}

	shortLegs, err := s.buildShortLegs(ctx, shortVenues, longAssets, gateCorrelation)
	if err != nil {
		return nil, err
	}
	if len(shortLegs) == 0 {
		return nil, fmt.Errorf("short side produced no legs")
	}

	pair := &types.BasketPair{
		Long:  types.Basket{Side: types.SideLong, Legs: longLegs},
		Short: types.Basket{Side: types.SideShort, Legs: shortLegs},
	}

	s.balance(pair)

	if err := pair.Validate(s.cfg.Epsilon); err != nil {
		return nil, err
	}

	s.logger.Info("basket pair selected",
		"long_venues", longVenues,
		"short_venues", shortVenues,
		"long_delta", pair.Long.TotalDelta().StringFixed(2),
		"short_delta", pair.Short.TotalDelta().StringFixed(2),
		"net_delta", pair.NetDelta().StringFixed(4),
	)
	return pair, nil
}

// partition splits venues into two disjoint non-empty sets of roughly
// equal size via a uniform random shuffle.
func (s *Selector) partition(live []string) (long, short []string) {
	shuffled := make([]string, len(live))
	copy(shuffled, live)
	s.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	mid := len(shuffled) / 2
	return shuffled[:mid], shuffled[mid:]
}

func (s *Selector) buildLongLegs(ctx context.Context, venues []string) ([]types.Leg, error) {
	capitalPerVenue := s.cfg.ExposurePerSide.Div(decimal.NewFromInt(int64(len(venues))))

	var legs []types.Leg
	for _, name := range venues {
		assets, err := s.venueAssets(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("list assets on %s: %w", name, err)
		}
		if len(assets) == 0 {
			return nil, fmt.Errorf("no tradable assets on %s", name)
		}

		picked := s.pickAssets(assets)
		perAsset := capitalPerVenue.Div(decimal.NewFromInt(int64(len(picked))))

		for _, asset := range picked {
			leg, ok := s.sizeLeg(asset, types.SideLong, perAsset)
			if !ok {
				continue
			}
			legs = append(legs, leg)
		}
	}
	return legs, nil
}

func (s *Selector) buildShortLegs(ctx context.Context, venues []string, longAssets []types.Asset, gate bool) ([]types.Leg, error) {
	capitalPerVenue := s.cfg.ExposurePerSide.Div(decimal.NewFromInt(int64(len(venues))))

	var legs []types.Leg
	for _, name := range venues {
		assets, err := s.venueAssets(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("list assets on %s: %w", name, err)
		}

		eligible := assets
		if gate {
			eligible = s.correlated(ctx, longAssets, assets)
			if len(eligible) == 0 {
				return nil, fmt.Errorf("no asset on %s clears rho_min %s",
					name, s.cfg.MinCorrelation)
			}
		}
		if len(eligible) == 0 {
			return nil, fmt.Errorf("no tradable assets on %s", name)
		}

		picked := s.pickAssets(eligible)
		perAsset := capitalPerVenue.Div(decimal.NewFromInt(int64(len(picked))))

		for _, asset := range picked {
			leg, ok := s.sizeLeg(asset, types.SideShort, perAsset)
			if !ok {
				continue
			}
			legs = append(legs, leg)
		}
	}
	return legs, nil
}

// correlated filters candidates by aggregate correlation against the long
// side. A source error makes the candidate ineligible rather than failing
// the attempt.
func (s *Selector) correlated(ctx context.Context, longs []types.Asset, candidates []types.Asset) []types.Asset {
	var out []types.Asset
	for _, c := range candidates {
		rho, err := s.corr.AggregateCorrelation(ctx, longs, c)
		if err != nil {
			s.logger.Debug("correlation unavailable", "symbol", c.Symbol, "venue", c.Venue, "err", err)
			continue
		}
		if rho.Abs().GreaterThanOrEqual(s.cfg.MinCorrelation) {
			out = append(out, c)
		}
	}
	return out
}

// venueAssets lists the venue's instruments enriched with mark prices.
func (s *Selector) venueAssets(ctx context.Context, name string) ([]types.Asset, error) {
	gw := s.gateways[name]
	tradable, err := gw.ListTradableAssets(ctx)
	if err != nil {
		return nil, err
	}

	assets := make([]types.Asset, 0, len(tradable))
	for _, t := range tradable {
		price, err := gw.GetMarkPrice(ctx, t.Symbol)
		if err != nil || !price.IsPositive() {
			continue
		}
		assets = append(assets, types.Asset{
			Symbol:        t.Symbol,
			Venue:         name,
			BaseAsset:     t.BaseAsset,
			QuoteAsset:    t.QuoteAsset,
			MinSize:       t.MinSize,
			SizePrecision: t.SizePrecision,
			MarkPrice:     price,
		})
	}
	return assets, nil
}

// pickAssets randomly chooses between MinAssetsPerVenue and
// MaxAssetsPerVenue distinct assets, capped by availability.
func (s *Selector) pickAssets(assets []types.Asset) []types.Asset {
	n := s.cfg.MinAssetsPerVenue
	if spread := s.cfg.MaxAssetsPerVenue - s.cfg.MinAssetsPerVenue; spread > 0 {
		n += s.rng.Intn(spread + 1)
	}
	if n > len(assets) {
		n = len(assets)
	}

	shuffled := make([]types.Asset, len(assets))
	copy(shuffled, assets)
	s.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}

// sizeLeg converts a per-asset capital allocation into a leg. Sizing is
// delta-based: for a linear perp the delta-per-unit is the mark price, so
// size = allocation / price, truncated to the venue's size precision.
func (s *Selector) sizeLeg(asset types.Asset, side types.Side, allocation decimal.Decimal) (types.Leg, bool) {
	size := allocation.Div(asset.MarkPrice).Truncate(asset.SizePrecision)
	if size.LessThan(asset.MinSize) || size.IsZero() {
		s.logger.Debug("leg below venue min size",
			"symbol", asset.Symbol,
			"venue", asset.Venue,
			"size", size,
			"min_size", asset.MinSize,
		)
		return types.Leg{}, false
	}

	delta := size.Mul(asset.MarkPrice)
	if side == types.SideShort {
		delta = delta.Neg()
	}
	return types.Leg{
		ID:             uuid.New().String(),
		Venue:          asset.Venue,
		Asset:          asset,
		Side:           side,
		TargetDelta:    delta,
		TargetNotional: size.Mul(asset.MarkPrice),
		TargetSize:     size,
		Status:         types.LegPending,
	}, true
}

// balance scales the short legs so the short delta mirrors the long
// delta, then folds the post-truncation residual onto one leg. The net
// delta is checked again by Validate.
func (s *Selector) balance(pair *types.BasketPair) {
	longDelta := pair.Long.TotalDelta()
	shortDelta := pair.Short.TotalDelta()
	if shortDelta.IsZero() {
		return
	}

	factor := longDelta.Div(shortDelta.Neg())
	for i := range pair.Short.Legs {
		leg := &pair.Short.Legs[i]
		leg.TargetSize = leg.TargetSize.Mul(factor).Truncate(leg.Asset.SizePrecision)
		leg.TargetNotional = leg.TargetSize.Mul(leg.Asset.MarkPrice)
		leg.TargetDelta = leg.TargetNotional.Neg()
	}

	s.sweepResidual(pair)
}

// sweepResidual adjusts the largest short leg by the remaining net delta.
// Per-leg truncation leaves dust whenever the scaled sizes do not land on
// the venue's size grid; folding it into a single leg makes exact
// neutrality reachable when that venue's precision can express it. Dust
// below one size step stays and is judged against epsilon by Validate.
func (s *Selector) sweepResidual(pair *types.BasketPair) {
	residual := pair.NetDelta()
	if residual.IsZero() {
		return
	}

	idx := 0
	for i := range pair.Short.Legs {
		if pair.Short.Legs[i].TargetSize.GreaterThan(pair.Short.Legs[idx].TargetSize) {
			idx = i
		}
	}
	leg := &pair.Short.Legs[idx]

	adj := residual.Div(leg.Asset.MarkPrice).Truncate(leg.Asset.SizePrecision)
	size := leg.TargetSize.Add(adj)
	if !size.IsPositive() || size.LessThan(leg.Asset.MinSize) {
		return
	}
	leg.TargetSize = size
	leg.TargetNotional = size.Mul(leg.Asset.MarkPrice)
	leg.TargetDelta = leg.TargetNotional.Neg()
}
