// Package orchestrator turns planned basket pairs into live positions,
// or guarantees zero net exposure if it cannot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kyj1435/perpdex-cycler/internal/metrics"
	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
)

// Config holds execution parameters.
type Config struct {
	OrderTimeout time.Duration // per-order placement timeout
	CloseRetries int           // attempts per closing order
	CloseBackoff time.Duration // base delay between close retries
}

// DefaultConfig returns conservative execution defaults.
func DefaultConfig() Config {
	return Config{
		OrderTimeout: 10 * time.Second,
		CloseRetries: 3,
		CloseBackoff: 2 * time.Second,
	}
}

// Orchestrator executes multi-venue sagas. There is no cross-venue
// atomicity, so every forward action (placement) is paired with a
// compensating action (reversal) keyed off the leg status.
type Orchestrator struct {
	cfg      Config
	gateways map[string]venue.Gateway
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu           sync.Mutex
	realizedCost decimal.Decimal
}

// New creates an orchestrator over the given venue gateways.
func New(cfg Config, gateways map[string]venue.Gateway, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	if cfg.CloseRetries <= 0 {
		cfg.CloseRetries = 3
	}
	return &Orchestrator{
		cfg:      cfg,
		gateways: gateways,
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}
}

// RealizedCost returns the accumulated fees plus slippage for the
// current cycle.
func (o *Orchestrator) RealizedCost() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.realizedCost
}

// ResetCost clears the accumulator at cycle start.
func (o *Orchestrator) ResetCost() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.realizedCost = decimal.Zero
}

func (o *Orchestrator) addCost(c decimal.Decimal) {
	o.mu.Lock()
	o.realizedCost = o.realizedCost.Add(c)
	o.mu.Unlock()
	o.recorder.RecordRealizedCost(o.realizedCost)
}

// Open places every leg's market order concurrently, one outstanding
// request per venue, and waits for all of them to resolve. If any leg
// fails, already-filled legs on both baskets are reversed before Open
// returns: the caller either gets a fully live pair or zero net exposure.
//
// Returns ErrLegPlacement when the saga rolled back cleanly and
// ErrCompensationFailed when residual exposure was confirmed.
func (o *Orchestrator) Open(ctx context.Context, pair *types.BasketPair) error {
	legs := o.pendingLegs(pair)
	if len(legs) == 0 {
		return fmt.Errorf("open: pair has no pending legs")
	}

	var g errgroup.Group
	for _, leg := range legs {
		leg := leg
		g.Go(func() error {
			return o.placeLeg(ctx, leg)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Warn("leg placement failed, compensating", "err", err)
		if compErr := o.compensate(ctx, pair); compErr != nil {
			return compErr
		}
		return fmt.Errorf("%w: %v", types.ErrLegPlacement, err)
	}

	o.logger.Info("basket pair fully opened",
		"legs", len(legs),
		"realized_cost", o.RealizedCost().StringFixed(4),
	)
	return nil
}

// pendingLegs returns pointers to every leg that still needs placement.
func (o *Orchestrator) pendingLegs(pair *types.BasketPair) []*types.Leg {
	var legs []*types.Leg
	for i := range pair.Long.Legs {
		if pair.Long.Legs[i].Status == types.LegPending {
			legs = append(legs, &pair.Long.Legs[i])
		}
	}
	for i := range pair.Short.Legs {
		if pair.Short.Legs[i].Status == types.LegPending {
			legs = append(legs, &pair.Short.Legs[i])
		}
	}
	return legs
}

// placeLeg submits one leg's market order under the per-order timeout.
func (o *Orchestrator) placeLeg(ctx context.Context, leg *types.Leg) error {
	gw, ok := o.gateways[leg.Venue]
	if !ok {
		leg.Status = types.LegFailed
		return fmt.Errorf("no gateway for venue %s", leg.Venue)
	}

	leg.Status = types.LegPlaced
	leg.ClientOrderID = uuid.New().String()

	octx, cancel := context.WithTimeout(ctx, o.cfg.OrderTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	fill, err := gw.PlaceMarketOrder(octx, leg.Asset.Symbol, leg.Side, leg.TargetSize)
	timer.ObserveOrder(leg.Venue)

	if err != nil {
		leg.Status = types.LegFailed
		o.recorder.RecordLeg(leg.Venue, leg.Side.String(), leg.Status.String())
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s on %s", types.ErrOrderTimeout, leg.Side, leg.Asset.Symbol, leg.Venue)
		}
		return fmt.Errorf("place %s %s on %s: %w", leg.Side, leg.Asset.Symbol, leg.Venue, err)
	}

	leg.Status = types.LegFilled
	leg.FilledSize = fill.Size
	leg.FillPrice = fill.Price
	o.recorder.RecordLeg(leg.Venue, leg.Side.String(), leg.Status.String())

	// Entry fill price vs. expected price, plus venue fee.
	slippage := fill.Price.Sub(leg.Asset.MarkPrice).Abs().Mul(fill.Size)
	o.addCost(fill.Fee.Add(slippage))

	o.logger.Info("leg filled",
		"venue", leg.Venue,
		"symbol", leg.Asset.Symbol,
		"side", leg.Side,
		"size", fill.Size,
		"price", fill.Price,
	)
	return nil
}

// compensate reverses every filled leg on both baskets. Compensation
// failure is fatal: it means confirmed residual exposure.
func (o *Orchestrator) compensate(ctx context.Context, pair *types.BasketPair) error {
	var g errgroup.Group
	for _, leg := range o.filledLegs(pair) {
		leg := leg
		g.Go(func() error {
			return o.reverseLeg(ctx, leg)
		})
	}

	if err := g.Wait(); err != nil {
		o.recorder.RecordError("compensation")
		return fmt.Errorf("%w: %v", types.ErrCompensationFailed, err)
	}

	o.recorder.RecordCompensation()
	o.logger.Info("saga compensation complete, zero net exposure")
	return nil
}

func (o *Orchestrator) filledLegs(pair *types.BasketPair) []*types.Leg {
	var legs []*types.Leg
	for i := range pair.Long.Legs {
		if pair.Long.Legs[i].Status == types.LegFilled {
			legs = append(legs, &pair.Long.Legs[i])
		}
	}
	for i := range pair.Short.Legs {
		if pair.Short.Legs[i].Status == types.LegFilled {
			legs = append(legs, &pair.Short.Legs[i])
		}
	}
	return legs
}

// reverseLeg places the offsetting order for one filled leg.
func (o *Orchestrator) reverseLeg(ctx context.Context, leg *types.Leg) error {
	gw := o.gateways[leg.Venue]

	octx, cancel := context.WithTimeout(ctx, o.cfg.OrderTimeout)
	defer cancel()

	fill, err := gw.PlaceMarketOrder(octx, leg.Asset.Symbol, leg.Side.Opposite(), leg.FilledSize)
	if err != nil {
		return fmt.Errorf("reverse %s on %s: %w", leg.Asset.Symbol, leg.Venue, err)
	}

	leg.Status = types.LegReversed
	o.recorder.RecordLeg(leg.Venue, leg.Side.String(), leg.Status.String())
	o.addCost(fill.Fee)
	return nil
}

// Close places closing orders (opposite side, same size) for every
// currently filled leg, concurrently across venues. Legs that are already
// flat are skipped, so calling Close on a fully closed pair is a no-op.
// A close that keeps failing after bounded retries returns ErrCloseFailed;
// the caller must treat that as residual exposure.
func (o *Orchestrator) Close(ctx context.Context, pair *types.BasketPair) error {
	legs := o.filledLegs(pair)
	if len(legs) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, leg := range legs {
		leg := leg
		g.Go(func() error {
			return o.closeLegWithRetry(ctx, leg)
		})
	}

	if err := g.Wait(); err != nil {
		o.recorder.RecordError("close")
		return fmt.Errorf("%w: %v", types.ErrCloseFailed, err)
	}

	o.logger.Info("basket pair closed", "legs", len(legs))
	return nil
}

// closeLegWithRetry retries a failed close with linear backoff.
func (o *Orchestrator) closeLegWithRetry(ctx context.Context, leg *types.Leg) error {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.CloseRetries; attempt++ {
		if err := o.reverseLeg(ctx, leg); err != nil {
			lastErr = err
			o.logger.Warn("close attempt failed",
				"venue", leg.Venue,
				"symbol", leg.Asset.Symbol,
				"attempt", attempt,
				"err", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.CloseBackoff * time.Duration(attempt)):
			}
			continue
		}
		return nil
	}
	return lastErr
}

// ConfirmFlat verifies that no venue in the list still reports an open
// position. Used before declaring a cycle finished.
func (o *Orchestrator) ConfirmFlat(ctx context.Context, venues []string) error {
	var g errgroup.Group
	for _, name := range venues {
		name := name
		gw, ok := o.gateways[name]
		if !ok {
			continue
		}
		g.Go(func() error {
			positions, err := gw.GetOpenPositions(ctx)
			if err != nil {
				return fmt.Errorf("query %s: %w", name, err)
			}
			for _, pos := range positions {
				if pos.Size.IsPositive() {
					return fmt.Errorf("%w: %s still holds %s %s",
						types.ErrCloseFailed, name, pos.Size, pos.Symbol)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Flatten issues CloseAll on every listed venue. Emergency path used on
// shutdown and after forced liquidation, where per-leg bookkeeping may no
// longer match the venue.
func (o *Orchestrator) Flatten(ctx context.Context, venues []string) error {
	var g errgroup.Group
	for _, name := range venues {
		name := name
		gw, ok := o.gateways[name]
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := gw.CloseAll(ctx); err != nil {
				return fmt.Errorf("close all on %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
