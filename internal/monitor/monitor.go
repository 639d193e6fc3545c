// Package monitor evaluates the closing conditions while a basket pair
// is open. It only observes and signals; it never places orders.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/metrics"
	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
)

// Config holds monitoring parameters.
type Config struct {
	PollInterval    time.Duration   // default 1s
	ProfitThreshold decimal.Decimal // default $0.01
	VenueRetries    int             // consecutive poll failures before fail-safe
	SizeTolerance   decimal.Decimal // relative tolerance for size mismatch detection
}

// DefaultConfig returns the defaults the strategy ran with.
func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Second,
		ProfitThreshold: decimal.RequireFromString("0.01"),
		VenueRetries:    3,
		SizeTolerance:   decimal.RequireFromString("0.001"),
	}
}

// Signal is the monitor's close request to the cycle state machine.
type Signal struct {
	Reason types.CloseReason
	Venue  string // offending venue for liquidation / unreachable signals
	Cause  error  // sentinel detail behind the reason, when one applies
	NetPnL decimal.Decimal
	At     time.Time
}

// CostFunc returns the realized cost accumulator for the open cycle.
type CostFunc func() decimal.Decimal

// Monitor polls venues for position and margin state.
type Monitor struct {
	cfg      Config
	gateways map[string]venue.Gateway
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// New creates a monitor over the given gateways.
func New(cfg Config, gateways map[string]venue.Gateway, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VenueRetries <= 0 {
		cfg.VenueRetries = 3
	}
	return &Monitor{
		cfg:      cfg,
		gateways: gateways,
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}
}

// venueState is one venue's answer to a poll tick.
type venueState struct {
	name       string
	positions  []venue.OpenPosition
	liquidated bool
	err        error
}

// Watch blocks until a closing condition fires or ctx is cancelled.
// Ticks never overlap: a tick that runs long delays the next one. Within
// a tick the forced-liquidation check strictly precedes the profit check.
func (m *Monitor) Watch(ctx context.Context, pair *types.BasketPair, cost CostFunc) (Signal, error) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	venues := pair.Venues()
	failures := make(map[string]int, len(venues))

	for {
		select {
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		case <-ticker.C:
		}

		timer := metrics.NewTimer()
		states := m.poll(ctx, venues)
		timer.ObservePoll()
		m.recorder.RecordHeartbeat()

		// Condition 2 first: forced liquidation overrides profit.
		if sig, ok := m.checkLiquidation(pair, states, failures); ok {
			return sig, nil
		}

		// Condition 1: profit threshold.
		if sig, ok := m.checkProfit(pair, states, cost()); ok {
			return sig, nil
		}
	}
}

// poll queries every venue concurrently for positions and the
// liquidation flag.
func (m *Monitor) poll(ctx context.Context, venues []string) []venueState {
	states := make([]venueState, len(venues))

	var wg sync.WaitGroup
	for i, name := range venues {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			states[i] = m.pollVenue(ctx, name)
		}()
	}
	wg.Wait()
	return states
}

func (m *Monitor) pollVenue(ctx context.Context, name string) venueState {
	gw, ok := m.gateways[name]
	if !ok {
		return venueState{name: name, err: types.ErrVenueUnreachable}
	}

	state := venueState{name: name}
	state.positions, state.err = gw.GetOpenPositions(ctx)
	if state.err == nil {
		state.liquidated, state.err = gw.GetLiquidationFlag(ctx)
	}

	m.recorder.RecordVenueUp(name, state.err == nil)
	return state
}

// checkLiquidation inspects every venue for an explicit liquidation flag,
// a position-size mismatch against the last known filled size, or
// repeated unreachability (fail-safe: assume the worst).
func (m *Monitor) checkLiquidation(pair *types.BasketPair, states []venueState, failures map[string]int) (Signal, bool) {
	for _, st := range states {
		if st.err != nil {
			failures[st.name]++
			m.logger.Warn("venue poll failed",
				"venue", st.name,
				"consecutive", failures[st.name],
				"err", st.err,
			)
			if failures[st.name] >= m.cfg.VenueRetries {
				m.recorder.RecordError("venue_lost")
				return Signal{
					Reason: types.CloseReasonVenueLost,
					Venue:  st.name,
					Cause:  st.err,
					At:     time.Now(),
				}, true
			}
			continue
		}
		failures[st.name] = 0

		if st.liquidated {
			m.logger.Warn("liquidation flag raised", "venue", st.name)
			return Signal{
				Reason: types.CloseReasonForcedLiquidation,
				Venue:  st.name,
				At:     time.Now(),
			}, true
		}

		if m.sizeMismatch(pair, st) {
			m.logger.Warn("position mismatch against last known fills",
				"venue", st.name, "err", types.ErrPositionMismatch)
			return Signal{
				Reason: types.CloseReasonForcedLiquidation,
				Venue:  st.name,
				Cause:  types.ErrPositionMismatch,
				At:     time.Now(),
			}, true
		}
	}
	return Signal{}, false
}

// sizeMismatch reports whether any filled leg on the venue no longer has
// a matching position of at least its filled size.
func (m *Monitor) sizeMismatch(pair *types.BasketPair, st venueState) bool {
	bySymbol := make(map[string]decimal.Decimal, len(st.positions))
	for _, pos := range st.positions {
		bySymbol[pos.Symbol] = bySymbol[pos.Symbol].Add(pos.Size)
	}

	for _, leg := range pair.Legs() {
		if leg.Venue != st.name || leg.Status != types.LegFilled {
			continue
		}
		held := bySymbol[leg.Asset.Symbol]
		tolerance := leg.FilledSize.Mul(m.cfg.SizeTolerance)
		if held.LessThan(leg.FilledSize.Sub(tolerance)) {
			return true
		}
	}
	return false
}

// checkProfit computes net PnL = current mark value − entry value −
// realized cost, across all filled legs.
func (m *Monitor) checkProfit(pair *types.BasketPair, states []venueState, realizedCost decimal.Decimal) (Signal, bool) {
	marks := make(map[string]decimal.Decimal)
	for _, st := range states {
		if st.err != nil {
			continue
		}
		for _, pos := range st.positions {
			marks[st.name+"/"+pos.Symbol] = pos.MarkPrice
		}
	}

	pnl := decimal.Zero
	for _, leg := range pair.Legs() {
		if leg.Status != types.LegFilled {
			continue
		}
		mark, ok := marks[leg.Venue+"/"+leg.Asset.Symbol]
		if !ok {
			continue
		}
		legPnL := mark.Sub(leg.FillPrice).Mul(leg.FilledSize)
		if leg.Side == types.SideShort {
			legPnL = legPnL.Neg()
		}
		pnl = pnl.Add(legPnL)
	}

	net := pnl.Sub(realizedCost)
	m.recorder.RecordNetPnL(net)

	if net.GreaterThanOrEqual(m.cfg.ProfitThreshold) {
		m.logger.Info("profit threshold reached",
			"net_pnl", net.StringFixed(4),
			"threshold", m.cfg.ProfitThreshold,
		)
		return Signal{
			Reason: types.CloseReasonProfit,
			NetPnL: net,
			At:     time.Now(),
		}, true
	}
	return Signal{}, false
}
