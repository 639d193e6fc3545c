// Package sim runs the cycling engine end to end against paper venues
// with compressed timers. Used by the simulate subcommand to exercise a
// configuration before it touches real capital.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/alerting"
	"github.com/kyj1435/perpdex-cycler/internal/correlation"
	"github.com/kyj1435/perpdex-cycler/internal/cycle"
	"github.com/kyj1435/perpdex-cycler/internal/monitor"
	"github.com/kyj1435/perpdex-cycler/internal/orchestrator"
	"github.com/kyj1435/perpdex-cycler/internal/selector"
	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
	"github.com/kyj1435/perpdex-cycler/internal/venue/paper"
)

// Config holds simulation parameters.
type Config struct {
	Venues          int
	Cycles          int
	Seed            int64
	InitialEquity   decimal.Decimal
	ExposurePerSide decimal.Decimal
	ProfitThreshold decimal.Decimal
	DriftBps        decimal.Decimal // favorable price nudge per tick
	TickInterval    time.Duration
	Cooldown        time.Duration
}

// DefaultConfig returns a fast four-venue simulation.
func DefaultConfig() Config {
	return Config{
		Venues:          4,
		Cycles:          3,
		Seed:            1,
		InitialEquity:   decimal.NewFromInt(1000),
		ExposurePerSide: decimal.NewFromInt(100),
		ProfitThreshold: decimal.RequireFromString("0.05"),
		DriftBps:        decimal.NewFromInt(3),
		TickInterval:    20 * time.Millisecond,
		Cooldown:        50 * time.Millisecond,
	}
}

// Report aggregates a finished simulation.
type Report struct {
	Cycles       int
	Outcomes     map[string]int
	TotalNetPnL  decimal.Decimal
	TotalCost    decimal.Decimal
	FinalEquity  map[string]decimal.Decimal
	StartEquity  decimal.Decimal
	Elapsed      time.Duration
	OrdersPlaced int64
}

// universe is the simulated asset set shared by every paper venue.
var universe = []struct {
	base  string
	price string
}{
	{"BTC", "65000"},
	{"ETH", "3200"},
	{"SOL", "150"},
	{"AVAX", "30"},
	{"LINK", "14"},
	{"DOGE", "0.12"},
	{"ARB", "0.8"},
	{"OP", "1.7"},
}

// Runner wires paper venues into a full engine and drives it.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	venues map[string]*paper.Gateway
}

// New creates a simulation runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Venues < 2 {
		cfg.Venues = 2
	}
	if cfg.Cycles <= 0 {
		cfg.Cycles = 1
	}
	return &Runner{
		cfg:    cfg,
		logger: logger,
		venues: make(map[string]*paper.Gateway),
	}
}

// Run executes the simulation and returns the aggregate report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	gateways := make(map[string]venue.Gateway, r.cfg.Venues)
	for i := 0; i < r.cfg.Venues; i++ {
		name := fmt.Sprintf("venue-%d", i+1)
		gw := r.buildVenue(name)
		if err := gw.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize %s: %w", name, err)
		}
		r.venues[name] = gw
		gateways[name] = gw
	}

	rng := rand.New(rand.NewSource(r.cfg.Seed))

	selCfg := selector.DefaultConfig()
	selCfg.ExposurePerSide = r.cfg.ExposurePerSide
	sel := selector.New(selCfg, gateways, r.correlationMatrix(), rng, r.logger)

	orch := orchestrator.New(orchestrator.DefaultConfig(), gateways, r.logger)

	monCfg := monitor.DefaultConfig()
	monCfg.PollInterval = r.cfg.TickInterval
	monCfg.ProfitThreshold = r.cfg.ProfitThreshold
	mon := monitor.New(monCfg, gateways, r.logger)

	machine := cycle.New(
		cycle.Config{
			Cooldown:        r.cfg.Cooldown,
			MaxCycles:       r.cfg.Cycles,
			CloseOnShutdown: true,
		},
		sel, orch, mon, gateways,
		nil, // no journal in simulation
		alerting.NewConsoleAlerter(r.logger),
		r.logger,
	)

	driftCtx, stopDrift := context.WithCancel(ctx)
	defer stopDrift()
	go r.driftPrices(driftCtx, machine)

	start := time.Now()
	err := machine.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return nil, err
	}

	return r.report(ctx, machine, time.Since(start))
}

// buildVenue creates one paper venue stocked with the whole universe.
func (r *Runner) buildVenue(name string) *paper.Gateway {
	cfg := paper.DefaultConfig(name)
	cfg.InitialEquity = r.cfg.InitialEquity
	gw := paper.New(cfg, r.logger)

	for _, u := range universe {
		price := decimal.RequireFromString(u.price)
		gw.SetAsset(venue.TradableAsset{
			Symbol:        u.base + "-PERP",
			BaseAsset:     u.base,
			QuoteAsset:    "USDC",
			MinSize:       decimal.RequireFromString("0.0001"),
			SizePrecision: 4,
		}, price)
	}
	return gw
}

// correlationMatrix builds a static source where every universe pair is
// strongly correlated, as crypto perps are in practice.
func (r *Runner) correlationMatrix() *correlation.StaticSource {
	rho := decimal.RequireFromString("0.85")
	matrix := make(map[string]map[string]decimal.Decimal, len(universe))
	for _, a := range universe {
		row := make(map[string]decimal.Decimal, len(universe))
		for _, b := range universe {
			if a.base != b.base {
				row[b.base] = rho
			}
		}
		matrix[a.base] = row
	}
	return correlation.NewStaticSource(matrix)
}

// driftPrices nudges marks in favor of the open pair each tick so the
// profit condition eventually fires despite fees and slippage.
func (r *Runner) driftPrices(ctx context.Context, machine *cycle.Machine) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	scale := r.cfg.DriftBps.Div(decimal.NewFromInt(10000))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pair, ok := machine.PairSnapshot()
		if !ok {
			continue
		}
		for _, leg := range pair.Legs() {
			gw, ok := r.venues[leg.Venue]
			if !ok {
				continue
			}
			price, err := gw.GetMarkPrice(ctx, leg.Asset.Symbol)
			if err != nil {
				continue
			}
			nudge := price.Mul(scale)
			if leg.Side == types.SideShort {
				gw.SetPrice(leg.Asset.Symbol, price.Sub(nudge))
			} else {
				gw.SetPrice(leg.Asset.Symbol, price.Add(nudge))
			}
		}
	}
}

func (r *Runner) report(ctx context.Context, machine *cycle.Machine, elapsed time.Duration) (*Report, error) {
	rep := &Report{
		Outcomes:    make(map[string]int),
		FinalEquity: make(map[string]decimal.Decimal),
		StartEquity: r.cfg.InitialEquity,
		Elapsed:     elapsed,
	}

	for _, res := range machine.Results() {
		rep.Cycles++
		rep.Outcomes[res.Outcome]++
		rep.TotalNetPnL = rep.TotalNetPnL.Add(res.NetPnL)
		rep.TotalCost = rep.TotalCost.Add(res.RealizedCost)
	}

	for name, gw := range r.venues {
		balances, err := gw.GetBalances(ctx)
		if err != nil {
			return nil, fmt.Errorf("final balances %s: %w", name, err)
		}
		rep.FinalEquity[name] = venue.Equity(balances)
		rep.OrdersPlaced += gw.OrderCount()
	}

	return rep, nil
}

// String renders the report for the console.
func (rep *Report) String() string {
	out := fmt.Sprintf("simulation: %d cycles in %s, %d orders\n",
		rep.Cycles, rep.Elapsed.Round(time.Millisecond), rep.OrdersPlaced)
	for outcome, n := range rep.Outcomes {
		out += fmt.Sprintf("  %-12s %d\n", outcome, n)
	}
	out += fmt.Sprintf("  net pnl      %s\n", rep.TotalNetPnL.StringFixed(4))
	out += fmt.Sprintf("  total cost   %s\n", rep.TotalCost.StringFixed(4))
	for name, eq := range rep.FinalEquity {
		out += fmt.Sprintf("  %-12s equity %s (start %s)\n",
			name, eq.StringFixed(2), rep.StartEquity.StringFixed(2))
	}
	return out
}
