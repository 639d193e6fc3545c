// Package cycle runs the position cycling state machine: select a
// delta-neutral basket pair, open it, hold it until a closing condition
// fires, unwind it, cool down, repeat.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/alerting"
	"github.com/kyj1435/perpdex-cycler/internal/metrics"
	"github.com/kyj1435/perpdex-cycler/internal/monitor"
	"github.com/kyj1435/perpdex-cycler/internal/persistence"
	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
)

// Config holds cycle loop parameters.
type Config struct {
	Cooldown           time.Duration // pause between cycles
	MaxCycles          int           // 0 = run until cancelled
	CloseOnShutdown    bool          // unwind the open pair on ctx cancel
	IgnoreDirtyJournal bool          // skip the restart exposure check
}

// DefaultConfig returns the defaults the strategy ran with.
func DefaultConfig() Config {
	return Config{
		Cooldown:        10 * time.Minute,
		CloseOnShutdown: true,
	}
}

// PairSelector produces a validated basket pair or reports that none is
// eligible.
type PairSelector interface {
	Select(ctx context.Context) (*types.BasketPair, error)
}

// Executor opens and unwinds basket pairs with saga semantics.
type Executor interface {
	Open(ctx context.Context, pair *types.BasketPair) error
	Close(ctx context.Context, pair *types.BasketPair) error
	ConfirmFlat(ctx context.Context, venues []string) error
	Flatten(ctx context.Context, venues []string) error
	RealizedCost() decimal.Decimal
	ResetCost()
}

// Watcher blocks on an open pair until a closing condition fires.
type Watcher interface {
	Watch(ctx context.Context, pair *types.BasketPair, cost monitor.CostFunc) (monitor.Signal, error)
}

// Result summarizes one finished cycle.
type Result struct {
	CycleID      string
	Outcome      string
	Reason       types.CloseReason
	NetPnL       decimal.Decimal
	RealizedCost decimal.Decimal
	Duration     time.Duration
}

// Cycle outcomes as journaled and counted.
const (
	OutcomeProfit     = "profit"
	OutcomeLiquidated = "liquidated"
	OutcomeVenueLost  = "venue_lost"
	OutcomeRolledBack = "rolled_back"
	OutcomeNoBasket   = "no_basket"
	OutcomeShutdown   = "shutdown"
	OutcomeFatal      = "fatal"
)

// validTransitions is the closed transition relation. Fatal is reachable
// from anywhere and absorbing.
var validTransitions = map[types.CycleState][]types.CycleState{
	types.StateIdle:       {types.StateSelecting},
	types.StateSelecting:  {types.StateOpening, types.StateCooldown},
	types.StateOpening:    {types.StateMonitoring, types.StateCooldown},
	types.StateMonitoring: {types.StateClosing},
	types.StateClosing:    {types.StateCooldown},
	types.StateCooldown:   {types.StateIdle},
	types.StateFatal:      {},
}

// Machine is the single writer of the current cycle. All venue actions
// flow through its collaborators; it only sequences them.
type Machine struct {
	cfg      Config
	sel      PairSelector
	orch     Executor
	mon      Watcher
	gateways map[string]venue.Gateway
	repo     persistence.Repository // optional
	alerter  alerting.Alerter       // optional
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	state   types.CycleState
	current *types.Cycle
	results []Result
}

// New creates a cycle machine. repo and alerter may be nil.
func New(
	cfg Config,
	sel PairSelector,
	orch Executor,
	mon Watcher,
	gateways map[string]venue.Gateway,
	repo persistence.Repository,
	alerter alerting.Alerter,
	logger *slog.Logger,
) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	return &Machine{
		cfg:      cfg,
		sel:      sel,
		orch:     orch,
		mon:      mon,
		gateways: gateways,
		repo:     repo,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		logger:   logger,
		state:    types.StateIdle,
	}
}

// State returns the machine's current state.
func (m *Machine) State() types.CycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentCycle returns the in-flight cycle, nil when idle.
func (m *Machine) CurrentCycle() *types.Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// PairSnapshot returns a copy of the open pair, but only while the
// machine is Monitoring: that is the one held state in which no
// goroutine mutates the legs, so a copy taken under the machine's lock
// is safe to read while the engine keeps running.
func (m *Machine) PairSnapshot() (types.BasketPair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.StateMonitoring || m.current == nil || m.current.Pair == nil {
		return types.BasketPair{}, false
	}
	return m.current.Pair.Clone(), true
}

// Results returns the finished cycle results so far.
func (m *Machine) Results() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Result, len(m.results))
	copy(out, m.results)
	return out
}

// Run drives cycles until the context is cancelled, MaxCycles complete,
// or the machine goes fatal. A fatal state is returned as an error and
// the machine refuses further cycles.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.state != types.StateIdle {
		m.mu.Unlock()
		return types.ErrCycleOpen
	}
	m.mu.Unlock()

	if err := m.checkJournal(ctx); err != nil {
		return err
	}

	m.alertEvent(ctx, alerting.EventEngineStarted, "cycler started",
		"venues", len(m.gateways))

	completed := 0
	for {
		if m.cfg.MaxCycles > 0 && completed >= m.cfg.MaxCycles {
			m.logger.Info("max cycles reached", "count", completed)
			return nil
		}
		select {
		case <-ctx.Done():
			m.alertEvent(context.Background(), alerting.EventEngineStopped, "cycler stopped")
			return ctx.Err()
		default:
		}

		res, err := m.runCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				m.alertEvent(context.Background(), alerting.EventEngineStopped, "cycler stopped")
				return err
			}
			// Anything else that escapes runCycle is fatal.
			return err
		}
		if res != nil {
			completed++
		}
	}
}

// checkJournal refuses to start over a journal whose last cycle may have
// left live positions behind.
func (m *Machine) checkJournal(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	last, err := m.repo.LastCycle(ctx)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if last == nil || !last.State.HasOpenExposure() {
		return nil
	}
	if m.cfg.IgnoreDirtyJournal {
		m.logger.Warn("ignoring dirty journal",
			"cycle_id", last.ID,
			"state", last.State.String(),
		)
		return nil
	}
	return fmt.Errorf("%w: cycle %s left in state %s; inspect venues and restart with the override set",
		types.ErrDirtyJournal, last.ID, last.State)
}

// runCycle executes one full cycle. It returns a nil Result only when
// selection found no basket (the cycle did not open anything).
func (m *Machine) runCycle(ctx context.Context) (*Result, error) {
	cyc := &types.Cycle{
		ID:        uuid.New().String(),
		State:     types.StateIdle,
		EntryTime: time.Now(),
	}
	m.mu.Lock()
	m.current = cyc
	m.mu.Unlock()

	if err := m.transition(ctx, cyc, types.StateSelecting, "cycle started"); err != nil {
		return nil, err
	}
	m.alertEvent(ctx, alerting.EventCycleStarted, "cycle started", "cycle_id", cyc.ID)

	pair, err := m.sel.Select(ctx)
	if err != nil {
		if errors.Is(err, types.ErrNoEligibleBasket) || errors.Is(err, types.ErrNotEnoughVenues) {
			m.logger.Warn("no eligible basket pair", "cycle_id", cyc.ID, "err", err)
			m.alertEvent(ctx, alerting.EventNoBasket, "no eligible basket pair", "cycle_id", cyc.ID)
			m.recorder.RecordCycleOutcome(OutcomeNoBasket)
			if err := m.transition(ctx, cyc, types.StateCooldown, "no eligible basket"); err != nil {
				return nil, err
			}
			if err := m.cooldown(ctx, cyc); err != nil {
				return nil, err
			}
			return nil, m.transition(ctx, cyc, types.StateIdle, "cooldown elapsed")
		}
		return nil, m.fatal(ctx, cyc, fmt.Errorf("selection: %w", err))
	}
	m.mu.Lock()
	cyc.Pair = pair
	m.mu.Unlock()

	// Opening: the saga either fills every leg or reverses what filled.
	if err := m.transition(ctx, cyc, types.StateOpening, "pair selected"); err != nil {
		return nil, err
	}
	m.orch.ResetCost()
	if err := m.orch.Open(ctx, pair); err != nil {
		if errors.Is(err, types.ErrCompensationFailed) {
			return nil, m.fatal(ctx, cyc, err)
		}
		// Clean rollback: exposure is zero, cool down and try again.
		m.logger.Warn("open rolled back", "cycle_id", cyc.ID, "err", err)
		m.alertEvent(ctx, alerting.EventRolledBack, "pair open rolled back",
			"cycle_id", cyc.ID, "err", err.Error())
		return m.finishCycle(ctx, cyc, OutcomeRolledBack, types.CloseReasonNone, decimal.Zero)
	}
	m.alertEvent(ctx, alerting.EventPairOpened, "basket pair opened",
		"cycle_id", cyc.ID,
		"legs", len(pair.Legs()),
		"venues", len(pair.Venues()),
	)
	m.saveLegs(ctx, cyc)

	if err := m.transition(ctx, cyc, types.StateMonitoring, "all legs filled"); err != nil {
		return nil, err
	}

	sig, err := m.mon.Watch(ctx, pair, m.orch.RealizedCost)
	if err != nil {
		// Shutdown while holding positions.
		return m.shutdownClose(cyc, err)
	}

	switch sig.Reason {
	case types.CloseReasonForcedLiquidation:
		fields := []any{"cycle_id", cyc.ID, "venue", sig.Venue}
		if sig.Cause != nil {
			fields = append(fields, "cause", sig.Cause.Error())
		}
		m.alertEvent(ctx, alerting.EventForcedLiquidation, "forced liquidation detected", fields...)
	case types.CloseReasonVenueLost:
		fields := []any{"cycle_id", cyc.ID, "venue", sig.Venue}
		if sig.Cause != nil {
			fields = append(fields, "cause", sig.Cause.Error())
		}
		m.alertEvent(ctx, alerting.EventVenueLost, "venue unreachable, closing pair", fields...)
	case types.CloseReasonProfit:
		m.alertEvent(ctx, alerting.EventProfitTarget, "profit threshold reached",
			"cycle_id", cyc.ID, "net_pnl", sig.NetPnL.StringFixed(4))
	}

	if err := m.transition(ctx, cyc, types.StateClosing, "close signal: "+sig.Reason.String()); err != nil {
		return nil, err
	}
	if err := m.closeAndConfirm(ctx, cyc); err != nil {
		return nil, m.fatal(ctx, cyc, err)
	}
	m.saveLegs(ctx, cyc)

	return m.finishCycle(ctx, cyc, outcomeFor(sig.Reason), sig.Reason, sig.NetPnL)
}

// closeAndConfirm unwinds the pair and verifies every venue is flat,
// sweeping with CloseAll once if leg-level closing left residue.
func (m *Machine) closeAndConfirm(ctx context.Context, cyc *types.Cycle) error {
	if err := m.orch.Close(ctx, cyc.Pair); err != nil {
		return fmt.Errorf("close pair: %w", err)
	}

	venues := cyc.Pair.Venues()
	if err := m.orch.ConfirmFlat(ctx, venues); err == nil {
		return nil
	}

	m.logger.Warn("residual exposure after close, sweeping", "cycle_id", cyc.ID)
	if err := m.orch.Flatten(ctx, venues); err != nil {
		return fmt.Errorf("flatten sweep: %w", err)
	}
	if err := m.orch.ConfirmFlat(ctx, venues); err != nil {
		return fmt.Errorf("confirm flat after sweep: %w", err)
	}
	return nil
}

// shutdownClose handles cancellation while a pair is open. With
// CloseOnShutdown set it unwinds on a detached timeout context so the
// cancelled run context cannot strand positions.
func (m *Machine) shutdownClose(cyc *types.Cycle, cause error) (*Result, error) {
	if !m.cfg.CloseOnShutdown {
		m.logger.Warn("shutdown with open pair, leaving positions",
			"cycle_id", cyc.ID)
		return nil, cause
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := m.transition(closeCtx, cyc, types.StateClosing, "shutdown"); err != nil {
		return nil, err
	}
	if err := m.closeAndConfirm(closeCtx, cyc); err != nil {
		return nil, m.fatal(closeCtx, cyc, err)
	}
	m.saveLegs(closeCtx, cyc)

	if _, err := m.finishCycle(closeCtx, cyc, OutcomeShutdown, types.CloseReasonShutdown, decimal.Zero); err != nil {
		return nil, err
	}
	return nil, cause
}

// finishCycle journals the outcome, snapshots capital, waits out the
// cooldown and returns to idle.
func (m *Machine) finishCycle(ctx context.Context, cyc *types.Cycle, outcome string, reason types.CloseReason, netPnL decimal.Decimal) (*Result, error) {
	if err := m.transition(ctx, cyc, types.StateCooldown, "outcome: "+outcome); err != nil {
		return nil, err
	}

	res := Result{
		CycleID:      cyc.ID,
		Outcome:      outcome,
		Reason:       reason,
		NetPnL:       netPnL,
		RealizedCost: m.orch.RealizedCost(),
		Duration:     time.Since(cyc.EntryTime),
	}
	m.recorder.RecordCycleOutcome(outcome)
	m.recorder.RecordRealizedCost(res.RealizedCost)

	m.snapshotCapital(ctx, cyc)
	m.saveCycleRecord(ctx, cyc, res)

	summary := alerting.NewCycleSummary(cyc.ID, reason, cyc.Pair, res.RealizedCost, netPnL, cyc.EntryTime, time.Now())
	m.alertEvent(ctx, alerting.EventCycleClosed, "cycle closed", summary.Fields()...)

	m.mu.Lock()
	m.results = append(m.results, res)
	m.mu.Unlock()

	if err := m.cooldown(ctx, cyc); err != nil {
		return &res, err
	}
	if err := m.transition(ctx, cyc, types.StateIdle, "cooldown elapsed"); err != nil {
		return &res, err
	}

	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	return &res, nil
}

// cooldown waits the configured pause, respecting cancellation.
func (m *Machine) cooldown(ctx context.Context, cyc *types.Cycle) error {
	m.logger.Info("cooling down",
		"cycle_id", cyc.ID,
		"duration", m.cfg.Cooldown.String(),
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.Cooldown):
		return nil
	}
}

// fatal transitions to the absorbing fatal state and returns the cause
// wrapped for the caller. Positions may still be live; only an operator
// may intervene from here.
func (m *Machine) fatal(ctx context.Context, cyc *types.Cycle, cause error) error {
	m.logger.Error("entering fatal state",
		"cycle_id", cyc.ID,
		"err", cause,
	)
	m.recorder.RecordCycleOutcome(OutcomeFatal)
	m.recorder.RecordError("fatal")
	m.alertEvent(context.WithoutCancel(ctx), alerting.EventFatal, "engine halted with possible residual exposure",
		"cycle_id", cyc.ID, "err", cause.Error())

	m.mu.Lock()
	from := m.state
	m.mu.Unlock()
	m.setState(cyc, types.StateFatal)
	m.recorder.RecordCycleState(int(types.StateFatal))
	m.journalTransition(context.WithoutCancel(ctx), cyc, from, types.StateFatal, cause.Error())
	m.saveCycleRecord(context.WithoutCancel(ctx), cyc, Result{
		CycleID: cyc.ID,
		Outcome: OutcomeFatal,
	})
	return fmt.Errorf("fatal: %w", cause)
}

// transition moves to the target state after validating the edge, then
// journals and records it.
func (m *Machine) transition(ctx context.Context, cyc *types.Cycle, to types.CycleState, reason string) error {
	m.mu.Lock()
	from := m.state
	m.mu.Unlock()

	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, from, to)
	}

	m.setState(cyc, to)
	m.logger.Info("state transition",
		"cycle_id", cyc.ID,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
	m.recorder.RecordCycleState(int(to))
	m.journalTransition(ctx, cyc, from, to, reason)
	return nil
}

func (m *Machine) setState(cyc *types.Cycle, to types.CycleState) {
	m.mu.Lock()
	m.state = to
	cyc.State = to
	m.mu.Unlock()
}

func transitionAllowed(from, to types.CycleState) bool {
	if to == types.StateFatal {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// journalTransition appends to the journal when persistence is on.
// Journal write failures are logged, not fatal: losing an audit row is
// better than halting with live positions.
func (m *Machine) journalTransition(ctx context.Context, cyc *types.Cycle, from, to types.CycleState, reason string) {
	if m.repo == nil {
		return
	}
	rec := persistence.TransitionRecord{
		CycleID:  cyc.ID,
		From:     from,
		To:       to,
		Reason:   reason,
		Exposure: m.exposureSummary(cyc),
		At:       time.Now(),
	}
	if err := m.repo.AppendTransition(ctx, rec); err != nil {
		m.logger.Error("journal transition", "cycle_id", cyc.ID, "err", err)
		m.recorder.RecordError("journal_write")
	}
}

// exposureSummary renders per-venue filled exposure for the journal.
func (m *Machine) exposureSummary(cyc *types.Cycle) string {
	if cyc.Pair == nil {
		return ""
	}
	byVenue := make(map[string]decimal.Decimal)
	for _, leg := range cyc.Pair.Legs() {
		if leg.Status != types.LegFilled {
			continue
		}
		byVenue[leg.Venue] = byVenue[leg.Venue].Add(leg.Delta())
	}
	out := ""
	for _, v := range cyc.Pair.Venues() {
		d, ok := byVenue[v]
		if !ok {
			continue
		}
		if out != "" {
			out += " "
		}
		out += v + "=" + d.StringFixed(4)
	}
	return out
}

func (m *Machine) saveLegs(ctx context.Context, cyc *types.Cycle) {
	if m.repo == nil || cyc.Pair == nil {
		return
	}
	for _, leg := range cyc.Pair.Legs() {
		if err := m.repo.SaveLeg(ctx, cyc.ID, leg); err != nil {
			m.logger.Error("save leg", "leg_id", leg.ID, "err", err)
		}
	}
}

func (m *Machine) saveCycleRecord(ctx context.Context, cyc *types.Cycle, res Result) {
	if m.repo == nil {
		return
	}
	now := time.Now()
	rec := persistence.CycleRecord{
		ID:           cyc.ID,
		State:        cyc.State,
		Outcome:      res.Outcome,
		CloseReason:  res.Reason,
		NetPnL:       res.NetPnL,
		RealizedCost: res.RealizedCost,
		StartedAt:    cyc.EntryTime,
		EndedAt:      &now,
	}
	if err := m.repo.SaveCycle(ctx, rec); err != nil {
		m.logger.Error("save cycle", "cycle_id", cyc.ID, "err", err)
	}
}

// snapshotCapital records every venue's equity at the cycle boundary.
func (m *Machine) snapshotCapital(ctx context.Context, cyc *types.Cycle) {
	now := time.Now()
	for name, gw := range m.gateways {
		balances, err := gw.GetBalances(ctx)
		if err != nil {
			m.logger.Warn("capital snapshot failed", "venue", name, "err", err)
			continue
		}
		equity := venue.Equity(balances)
		m.recorder.RecordVenueEquity(name, equity)
		if m.repo == nil {
			continue
		}
		snap := types.CapitalSnapshot{
			CycleID:   cyc.ID,
			Venue:     name,
			Equity:    equity,
			Timestamp: now,
		}
		if err := m.repo.SaveCapitalSnapshot(ctx, snap); err != nil {
			m.logger.Error("save capital snapshot", "venue", name, "err", err)
		}
	}
}

func (m *Machine) alertEvent(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if m.alerter == nil {
		return
	}
	if err := m.alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...); err != nil {
		m.logger.Warn("alert failed", "event", string(event), "err", err)
	}
}

func outcomeFor(reason types.CloseReason) string {
	switch reason {
	case types.CloseReasonProfit:
		return OutcomeProfit
	case types.CloseReasonForcedLiquidation:
		return OutcomeLiquidated
	case types.CloseReasonVenueLost:
		return OutcomeVenueLost
	case types.CloseReasonShutdown:
		return OutcomeShutdown
	default:
		return OutcomeShutdown
	}
}
