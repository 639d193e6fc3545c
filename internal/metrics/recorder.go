package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordCycleState records the current state machine state.
func (r *Recorder) RecordCycleState(state int) {
	CycleStateGauge.Set(float64(state))
}

// RecordCycleOutcome counts a finished cycle.
func (r *Recorder) RecordCycleOutcome(outcome string) {
	CyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordLeg counts a leg status transition.
func (r *Recorder) RecordLeg(venue, side, status string) {
	LegsTotal.WithLabelValues(venue, side, status).Inc()
}

// RecordCompensation counts a clean saga rollback.
func (r *Recorder) RecordCompensation() {
	CompensationsTotal.Inc()
}

// RecordNetPnL records the pair's net PnL from the last poll.
func (r *Recorder) RecordNetPnL(pnl decimal.Decimal) {
	NetPnL.Set(pnl.InexactFloat64())
}

// RecordRealizedCost records the cost accumulator.
func (r *Recorder) RecordRealizedCost(cost decimal.Decimal) {
	RealizedCost.Set(cost.InexactFloat64())
}

// RecordVenueUp records venue poll health.
func (r *Recorder) RecordVenueUp(venue string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	VenueUp.WithLabelValues(venue).Set(v)
}

// RecordVenueEquity records a venue capital figure.
func (r *Recorder) RecordVenueEquity(venue string, equity decimal.Decimal) {
	VenueEquity.WithLabelValues(venue).Set(equity.InexactFloat64())
}

// RecordError counts an error by type.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordHeartbeat marks a completed monitor tick.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveOrder observes the elapsed time as order latency for a venue.
func (t *Timer) ObserveOrder(venue string) {
	OrderLatency.WithLabelValues(venue).Observe(t.Elapsed().Seconds())
}

// ObservePoll observes the elapsed time as monitor tick latency.
func (t *Timer) ObservePoll() {
	PollLatency.Observe(t.Elapsed().Seconds())
}
