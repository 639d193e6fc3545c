package alerting

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/types"
)

// CycleSummary contains one finished cycle's statistics for the summary
// report.
type CycleSummary struct {
	CycleID      string
	CloseReason  types.CloseReason
	EntryValue   decimal.Decimal
	RealizedCost decimal.Decimal
	NetPnL       decimal.Decimal
	ReturnPct    decimal.Decimal
	Venues       []string
	LegCount     int
	StartedAt    time.Time
	EndedAt      time.Time
	Duration     time.Duration
}

// NewCycleSummary builds a summary from the finished cycle's pair and
// final figures.
func NewCycleSummary(
	cycleID string,
	reason types.CloseReason,
	pair *types.BasketPair,
	realizedCost, netPnL decimal.Decimal,
	startedAt, endedAt time.Time,
) CycleSummary {
	s := CycleSummary{
		CycleID:      cycleID,
		CloseReason:  reason,
		RealizedCost: realizedCost,
		NetPnL:       netPnL,
		StartedAt:    startedAt,
		EndedAt:      endedAt,
		Duration:     endedAt.Sub(startedAt),
	}

	if pair != nil {
		s.Venues = pair.Venues()
		for _, leg := range pair.Legs() {
			s.LegCount++
			s.EntryValue = s.EntryValue.Add(leg.EntryValue())
		}
	}

	if !s.EntryValue.IsZero() {
		s.ReturnPct = netPnL.Div(s.EntryValue).Mul(decimal.NewFromInt(100))
	}

	return s
}

// Fields returns the summary as alert fields.
func (s CycleSummary) Fields() []any {
	return []any{
		"cycle_id", s.CycleID,
		"close_reason", s.CloseReason.String(),
		"entry_value", s.EntryValue.StringFixed(2),
		"realized_cost", s.RealizedCost.StringFixed(4),
		"net_pnl", s.NetPnL.StringFixed(4),
		"return_pct", s.ReturnPct.StringFixed(4),
		"legs", s.LegCount,
		"duration", s.Duration.Round(time.Second).String(),
	}
}
