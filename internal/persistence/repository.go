// Package persistence provides the cycle journal and capital store.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/types"
)

// Repository is the persistence collaborator consumed by the cycle state
// machine. Transition writes are append-only and ordering-preserving.
type Repository interface {
	// Journal operations
	AppendTransition(ctx context.Context, rec TransitionRecord) error
	GetTransitions(ctx context.Context, cycleID string) ([]TransitionRecord, error)

	// Cycle operations
	SaveCycle(ctx context.Context, rec CycleRecord) error
	LastCycle(ctx context.Context) (*CycleRecord, error)

	// Capital operations
	SaveCapitalSnapshot(ctx context.Context, snap types.CapitalSnapshot) error
	GetCapitalHistory(ctx context.Context, venue string, from, to time.Time) ([]types.CapitalSnapshot, error)

	// Leg audit trail
	SaveLeg(ctx context.Context, cycleID string, leg types.Leg) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// TransitionRecord is one state machine transition.
type TransitionRecord struct {
	ID       int64
	CycleID  string
	From     types.CycleState
	To       types.CycleState
	Reason   string
	Exposure string // per-venue exposure summary at transition time
	At       time.Time
}

// CycleRecord summarizes one cycle for recovery and reporting.
type CycleRecord struct {
	ID           string
	State        types.CycleState
	Outcome      string
	CloseReason  types.CloseReason
	NetPnL       decimal.Decimal
	RealizedCost decimal.Decimal
	StartedAt    time.Time
	EndedAt      *time.Time
}
