package types

import "errors"

// Sentinel errors for the cycling engine.
var (
	// Selection errors
	ErrNotEnoughVenues    = errors.New("need at least two live venues with tradable balance")
	ErrNoEligibleBasket   = errors.New("no eligible basket: correlation gate not satisfied")
	ErrVenueOverlap       = errors.New("venue present in both baskets")
	ErrNeutralityViolated = errors.New("basket pair not delta neutral")

	// Execution errors
	ErrLegPlacement       = errors.New("leg placement failed, saga rolled back")
	ErrCompensationFailed = errors.New("compensation failed: residual exposure")
	ErrCloseFailed        = errors.New("close retries exhausted: residual exposure")
	ErrOrderTimeout       = errors.New("order timed out")

	// Venue errors
	ErrVenueUnreachable = errors.New("venue unreachable")
	ErrPositionMismatch = errors.New("position size mismatch with venue")

	// Cycle errors
	ErrCycleOpen         = errors.New("a cycle is already open or unwinding")
	ErrInvalidTransition = errors.New("invalid cycle state transition")
	ErrDirtyJournal      = errors.New("journal shows a cycle with possible open exposure; operator ack required")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
