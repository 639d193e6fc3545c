// Package alerting provides notification capabilities for the cycler.
package alerting

import (
	"context"
	"fmt"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// Field represents a key-value pair for structured alert data.
type Field struct {
	Key   string
	Value any
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventCycleStarted is sent when a new cycle begins selection.
	EventCycleStarted AlertEvent = "cycle_started"
	// EventPairOpened is sent when every leg of a basket pair filled.
	EventPairOpened AlertEvent = "pair_opened"
	// EventRolledBack is sent when a partial open was fully reversed.
	EventRolledBack AlertEvent = "rolled_back"
	// EventForcedLiquidation is sent when a venue liquidated a leg.
	EventForcedLiquidation AlertEvent = "forced_liquidation"
	// EventVenueLost is sent when a venue stayed unreachable past the
	// fail-safe threshold.
	EventVenueLost AlertEvent = "venue_lost"
	// EventProfitTarget is sent when net PnL cleared the threshold.
	EventProfitTarget AlertEvent = "profit_target"
	// EventCycleClosed is sent when a cycle's pair is fully flat.
	EventCycleClosed AlertEvent = "cycle_closed"
	// EventNoBasket is sent when selection found no eligible pair.
	EventNoBasket AlertEvent = "no_basket"
	// EventFatal is sent when the engine halts with residual exposure.
	EventFatal AlertEvent = "fatal"
	// EventEngineStarted is sent when the cycler starts.
	EventEngineStarted AlertEvent = "engine_started"
	// EventEngineStopped is sent when the cycler stops.
	EventEngineStopped AlertEvent = "engine_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventFatal:
		return SeverityCritical
	case EventForcedLiquidation, EventVenueLost:
		return SeverityHigh
	case EventRolledBack, EventNoBasket:
		return SeverityWarning
	case EventCycleStarted, EventPairOpened, EventProfitTarget, EventCycleClosed:
		return SeverityInfo
	case EventEngineStarted, EventEngineStopped:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}
