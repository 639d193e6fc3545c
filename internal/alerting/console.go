package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to the structured log. It is the default
// channel for development and the simulate subcommand.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger}
}

// Name returns the name of the alerter.
func (c *ConsoleAlerter) Name() string { return "console" }

// Alert logs the alert at a level matching its severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	args := append([]any{"severity", severity.String()}, fields...)
	c.logger.Log(ctx, severityLevel(severity), "[ALERT] "+message, args...)
	return nil
}

func severityLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityHigh, SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
