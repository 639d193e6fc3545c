package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MultiAlerter fans one alert out to every configured channel
// concurrently, so a slow or failing channel never delays the others.
type MultiAlerter struct {
	mu       sync.RWMutex
	channels []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a fan-out alerter over the given channels.
func NewMultiAlerter(logger *slog.Logger, channels ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{channels: channels, logger: logger}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string { return "multi" }

// AddAlerter registers another channel.
func (m *MultiAlerter) AddAlerter(a Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, a)
}

// Alert delivers to every channel. Failures are logged per channel and
// joined into the returned error; healthy channels still get the alert.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	channels := append([]Alerter(nil), m.channels...)
	m.mu.RUnlock()

	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  []error
	)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			if err := ch.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alert channel failed",
					"channel", ch.Name(),
					"severity", severity.String(),
					"err", err,
				)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// AlertEvent sends the message with the event's default severity.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	return m.Alert(ctx, EventSeverity(event), message, fields...)
}
