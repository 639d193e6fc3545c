package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlert is one alert captured by the mock.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// MockAlerter records alerts for assertions in tests.
type MockAlerter struct {
	mu       sync.Mutex
	captured []MockAlert
}

// NewMockAlerter creates an empty recording alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

// Name returns the name of the alerter.
func (m *MockAlerter) Name() string { return "mock" }

// Alert records the alert instead of delivering it.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captured = append(m.captured, MockAlert{Severity: severity, Message: message, Fields: fields})
	return nil
}

// Alerts returns a copy of everything recorded so far.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAlert(nil), m.captured...)
}

// Count returns how many alerts were recorded.
func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.captured)
}

// Clear discards everything recorded.
func (m *MockAlerter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captured = m.captured[:0]
}

// LastAlert returns the most recent alert, nil if none were recorded.
func (m *MockAlerter) LastAlert() *MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.captured) == 0 {
		return nil
	}
	last := m.captured[len(m.captured)-1]
	return &last
}

// HasAlertWithSeverity reports whether any recorded alert carries the
// severity.
func (m *MockAlerter) HasAlertWithSeverity(severity Severity) bool {
	return m.any(func(a MockAlert) bool { return a.Severity == severity })
}

// HasAlertContaining reports whether any recorded message contains the
// substring.
func (m *MockAlerter) HasAlertContaining(substr string) bool {
	return m.any(func(a MockAlert) bool { return strings.Contains(a.Message, substr) })
}

func (m *MockAlerter) any(match func(MockAlert) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.captured {
		if match(a) {
			return true
		}
	}
	return false
}
