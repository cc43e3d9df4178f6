package safety

import (
	"sync"
	"time"

	logx "robotloop/pkg/logx"
)

// Monitor is the safety state of one actuator.
//
// Feed is called from the actuator's command path; Check is called by the
// sweep. Both take only mu.
type Monitor struct {
	reg      *Registry
	actuator Actuator

	mu         sync.Mutex
	expiration time.Duration
	enabled    bool
	stopTime   time.Time
}

// Feed pushes the deadline to now + expiration.
func (m *Monitor) Feed() {
	now := m.reg.timeNow()
	m.mu.Lock()
	m.stopTime = now.Add(m.expiration)
	m.mu.Unlock()
}

func (m *Monitor) SetExpiration(d time.Duration) {
	m.mu.Lock()
	m.expiration = d
	m.mu.Unlock()
}

func (m *Monitor) Expiration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiration
}

func (m *Monitor) SetSafetyEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

func (m *Monitor) IsSafetyEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// IsAlive reports whether the actuator is within its window (or unmonitored).
func (m *Monitor) IsAlive() bool {
	now := m.reg.timeNow()
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.enabled || m.stopTime.After(now)
}

func (m *Monitor) Description() string { return m.actuator.Description() }

// Check stops the actuator if it is enabled, the robot is enforcing, and the
// deadline has passed. It reports whether the actuator was stopped.
func (m *Monitor) Check() bool {
	m.mu.Lock()
	enabled := m.enabled
	stopTime := m.stopTime
	m.mu.Unlock()

	if !enabled || !m.reg.enforcing() {
		return false
	}
	now := m.reg.timeNow()
	if !now.After(stopTime) {
		return false
	}

	desc := m.actuator.Description()
	if m.reg.reporter != nil {
		m.reg.reporter.ReportWarning(desc+"... Output not updated often enough.", false)
	}
	m.reg.log.Debug("actuator stopped", logx.String("actuator", desc), logx.Duration("stale", now.Sub(stopTime)))
	m.actuator.StopMotor()
	m.reg.stops.Add(1)
	return true
}

// Close removes the monitor from its registry. The actuator must not be used
// with this monitor afterwards.
func (m *Monitor) Close() error {
	m.reg.Unregister(m)
	return nil
}
