// Package sim provides an in-process HAL and driver station for running the
// robot program without hardware.
package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"robotloop/internal/robot"
	logx "robotloop/pkg/logx"
)

// DefaultPacketPeriod matches the real driver station's packet rate.
const DefaultPacketPeriod = 20 * time.Millisecond

// ParseMode maps a config value to a selectable mode. Disabled is not a mode
// here; it is the absence of the enabled bit.
func ParseMode(s string) (robot.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "teleop", "operator", "operator_control":
		return robot.ModeTeleop, nil
	case "auto", "autonomous":
		return robot.ModeAutonomous, nil
	case "test":
		return robot.ModeTest, nil
	default:
		return robot.ModeNone, fmt.Errorf("unknown sim mode %q", s)
	}
}

// DriverStation simulates the operator console. A packet is published every
// period while Run is active, or on demand via Publish.
type DriverStation struct {
	log logx.Logger

	mu      sync.Mutex
	enabled bool
	mode    robot.Mode
	gen     uint64
	ready   chan struct{} // closed and replaced on every packet
	period  time.Duration
	reset   chan struct{}
}

func NewDriverStation(period time.Duration, log logx.Logger) *DriverStation {
	if period <= 0 {
		period = DefaultPacketPeriod
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DriverStation{
		log:    log,
		mode:   robot.ModeTeleop,
		ready:  make(chan struct{}),
		period: period,
		reset:  make(chan struct{}, 1),
	}
}

func (d *DriverStation) SetEnabled(enabled bool) {
	d.mu.Lock()
	changed := d.enabled != enabled
	d.enabled = enabled
	d.mu.Unlock()
	if changed {
		d.log.Info("sim enabled changed", logx.Bool("enabled", enabled))
	}
}

// SetMode selects the mode reported while enabled. ModeDisabled and ModeNone
// are rejected; use SetEnabled(false) instead.
func (d *DriverStation) SetMode(m robot.Mode) error {
	switch m {
	case robot.ModeAutonomous, robot.ModeTeleop, robot.ModeTest:
	default:
		return fmt.Errorf("mode %s is not selectable", m)
	}
	d.mu.Lock()
	changed := d.mode != m
	d.mode = m
	d.mu.Unlock()
	if changed {
		d.log.Info("sim mode changed", logx.String("mode", m.String()))
	}
	return nil
}

func (d *DriverStation) Period() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.period
}

func (d *DriverStation) SetPeriod(p time.Duration) {
	if p <= 0 {
		return
	}
	d.mu.Lock()
	d.period = p
	d.mu.Unlock()
	select {
	case d.reset <- struct{}{}:
	default:
	}
}

func (d *DriverStation) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *DriverStation) IsDisabled() bool { return !d.IsEnabled() }

func (d *DriverStation) IsAutonomous() bool { return d.is(robot.ModeAutonomous) }

func (d *DriverStation) IsOperatorControl() bool { return d.is(robot.ModeTeleop) }

func (d *DriverStation) IsTest() bool { return d.is(robot.ModeTest) }

func (d *DriverStation) is(m robot.Mode) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode == m
}

// Packets is the number of packets published so far.
func (d *DriverStation) Packets() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

// Publish delivers one packet and wakes every waiter.
func (d *DriverStation) Publish() {
	d.mu.Lock()
	d.gen++
	close(d.ready)
	d.ready = make(chan struct{})
	d.mu.Unlock()
}

// WaitForData blocks until the next packet or ctx is done.
func (d *DriverStation) WaitForData(ctx context.Context) error {
	d.mu.Lock()
	ch := d.ready
	d.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run publishes packets until ctx is done.
func (d *DriverStation) Run(ctx context.Context) error {
	t := time.NewTicker(d.Period())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.reset:
			t.Reset(d.Period())
		case <-t.C:
			d.Publish()
		}
	}
}

var _ robot.DriverStation = (*DriverStation)(nil)
