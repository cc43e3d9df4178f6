package robot

import (
	"sync"

	logx "robotloop/pkg/logx"
)

// Hooks is the user-supplied behaviour the dispatcher drives.
//
// Init hooks run once each time their mode is entered from a different mode.
// Periodic hooks run on every tick spent in their mode. RobotPeriodic runs on
// every tick regardless of mode. RobotInit runs once before the first tick.
type Hooks interface {
	RobotInit()
	RobotPeriodic()

	DisabledInit()
	DisabledPeriodic()

	AutonomousInit()
	AutonomousPeriodic()

	TeleopInit()
	TeleopPeriodic()

	TestInit()
	TestPeriodic()
}

// DefaultHooks is meant to be embedded by robots that override only some
// hooks. Every hook left in place announces itself: init hooks on every call,
// periodic hooks on their first call only.
type DefaultHooks struct {
	Log logx.Logger

	mu       sync.Mutex
	reported map[string]bool
}

func (d *DefaultHooks) notice(hook string) {
	if d.Log.IsZero() {
		return
	}
	d.Log.Info("Default " + hook + " method... Overload me!")
}

// noticeOnce reports hook the first time only.
func (d *DefaultHooks) noticeOnce(hook string) {
	d.mu.Lock()
	if d.reported == nil {
		d.reported = map[string]bool{}
	}
	seen := d.reported[hook]
	d.reported[hook] = true
	d.mu.Unlock()
	if !seen {
		d.notice(hook)
	}
}

func (d *DefaultHooks) RobotInit()      { d.notice("robotInit()") }
func (d *DefaultHooks) DisabledInit()   { d.notice("disabledInit()") }
func (d *DefaultHooks) AutonomousInit() { d.notice("autonomousInit()") }
func (d *DefaultHooks) TeleopInit()     { d.notice("teleopInit()") }
func (d *DefaultHooks) TestInit()       { d.notice("testInit()") }

func (d *DefaultHooks) RobotPeriodic()      { d.noticeOnce("robotPeriodic()") }
func (d *DefaultHooks) DisabledPeriodic()   { d.noticeOnce("disabledPeriodic()") }
func (d *DefaultHooks) AutonomousPeriodic() { d.noticeOnce("autonomousPeriodic()") }
func (d *DefaultHooks) TeleopPeriodic()     { d.noticeOnce("teleopPeriodic()") }
func (d *DefaultHooks) TestPeriodic()       { d.noticeOnce("testPeriodic()") }

var _ Hooks = (*DefaultHooks)(nil)
