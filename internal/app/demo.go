package app

import (
	"errors"
	"sync/atomic"

	"robotloop/internal/hal/sim"
	"robotloop/internal/robot"
	"robotloop/internal/safety"
	logx "robotloop/pkg/logx"
)

const (
	leftDriveChannel  = 0
	rightDriveChannel = 1

	autoSpeed = 0.5
	autoTicks = 100 // 2s at the default period
)

// DriveInput is the operator's arcade-drive command, each in [-1, 1].
type DriveInput func() (throttle, turn float64)

// DemoRobot is a two-motor drivetrain. Teleop follows the operator input,
// autonomous drives forward for a fixed number of ticks and then holds still.
// Disabled and test leave the motors alone; the safety sweep stops them once
// they go stale.
type DemoRobot struct {
	robot.DefaultHooks

	log   logx.Logger
	left  *sim.Motor
	right *sim.Motor
	input atomic.Pointer[DriveInput]

	autoTick int
}

func NewDemoRobot(reg *safety.Registry, rep sim.Reporter, log logx.Logger) *DemoRobot {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &DemoRobot{
		DefaultHooks: robot.DefaultHooks{Log: log},
		log:          log,
		left:         sim.NewMotor(reg, leftDriveChannel, rep),
		right:        sim.NewMotor(reg, rightDriveChannel, rep),
	}
	r.SetInput(nil)
	return r
}

// SetInput replaces the operator input. nil means no input (0, 0).
func (r *DemoRobot) SetInput(in DriveInput) {
	if in == nil {
		in = func() (float64, float64) { return 0, 0 }
	}
	r.input.Store(&in)
}

func (r *DemoRobot) Motors() (left, right *sim.Motor) { return r.left, r.right }

func (r *DemoRobot) RobotInit() {
	r.left.SetSafetyEnabled(true)
	r.right.SetSafetyEnabled(true)
	r.log.Info("drivetrain ready",
		logx.String("left", r.left.Description()),
		logx.String("right", r.right.Description()),
	)
}

func (r *DemoRobot) AutonomousInit() {
	r.autoTick = 0
	r.log.Info("autonomous started", logx.Int("drive_ticks", autoTicks))
}

func (r *DemoRobot) AutonomousPeriodic() {
	speed := 0.0
	if r.autoTick < autoTicks {
		speed = autoSpeed
	}
	r.autoTick++
	r.arcade(speed, 0)
}

func (r *DemoRobot) TeleopInit() {
	r.log.Info("teleop started")
}

func (r *DemoRobot) TeleopPeriodic() {
	throttle, turn := (*r.input.Load())()
	r.arcade(throttle, turn)
}

func (r *DemoRobot) arcade(throttle, turn float64) {
	r.left.Set(throttle + turn)
	r.right.Set(throttle - turn)
}

// Close stops both motors and removes them from the safety sweep.
func (r *DemoRobot) Close() error {
	return errors.Join(r.left.Close(), r.right.Close())
}

var _ robot.Hooks = (*DemoRobot)(nil)
