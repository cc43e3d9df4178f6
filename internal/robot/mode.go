package robot

// Mode is the operating mode selected for one tick.
type Mode int

const (
	// ModeNone is the value before the first tick; it is never resolved.
	ModeNone Mode = iota
	ModeDisabled
	ModeAutonomous
	ModeTeleop
	ModeTest
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeDisabled:
		return "disabled"
	case ModeAutonomous:
		return "autonomous"
	case ModeTeleop:
		return "teleop"
	case ModeTest:
		return "test"
	default:
		return "unknown"
	}
}

// ModeState is the read side of the operator-state source.
type ModeState interface {
	IsDisabled() bool
	IsAutonomous() bool
	IsOperatorControl() bool
	IsTest() bool
}

// ResolveMode applies the fixed priority: disabled, then autonomous, then
// operator control; test is the fallback when none of those hold.
func ResolveMode(s ModeState) Mode {
	switch {
	case s.IsDisabled():
		return ModeDisabled
	case s.IsAutonomous():
		return ModeAutonomous
	case s.IsOperatorControl():
		return ModeTeleop
	default:
		return ModeTest
	}
}
