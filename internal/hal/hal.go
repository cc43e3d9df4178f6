// Package hal declares the hardware-side collaborators of the robot program.
package hal

import (
	"time"

	"robotloop/internal/robot"
)

// Resource identifiers passed to HAL.Report.
const (
	ResourceLanguage  = "language"
	ResourceFramework = "framework"
	ResourcePWM       = "pwm"
)

// Instance values for ResourceLanguage and ResourceFramework.
const (
	LanguageGo         = 1
	FrameworkIterative = 1
)

// HAL is the hardware abstraction layer the bootstrap initializes before
// constructing the robot.
type HAL interface {
	// Initialize brings the hardware up. mode is implementation specific;
	// 0 means "default". It reports false when the hardware is unusable.
	Initialize(timeout time.Duration, mode int) bool

	// Report records usage of a resource for diagnostics.
	Report(resource string, instance int)

	robot.Observer
}
