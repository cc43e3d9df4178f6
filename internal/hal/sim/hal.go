package sim

import (
	"sync"
	"sync/atomic"
	"time"

	"robotloop/internal/hal"
	logx "robotloop/pkg/logx"
)

// HAL is a hardware layer with nothing behind it. It records resource
// reports and the last observed program state.
type HAL struct {
	log  logx.Logger
	fail bool

	initialized atomic.Bool
	program     atomic.Value // string

	mu      sync.Mutex
	reports map[string][]int
}

type HALOption func(*HAL)

// WithInitFailure makes Initialize report failure.
func WithInitFailure() HALOption { return func(h *HAL) { h.fail = true } }

func WithHALLogger(log logx.Logger) HALOption { return func(h *HAL) { h.log = log } }

func NewHAL(opts ...HALOption) *HAL {
	h := &HAL{reports: map[string][]int{}}
	for _, o := range opts {
		o(h)
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	h.program.Store("")
	return h
}

func (h *HAL) Initialize(timeout time.Duration, mode int) bool {
	if h.fail {
		return false
	}
	h.initialized.Store(true)
	h.log.Debug("hal initialized", logx.Duration("timeout", timeout), logx.Int("mode", mode))
	return true
}

func (h *HAL) Initialized() bool { return h.initialized.Load() }

func (h *HAL) Report(resource string, instance int) {
	h.mu.Lock()
	h.reports[resource] = append(h.reports[resource], instance)
	h.mu.Unlock()
}

// Reports returns the instances reported for resource.
func (h *HAL) Reports(resource string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.reports[resource]...)
}

// Program is the program state most recently observed ("starting",
// "disabled", "autonomous", "teleop" or "test").
func (h *HAL) Program() string { return h.program.Load().(string) }

func (h *HAL) ObserveUserProgramStarting()   { h.program.Store("starting") }
func (h *HAL) ObserveUserProgramDisabled()   { h.program.Store("disabled") }
func (h *HAL) ObserveUserProgramAutonomous() { h.program.Store("autonomous") }
func (h *HAL) ObserveUserProgramTeleop()     { h.program.Store("teleop") }
func (h *HAL) ObserveUserProgramTest()       { h.program.Store("test") }

var _ hal.HAL = (*HAL)(nil)
