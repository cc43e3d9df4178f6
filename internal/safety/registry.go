// Package safety stops actuators whose commanded output has gone stale.
//
// Every actuator that opts in owns a Monitor. The actuator feeds its monitor
// whenever it receives a fresh output command; a periodic sweep
// (Registry.CheckAll) stops any enabled actuator that has not been fed within
// its expiration window while the robot is enabled and not in test mode.
//
// Locking: each Monitor guards its own state; the Registry guards only its
// membership list. Feed never contends with the registry lock.
package safety

import (
	"sync"
	"sync/atomic"
	"time"

	logx "robotloop/pkg/logx"
)

// DefaultExpiration is one control tick plus margin.
const DefaultExpiration = 100 * time.Millisecond

// Actuator is anything the safety sweep can force to a neutral output.
type Actuator interface {
	StopMotor()
	Description() string
}

// RobotState reports the operator state relevant to enforcement.
type RobotState interface {
	IsDisabled() bool
	IsTest() bool
}

// Reporter receives the non-fatal warning emitted when an actuator is stopped.
type Reporter interface {
	ReportWarning(msg string, printTrace bool)
}

type Registry struct {
	mu       sync.Mutex
	monitors []*Monitor
	members  map[*Monitor]struct{}

	state    RobotState
	reporter Reporter
	log      logx.Logger

	defaultExpiration atomic.Int64 // nanoseconds
	stops             atomic.Uint64

	// timeNow returns the current time. Defaults to time.Now.
	timeNow func() time.Time
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.timeNow = now
		}
	}
}

// WithDefaultExpiration sets the expiration given to monitors created afterwards.
func WithDefaultExpiration(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultExpiration.Store(int64(d))
		}
	}
}

func NewRegistry(state RobotState, reporter Reporter, opts ...Option) *Registry {
	r := &Registry{
		members:  map[*Monitor]struct{}{},
		state:    state,
		reporter: reporter,
		timeNow:  time.Now,
	}
	r.defaultExpiration.Store(int64(DefaultExpiration))
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// SetDefaultExpiration changes the expiration of monitors created afterwards.
// Existing monitors keep their own window.
func (r *Registry) SetDefaultExpiration(d time.Duration) {
	if d > 0 {
		r.defaultExpiration.Store(int64(d))
	}
}

func (r *Registry) DefaultExpiration() time.Duration {
	return time.Duration(r.defaultExpiration.Load())
}

// NewMonitor creates a monitor for a and registers it. The monitor starts
// with safety disabled; the owner calls Close when the actuator goes away.
func (r *Registry) NewMonitor(a Actuator) *Monitor {
	m := &Monitor{
		reg:        r,
		actuator:   a,
		expiration: r.DefaultExpiration(),
		stopTime:   r.timeNow(),
	}
	r.Register(m)
	return m
}

// Register adds m to the sweep. Registering the same monitor twice is a no-op.
func (r *Registry) Register(m *Monitor) {
	if m == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m]; ok {
		return
	}
	r.members[m] = struct{}{}
	r.monitors = append(r.monitors, m)
}

// Unregister removes m, keeping the insertion order of the rest.
func (r *Registry) Unregister(m *Monitor) {
	if m == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m]; !ok {
		return
	}
	delete(r.members, m)
	for i, cur := range r.monitors {
		if cur == m {
			copy(r.monitors[i:], r.monitors[i+1:])
			r.monitors[len(r.monitors)-1] = nil
			r.monitors = r.monitors[:len(r.monitors)-1]
			break
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

// Monitors returns the registered monitors in insertion order.
func (r *Registry) Monitors() []*Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Monitor, len(r.monitors))
	copy(out, r.monitors)
	return out
}

// CheckAll runs Check on every registered monitor in insertion order and
// returns how many actuators were stopped.
func (r *Registry) CheckAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	stopped := 0
	for _, m := range r.monitors {
		if m.Check() {
			stopped++
		}
	}
	return stopped
}

// Stops is the total number of safety stops since the registry was created.
func (r *Registry) Stops() uint64 { return r.stops.Load() }

func (r *Registry) enforcing() bool {
	if r.state == nil {
		return true
	}
	return !r.state.IsDisabled() && !r.state.IsTest()
}
