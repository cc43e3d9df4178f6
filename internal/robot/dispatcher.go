// Package robot implements the fixed-rate mode dispatch loop.
//
// Each tick waits for fresh operator-state data, resolves the operating mode,
// runs the mode's init hook when the mode changed, runs the mode's periodic
// hook and the mode-independent periodic hook, and checks the tick against its
// time budget.
package robot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"robotloop/internal/deadline"
	logx "robotloop/pkg/logx"
)

// DefaultPeriod is the driver station packet period.
const DefaultPeriod = 20 * time.Millisecond

// DriverStation is the operator-state source the loop blocks on.
type DriverStation interface {
	ModeState
	// WaitForData blocks until a new control packet arrives.
	WaitForData(ctx context.Context) error
}

// Observer receives the per-tick program state notifications.
type Observer interface {
	ObserveUserProgramStarting()
	ObserveUserProgramDisabled()
	ObserveUserProgramAutonomous()
	ObserveUserProgramTeleop()
	ObserveUserProgramTest()
}

// Reporter receives the overrun notice.
type Reporter interface {
	ReportWarning(msg string, printTrace bool)
}

type Config struct {
	Period time.Duration
}

// Stats is a point-in-time view of the loop, safe to read from any goroutine.
type Stats struct {
	Ticks        uint64           `json:"ticks"`
	Overruns     uint64           `json:"overruns"`
	Mode         string           `json:"mode"`
	Period       time.Duration    `json:"period"`
	LastTick     time.Duration    `json:"last_tick"`
	MaxTick      time.Duration    `json:"max_tick"`
	ModeEntries  map[string]int   `json:"mode_entries"`
	LastOverrun  time.Time        `json:"last_overrun,omitempty"`
	OverrunEpoch []deadline.Epoch `json:"overrun_epochs,omitempty"`
}

type Dispatcher struct {
	hooks    Hooks
	ds       DriverStation
	observer Observer
	reporter Reporter
	log      logx.Logger

	period   atomic.Int64 // nanoseconds
	lastMode Mode
	tracker  *deadline.Tracker

	timeNow func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithReporter(r Reporter) Option { return func(d *Dispatcher) { d.reporter = r } }

// WithClock overrides the time source used for tick accounting.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.timeNow = now
		}
	}
}

func NewDispatcher(cfg Config, hooks Hooks, ds DriverStation, observer Observer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hooks:    hooks,
		ds:       ds,
		observer: observer,
		lastMode: ModeNone,
		timeNow:  time.Now,
		stats:    Stats{ModeEntries: map[string]int{}},
	}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.observer == nil {
		d.observer = nopObserver{}
	}
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	d.period.Store(int64(period))
	d.tracker = deadline.New(period,
		deadline.WithClock(d.timeNow),
		deadline.WithLogger(d.log),
		deadline.WithExpireFunc(d.overrun),
	)
	return d
}

func (d *Dispatcher) Period() time.Duration { return time.Duration(d.period.Load()) }

// SetPeriod changes the tick budget starting with the next tick.
func (d *Dispatcher) SetPeriod(p time.Duration) {
	if p > 0 {
		d.period.Store(int64(p))
	}
}

// Mode is the mode entered on the most recent tick. Only meaningful from
// the loop goroutine; other goroutines should read Stats().Mode.
func (d *Dispatcher) Mode() Mode { return d.lastMode }

// Tracker exposes the tick tracker (epochs of the most recent tick).
func (d *Dispatcher) Tracker() *deadline.Tracker { return d.tracker }

// Run calls RobotInit, announces the program start, then ticks every time
// the driver station delivers new data. It returns only when WaitForData
// fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.hooks.RobotInit()

	d.observer.ObserveUserProgramStarting()
	d.log.Info("robot program ready", logx.Duration("period", d.Period()))

	for {
		if err := d.ds.WaitForData(ctx); err != nil {
			return err
		}
		d.LoopFunc()
	}
}

// LoopFunc runs one tick.
func (d *Dispatcher) LoopFunc() {
	d.tracker.ArmWithBudget(d.Period())

	mode := ResolveMode(d.ds)
	entered := false
	if mode != d.lastMode {
		d.initHook(mode)
		d.tracker.AddEpoch(label(mode, "Init"))
		d.lastMode = mode
		entered = true
	}

	d.observe(mode)
	d.periodicHook(mode)
	d.tracker.AddEpoch(label(mode, "Periodic"))

	d.hooks.RobotPeriodic()
	d.tracker.AddEpoch("robotPeriodic()")

	d.tracker.Disarm()
	took := d.tracker.Elapsed()

	expired := d.tracker.IsExpired()
	if expired {
		d.tracker.PrintEpochs()
	}
	d.record(mode, entered, expired, took)
}

func (d *Dispatcher) initHook(m Mode) {
	switch m {
	case ModeDisabled:
		d.hooks.DisabledInit()
	case ModeAutonomous:
		d.hooks.AutonomousInit()
	case ModeTeleop:
		d.hooks.TeleopInit()
	case ModeTest:
		d.hooks.TestInit()
	}
}

func (d *Dispatcher) periodicHook(m Mode) {
	switch m {
	case ModeDisabled:
		d.hooks.DisabledPeriodic()
	case ModeAutonomous:
		d.hooks.AutonomousPeriodic()
	case ModeTeleop:
		d.hooks.TeleopPeriodic()
	case ModeTest:
		d.hooks.TestPeriodic()
	}
}

func (d *Dispatcher) observe(m Mode) {
	switch m {
	case ModeDisabled:
		d.observer.ObserveUserProgramDisabled()
	case ModeAutonomous:
		d.observer.ObserveUserProgramAutonomous()
	case ModeTeleop:
		d.observer.ObserveUserProgramTeleop()
	case ModeTest:
		d.observer.ObserveUserProgramTest()
	}
}

func (d *Dispatcher) overrun(budget, elapsed time.Duration) {
	msg := "Loop time of " + strconv.FormatFloat(budget.Seconds(), 'g', -1, 64) + "s overrun"
	if d.reporter != nil {
		d.reporter.ReportWarning(msg, false)
	}
	d.log.Debug("loop overrun", logx.Duration("budget", budget), logx.Duration("elapsed", elapsed))
}

func (d *Dispatcher) record(m Mode, entered, expired bool, took time.Duration) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.Ticks++
	d.stats.Mode = m.String()
	d.stats.LastTick = took
	if took > d.stats.MaxTick {
		d.stats.MaxTick = took
	}
	if entered {
		d.stats.ModeEntries[m.String()]++
	}
	if expired {
		d.stats.Overruns++
		d.stats.LastOverrun = d.timeNow()
		d.stats.OverrunEpoch = d.tracker.Epochs()
	}
}

// Stats returns a copy of the loop statistics.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	cp := d.stats
	cp.Period = d.Period()
	cp.ModeEntries = make(map[string]int, len(d.stats.ModeEntries))
	for k, v := range d.stats.ModeEntries {
		cp.ModeEntries[k] = v
	}
	cp.OverrunEpoch = append([]deadline.Epoch(nil), d.stats.OverrunEpoch...)
	return cp
}

func label(m Mode, hook string) string {
	return fmt.Sprintf("%s%s()", m.String(), hook)
}

type nopObserver struct{}

func (nopObserver) ObserveUserProgramStarting()   {}
func (nopObserver) ObserveUserProgramDisabled()   {}
func (nopObserver) ObserveUserProgramAutonomous() {}
func (nopObserver) ObserveUserProgramTeleop()     {}
func (nopObserver) ObserveUserProgramTest()       {}
