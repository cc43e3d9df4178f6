// Package deadline tracks the time budget of one control-loop tick.
//
// A Tracker is armed at the top of every tick, records named epochs as the
// tick progresses, and is disarmed near the end to decide whether the tick
// overran its budget. An overrun is a soft signal: the tracker reports it and
// can print where the time went, but never interrupts the tick.
//
// A Tracker is owned by the goroutine running the loop and is not safe for
// concurrent use.
package deadline

import (
	"time"

	logx "robotloop/pkg/logx"
)

// Epoch is the time attributed to one named section of a tick.
type Epoch struct {
	Label   string
	Elapsed time.Duration
}

type Tracker struct {
	budget time.Duration

	armedAt     time.Time
	lastEpochAt time.Time
	armed       bool
	expired     bool

	epochs []Epoch

	onExpire func(budget, elapsed time.Duration)
	log      logx.Logger

	// timeNow returns the current time. Defaults to time.Now.
	timeNow func() time.Time
}

type Option func(*Tracker)

// WithLogger sets the logger PrintEpochs writes to.
func WithLogger(log logx.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// WithExpireFunc installs a callback run by Disarm when the tick overran.
func WithExpireFunc(fn func(budget, elapsed time.Duration)) Option {
	return func(t *Tracker) { t.onExpire = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.timeNow = now
		}
	}
}

func New(budget time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		budget:  budget,
		epochs:  make([]Epoch, 0, 8),
		timeNow: time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	return t
}

func (t *Tracker) Budget() time.Duration { return t.budget }

// SetBudget changes the budget used by the next Disarm.
func (t *Tracker) SetBudget(d time.Duration) { t.budget = d }

// Arm starts a new tick: the epoch list and the expired flag are cleared.
func (t *Tracker) Arm() {
	now := t.timeNow()
	t.armedAt = now
	t.lastEpochAt = now
	t.armed = true
	t.expired = false
	t.epochs = t.epochs[:0]
}

// ArmWithBudget sets the budget and arms the tracker.
func (t *Tracker) ArmWithBudget(budget time.Duration) {
	t.budget = budget
	t.Arm()
}

// AddEpoch attributes the time since the previous epoch (or Arm) to label.
func (t *Tracker) AddEpoch(label string) {
	now := t.timeNow()
	t.epochs = append(t.epochs, Epoch{Label: label, Elapsed: now.Sub(t.lastEpochAt)})
	t.lastEpochAt = now
}

// Disarm decides whether the tick exceeded its budget. Epochs added after
// Disarm still show up in PrintEpochs but do not count toward the decision.
func (t *Tracker) Disarm() {
	if !t.armed {
		return
	}
	t.armed = false
	elapsed := t.timeNow().Sub(t.armedAt)
	t.expired = elapsed > t.budget
	if t.expired && t.onExpire != nil {
		t.onExpire(t.budget, elapsed)
	}
}

func (t *Tracker) IsExpired() bool { return t.expired }

// Elapsed is the time since the last Arm.
func (t *Tracker) Elapsed() time.Duration {
	return t.timeNow().Sub(t.armedAt)
}

// Epochs returns a copy of the epochs recorded since the last Arm.
func (t *Tracker) Epochs() []Epoch {
	out := make([]Epoch, len(t.epochs))
	copy(out, t.epochs)
	return out
}

// PrintEpochs logs every epoch of the current tick.
func (t *Tracker) PrintEpochs() {
	for _, e := range t.epochs {
		t.log.Warn("loop epoch", logx.String("epoch", e.Label), logx.Duration("elapsed", e.Elapsed))
	}
}
