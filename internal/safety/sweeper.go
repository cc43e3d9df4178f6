package safety

import (
	"context"
	"sync/atomic"
	"time"

	logx "robotloop/pkg/logx"
)

// Sweeper calls Registry.CheckAll on its own cadence, independent of the
// mode dispatch loop.
type Sweeper struct {
	reg    *Registry
	log    logx.Logger
	period atomic.Int64 // nanoseconds
	reset  chan struct{}
}

func NewSweeper(reg *Registry, period time.Duration, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	s := &Sweeper{reg: reg, log: log, reset: make(chan struct{}, 1)}
	s.period.Store(int64(period))
	return s
}

func (s *Sweeper) Period() time.Duration { return time.Duration(s.period.Load()) }

// SetPeriod changes the sweep cadence; a running sweep picks it up
// immediately.
func (s *Sweeper) SetPeriod(d time.Duration) {
	if d <= 0 || d == s.Period() {
		return
	}
	s.period.Store(int64(d))
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.Period())
	defer t.Stop()
	s.log.Debug("safety sweep started", logx.Duration("period", s.Period()), logx.Int("actuators", s.reg.Len()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.reset:
			t.Reset(s.Period())
			s.log.Info("safety sweep period changed", logx.Duration("period", s.Period()))
		case <-t.C:
			s.reg.CheckAll()
		}
	}
}
