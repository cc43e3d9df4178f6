package app

import (
	"context"
	"sync"

	"robotloop/internal/diag"
	"robotloop/internal/eventbus"
	"robotloop/internal/robot"
	logx "robotloop/pkg/logx"
)

// busReporter sends warnings to the diagnostic sink and publishes them as
// events of typ.
type busReporter struct {
	*diag.Reporter
	bus    *eventbus.Bus
	typ    eventbus.Type
	source string
}

func newBusReporter(rep *diag.Reporter, bus *eventbus.Bus, source string, typ eventbus.Type) busReporter {
	return busReporter{Reporter: rep.For(source), bus: bus, typ: typ, source: source}
}

func (r busReporter) ReportWarning(msg string, printTrace bool) {
	r.Reporter.ReportWarning(msg, printTrace)
	r.bus.Publish(eventbus.Event{Type: r.typ, Source: r.source, Message: msg})
}

// modeWatcher forwards per-tick program state to the HAL and publishes an
// event when the mode changes. Only the loop goroutine calls it.
type modeWatcher struct {
	next robot.Observer
	bus  *eventbus.Bus
	last robot.Mode
}

func (w *modeWatcher) enter(m robot.Mode) {
	if m == w.last {
		return
	}
	w.last = m
	w.bus.Publish(eventbus.Event{Type: eventbus.ModeEntered, Source: "loop", Message: m.String()})
}

func (w *modeWatcher) ObserveUserProgramStarting() { w.next.ObserveUserProgramStarting() }

func (w *modeWatcher) ObserveUserProgramDisabled() {
	w.next.ObserveUserProgramDisabled()
	w.enter(robot.ModeDisabled)
}

func (w *modeWatcher) ObserveUserProgramAutonomous() {
	w.next.ObserveUserProgramAutonomous()
	w.enter(robot.ModeAutonomous)
}

func (w *modeWatcher) ObserveUserProgramTeleop() {
	w.next.ObserveUserProgramTeleop()
	w.enter(robot.ModeTeleop)
}

func (w *modeWatcher) ObserveUserProgramTest() {
	w.next.ObserveUserProgramTest()
	w.enter(robot.ModeTest)
}

// eventCounts tallies events by type for the status report.
type eventCounts struct {
	mu sync.Mutex
	n  map[string]uint64
}

func (c *eventCounts) add(t eventbus.Type) {
	c.mu.Lock()
	if c.n == nil {
		c.n = map[string]uint64{}
	}
	c.n[string(t)]++
	c.mu.Unlock()
}

func (c *eventCounts) snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.n))
	for k, v := range c.n {
		out[k] = v
	}
	return out
}

// logEvents records every bus event until ctx is done.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.events.add(e.Type)
			// Debug only: overruns and safety stops are already reported by diag.
			a.log.Debug("event",
				logx.String("type", string(e.Type)),
				logx.String("source", e.Source),
				logx.String("msg", e.Message),
				logx.Time("time", e.Time),
			)
		}
	}
}
