// Package telemetry publishes a periodic report of the control loop and feeds
// the systemd watchdog while the loop keeps ticking.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"robotloop/internal/diag"
	"robotloop/internal/robot"
	rtsup "robotloop/internal/runtime/supervisor"
	logx "robotloop/pkg/logx"
)

const DefaultSchedule = "@every 30s"

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression or descriptor.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("telemetry schedule %q: %w", spec, err)
	}
	return s, nil
}

type Config struct {
	Enabled         bool
	Schedule        string
	Location        *time.Location
	SystemdWatchdog bool
}

// Report is one snapshot of the running program.
type Report struct {
	At          time.Time      `json:"at"`
	RunID       string         `json:"run_id"`
	Loop        robot.Stats    `json:"loop"`
	Packets     uint64         `json:"ds_packets"`
	Actuators   int            `json:"actuators"`
	SafetyStops uint64         `json:"safety_stops"`
	Faults      diag.Counts    `json:"faults"`
	Supervisor  rtsup.Snapshot `json:"supervisor"`

	Events map[string]uint64 `json:"events,omitempty"`
}

type Service struct {
	log     logx.Logger
	collect func() Report

	notify           func(state string) (bool, error)
	watchdogInterval func() (time.Duration, error)

	// restartMu serializes scheduler swaps; report jobs never take it.
	restartMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	running bool
	c       *cron.Cron
	last    Report
	runs    uint64
}

type Option func(*Service)

// WithNotifier replaces the systemd notification socket calls.
func WithNotifier(notify func(state string) (bool, error), interval func() (time.Duration, error)) Option {
	return func(s *Service) {
		if notify != nil {
			s.notify = notify
		}
		if interval != nil {
			s.watchdogInterval = interval
		}
	}
}

func New(cfg Config, collect func() Report, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:              log,
		collect:          collect,
		cfg:              cfg,
		notify:           func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdogInterval: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run schedules the report job and the watchdog keepalive until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.stop()
	}()
	if err := s.restart(); err != nil {
		return err
	}

	s.mu.Lock()
	wd := s.cfg.SystemdWatchdog
	s.mu.Unlock()
	if !wd {
		<-ctx.Done()
		return nil
	}
	return s.keepalive(ctx)
}

// Apply swaps the schedule and enables or disables the report job while Run
// is active. The watchdog setting only takes effect on the next Run.
func (s *Service) Apply(cfg Config) error {
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return err
	}
	s.mu.Lock()
	running := s.running
	s.cfg = cfg
	s.mu.Unlock()
	if !running {
		return nil
	}
	return s.restart()
}

// restart replaces the cron scheduler. It waits for a running report job
// without holding s.mu, which Tick needs.
func (s *Service) restart() error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	s.stopLocked()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !s.cfg.Enabled {
		return nil
	}
	sched, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	s.c.Schedule(sched, cron.FuncJob(func() { s.Tick() }))
	s.c.Start()
	s.log.Debug("telemetry scheduled", logx.String("schedule", strings.TrimSpace(s.cfg.Schedule)), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) stop() {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	s.stopLocked()
}

// stopLocked requires restartMu.
func (s *Service) stopLocked() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Tick collects and logs one report.
func (s *Service) Tick() Report {
	r := s.collect()
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	s.last = r
	s.runs++
	s.mu.Unlock()

	s.log.Info("loop report",
		logx.String("mode", r.Loop.Mode),
		logx.Uint64("ticks", r.Loop.Ticks),
		logx.Uint64("overruns", r.Loop.Overruns),
		logx.Duration("max_tick", r.Loop.MaxTick),
		logx.Duration("period", r.Loop.Period),
		logx.Uint64("ds_packets", r.Packets),
		logx.Int("actuators", r.Actuators),
		logx.Uint64("safety_stops", r.SafetyStops),
		logx.Uint64("errors", r.Faults.Errors),
		logx.Uint64("warnings", r.Faults.Warnings),
		logx.Int64("goroutines", r.Supervisor.Counters.Active),
	)
	return r
}

// Last returns the most recent report and how many have been produced.
func (s *Service) Last() (Report, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}

// keepalive pets the systemd watchdog at half its interval, but only while
// the loop is making progress; a stalled loop lets systemd restart us.
func (s *Service) keepalive(ctx context.Context) error {
	interval, err := s.watchdogInterval()
	if err != nil {
		return fmt.Errorf("systemd watchdog: %w", err)
	}
	if interval <= 0 {
		s.log.Debug("systemd watchdog not requested")
		<-ctx.Done()
		return nil
	}
	every := interval / 2
	s.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	var lastTicks uint64
	stalled := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		ticks := s.collect().Loop.Ticks
		if ticks == lastTicks {
			if !stalled {
				s.log.Warn("control loop stalled; withholding watchdog keepalive", logx.Uint64("ticks", ticks))
			}
			stalled = true
			continue
		}
		stalled = false
		lastTicks = ticks
		if _, err := s.notify(daemon.SdNotifyWatchdog); err != nil {
			s.log.Debug("watchdog notify failed", logx.Err(err))
		}
	}
}
