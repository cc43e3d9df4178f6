// Package app is the composition root: it turns a config file into a running
// robot program.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"robotloop/internal/config"
	"robotloop/internal/diag"
	"robotloop/internal/eventbus"
	"robotloop/internal/hal"
	"robotloop/internal/hal/sim"
	"robotloop/internal/lifecycle"
	"robotloop/internal/observability/pprof"
	"robotloop/internal/robot"
	rtsup "robotloop/internal/runtime/supervisor"
	"robotloop/internal/safety"
	"robotloop/internal/storage"
	"robotloop/internal/telemetry"
	logx "robotloop/pkg/logx"
)

// App owns every long-lived component. NewApp sets up the environment the
// bootstrap needs (config, logging, fault journal, diagnostics, HAL); Build
// constructs the robot itself and is the lifecycle factory.
type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	store storage.Store
	diag  *diag.Reporter
	hal   *sim.HAL

	ds      *sim.DriverStation
	safety  *safety.Registry
	sweeper *safety.Sweeper
	robot   *DemoRobot
	loop    *robot.Dispatcher
	telem   *telemetry.Service
	pprof   *pprof.Service
	bus     *eventbus.Bus
	events  eventCounts

	sup       *rtsup.Supervisor
	closeOnce sync.Once
	closeErr  error
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logCfg, err := mapLoggingConfig(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(logCfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("fault journal enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	interval, err := mapDiagInterval(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	rep := diag.New(log.With(logx.String("comp", "diag")), diag.WithStore(store), diag.WithInterval(interval))
	log = log.With(logx.String("run_id", rep.RunID()))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		store: store,
		diag:  rep,
		hal:   sim.NewHAL(sim.WithHALLogger(log.With(logx.String("comp", "hal")))),
	}, nil
}

// LifecycleOptions wires the bootstrap to this app's HAL, diagnostics and
// robot settings.
func (a *App) LifecycleOptions() []lifecycle.Option {
	rs, err := mapRobotConfig(a.cfgm.Get())
	if err != nil {
		// Load validated the config; keep the defaults if it somehow fails.
		a.log.Warn("invalid robot config; using defaults", logx.Err(err))
	}
	return []lifecycle.Option{
		lifecycle.WithHAL(a.hal),
		lifecycle.WithHALInit(rs.halTimeout, 0),
		lifecycle.WithReporter(a.diag.For("lifecycle")),
		lifecycle.WithLogger(a.log.With(logx.String("comp", "lifecycle"))),
		lifecycle.WithVersionFile(rs.versionFile),
	}
}

// Build constructs the driver station, safety registry, drivetrain and
// control loop.
func (a *App) Build() (lifecycle.Robot, error) {
	cfg := a.cfgm.Get()
	rs, err := mapRobotConfig(cfg)
	if err != nil {
		return nil, err
	}
	ss, err := mapSafetyConfig(cfg)
	if err != nil {
		return nil, err
	}
	sims, err := mapSimConfig(cfg)
	if err != nil {
		return nil, err
	}
	tc, err := mapTelemetryConfig(cfg)
	if err != nil {
		return nil, err
	}
	pc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}

	a.ds = sim.NewDriverStation(sims.packetPeriod, a.log.With(logx.String("comp", "sim")))
	a.ds.SetEnabled(sims.enabled)
	if err := a.ds.SetMode(sims.mode); err != nil {
		return nil, err
	}

	a.bus = eventbus.New()
	a.safety = safety.NewRegistry(a.ds, newBusReporter(a.diag, a.bus, "safety", eventbus.SafetyStop),
		safety.WithLogger(a.log.With(logx.String("comp", "safety"))),
		safety.WithDefaultExpiration(ss.defaultExpiration),
	)
	a.sweeper = safety.NewSweeper(a.safety, ss.sweepPeriod, a.log.With(logx.String("comp", "safety")))

	a.robot = NewDemoRobot(a.safety, a.hal, a.log.With(logx.String("comp", "robot")))
	a.loop = robot.NewDispatcher(robot.Config{Period: rs.period}, a.robot, a.ds, &modeWatcher{next: a.hal, bus: a.bus},
		robot.WithLogger(a.log.With(logx.String("comp", "loop"))),
		robot.WithReporter(newBusReporter(a.diag, a.bus, "loop", eventbus.LoopOverrun)),
	)

	a.telem = telemetry.New(tc, a.collect, a.log.With(logx.String("comp", "telemetry")))
	a.pprof = pprof.New(pc, pprof.Sources{
		Status: func() any { return a.collect() },
		Faults: a.recentFaults,
	}, a.log.With(logx.String("comp", "pprof")))

	return a, nil
}

// Robot is the drivetrain; nil before Build.
func (a *App) Robot() *DemoRobot { return a.robot }

// Loop is the control loop; nil before Build.
func (a *App) Loop() *robot.Dispatcher { return a.loop }

// DriverStation is the simulated operator console; nil before Build.
func (a *App) DriverStation() *sim.DriverStation { return a.ds }

// StartCompetition starts the auxiliary goroutines and runs the control loop
// on the calling goroutine until ctx is cancelled or a supervised goroutine
// fails.
func (a *App) StartCompetition(ctx context.Context) error {
	if a.loop == nil {
		return errors.New("app: StartCompetition before Build")
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.hal.Report(hal.ResourceFramework, hal.FrameworkIterative)

	a.sup.Go("diag.journal", a.diag.Run)
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})
	a.sup.Go("sim.ds", a.ds.Run)
	a.sup.Go("safety.sweep", a.sweeper.Run)
	a.sup.Go("telemetry", a.telem.Run)
	a.pprof.Start(c)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.log.Info("robot program started",
		logx.String("config", a.cfgm.Path()),
		logx.Duration("period", a.loop.Period()),
		logx.Int("actuators", a.safety.Len()),
	)

	err := a.loop.Run(c)
	if supErr := a.sup.Err(); supErr != nil && ctx.Err() == nil {
		return supErr
	}
	return err
}

func (a *App) collect() telemetry.Report {
	r := telemetry.Report{
		At:    time.Now(),
		RunID: a.diag.RunID(),
		Loop:  a.loop.Stats(),

		Packets: a.ds.Packets(),

		Actuators:   a.safety.Len(),
		SafetyStops: a.safety.Stops(),
		Faults:      a.diag.Counts(),
		Events:      a.events.snapshot(),
	}
	if a.sup != nil {
		r.Supervisor = a.sup.Snapshot()
	}
	return r
}

func (a *App) recentFaults(ctx context.Context, n int) (any, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentFaults(ctx, n)
}

// Close stops everything in dependency order. It is safe to call more than
// once and before Build.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.closeErr = a.stop(ctx)
	})
	return a.closeErr
}

func (a *App) stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.sup != nil {
		a.sup.Cancel()
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.runStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("pprof", time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("drivetrain", time.Second, func(context.Context) error {
		if a.robot != nil {
			return a.robot.Close()
		}
		return nil
	})
	step("diag", time.Second, func(c context.Context) error {
		if a.diag != nil {
			return a.diag.Flush(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// runStep runs fn with an upper bound so one component cannot stall the
// whole stop.
func (a *App) runStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		return stepCtx.Err()
	}
}
