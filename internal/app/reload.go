package app

import (
	"context"
	"strings"

	"robotloop/internal/config"
	"robotloop/internal/eventbus"
	logx "robotloop/pkg/logx"
)

// reloadLoop applies configs published by the watcher. Bursts are coalesced
// so only the latest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the hot-reloadable settings of newCfg into the running
// components. Settings read only at startup are reported as needing a
// restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if oldCfg != nil && (oldCfg.Robot.HALInitTimeout != newCfg.Robot.HALInitTimeout || oldCfg.Robot.VersionFile != newCfg.Robot.VersionFile) {
		a.log.Warn("robot.hal_init_timeout/version_file changed; restart required for changes to take effect")
	}
	for _, s := range sections {
		switch s {
		case "storage", "diag":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if lc, err := mapLoggingConfig(newCfg); err != nil {
		a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
	} else {
		a.logs.Apply(lc)
	}

	if rs, err := mapRobotConfig(newCfg); err != nil {
		a.log.Warn("invalid robot config; keeping previous", logx.Err(err))
	} else if a.loop != nil {
		a.loop.SetPeriod(rs.period)
	}

	if ss, err := mapSafetyConfig(newCfg); err != nil {
		a.log.Warn("invalid safety config; keeping previous", logx.Err(err))
	} else if a.safety != nil {
		a.safety.SetDefaultExpiration(ss.defaultExpiration)
		a.sweeper.SetPeriod(ss.sweepPeriod)
	}

	if sims, err := mapSimConfig(newCfg); err != nil {
		a.log.Warn("invalid sim config; keeping previous", logx.Err(err))
	} else if a.ds != nil {
		if err := a.ds.SetMode(sims.mode); err != nil {
			a.log.Warn("sim mode rejected", logx.Err(err))
		}
		a.ds.SetEnabled(sims.enabled)
		a.ds.SetPeriod(sims.packetPeriod)
	}

	if tc, err := mapTelemetryConfig(newCfg); err != nil {
		a.log.Warn("invalid telemetry config; keeping previous", logx.Err(err))
	} else if a.telem != nil {
		if err := a.telem.Apply(tc); err != nil {
			a.log.Warn("telemetry reconfigure failed", logx.Err(err))
		}
	}

	if pc, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else if a.pprof != nil {
		a.pprof.Reconfigure(ctx, pc)
	}

	a.log.Info("config reloaded", fields...)
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Source: "config", Message: strings.Join(sections, ",")})
	}
}
