package config

import (
	"reflect"
	"sort"
	"strings"

	logx "robotloop/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Robot != newCfg.Robot {
		changed = append(changed, "robot")
		attrs = append(attrs,
			logx.String("robot.period", strings.TrimSpace(newCfg.Robot.Period)),
			logx.String("robot.hal_init_timeout", strings.TrimSpace(newCfg.Robot.HALInitTimeout)),
		)
	}

	if oldCfg.Safety != newCfg.Safety {
		changed = append(changed, "safety")
		attrs = append(attrs,
			logx.String("safety.default_expiration", strings.TrimSpace(newCfg.Safety.DefaultExpiration)),
			logx.String("safety.sweep_period", strings.TrimSpace(newCfg.Safety.SweepPeriod)),
		)
	}

	if oldCfg.Sim != newCfg.Sim {
		changed = append(changed, "sim")
		attrs = append(attrs,
			logx.String("sim.mode", strings.TrimSpace(newCfg.Sim.Mode)),
			logx.Bool("sim.enabled", newCfg.Sim.Enabled),
		)
	}

	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diag")
		attrs = append(attrs, logx.String("diag.repeat_interval", strings.TrimSpace(newCfg.Diag.RepeatInterval)))
	}

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage: nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Telemetry != newCfg.Telemetry {
		changed = append(changed, "telemetry")
		attrs = append(attrs,
			logx.Bool("telemetry.enabled", newCfg.Telemetry.Enabled),
			logx.String("telemetry.schedule", strings.TrimSpace(newCfg.Telemetry.Schedule)),
			logx.Bool("telemetry.systemd_watchdog", newCfg.Telemetry.SystemdWatchdog),
		)
	}

	// Pprof (never log token)
	op, np := oldCfg.Pprof, newCfg.Pprof
	op.Token, np.Token = strings.TrimSpace(op.Token), strings.TrimSpace(np.Token)
	if !reflect.DeepEqual(op, np) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("pprof.token_set", np.Token != ""),
			logx.Bool("pprof.allow_insecure", np.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
