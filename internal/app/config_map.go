package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"robotloop/internal/config"
	"robotloop/internal/diag"
	"robotloop/internal/hal/sim"
	"robotloop/internal/lifecycle"
	"robotloop/internal/observability/pprof"
	"robotloop/internal/robot"
	"robotloop/internal/safety"
	"robotloop/internal/storage"
	"robotloop/internal/telemetry"
	logx "robotloop/pkg/logx"
)

type robotSettings struct {
	period      time.Duration
	halTimeout  time.Duration
	versionFile string
}

func mapRobotConfig(cfg *config.Config) (robotSettings, error) {
	out := robotSettings{
		period:      robot.DefaultPeriod,
		halTimeout:  lifecycle.DefaultHALTimeout,
		versionFile: lifecycle.DefaultVersionFile,
	}
	if cfg == nil {
		return out, nil
	}
	var err error
	if out.period, err = config.ParseBoundedDuration("robot.period", cfg.Robot.Period, out.period,
		config.MinLoopDuration, config.MaxLoopDuration); err != nil {
		return out, err
	}
	if out.halTimeout, err = config.ParseDurationOrDefault("robot.hal_init_timeout", cfg.Robot.HALInitTimeout, out.halTimeout); err != nil {
		return out, err
	}
	if p := strings.TrimSpace(cfg.Robot.VersionFile); p != "" {
		out.versionFile = p
	}
	return out, nil
}

type safetySettings struct {
	defaultExpiration time.Duration
	sweepPeriod       time.Duration
}

func mapSafetyConfig(cfg *config.Config) (safetySettings, error) {
	out := safetySettings{defaultExpiration: safety.DefaultExpiration, sweepPeriod: robot.DefaultPeriod}
	if cfg == nil {
		return out, nil
	}
	var err error
	if out.defaultExpiration, err = config.ParseBoundedDuration("safety.default_expiration", cfg.Safety.DefaultExpiration,
		out.defaultExpiration, config.MinLoopDuration, config.MaxExpiration); err != nil {
		return out, err
	}
	if out.sweepPeriod, err = config.ParseBoundedDuration("safety.sweep_period", cfg.Safety.SweepPeriod, out.sweepPeriod,
		config.MinLoopDuration, config.MaxLoopDuration); err != nil {
		return out, err
	}
	return out, nil
}

type simSettings struct {
	mode         robot.Mode
	enabled      bool
	packetPeriod time.Duration
}

func mapSimConfig(cfg *config.Config) (simSettings, error) {
	out := simSettings{mode: robot.ModeTeleop, packetPeriod: sim.DefaultPacketPeriod}
	if cfg == nil {
		return out, nil
	}
	mode, err := sim.ParseMode(cfg.Sim.Mode)
	if err != nil {
		return out, fmt.Errorf("sim.mode: %w", err)
	}
	out.mode = mode
	out.enabled = cfg.Sim.Enabled
	if out.packetPeriod, err = config.ParseBoundedDuration("sim.packet_period", cfg.Sim.PacketPeriod, out.packetPeriod,
		config.MinLoopDuration, config.MaxLoopDuration); err != nil {
		return out, err
	}
	return out, nil
}

// mapDiagInterval returns the repeat interval; "0s" disables limiting.
func mapDiagInterval(cfg *config.Config) (time.Duration, error) {
	if cfg == nil || strings.TrimSpace(cfg.Diag.RepeatInterval) == "" {
		return diag.DefaultInterval, nil
	}
	return config.ParseDurationField("diag.repeat_interval", cfg.Diag.RepeatInterval)
}

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	if cfg == nil {
		return logx.Config{Console: true}, nil
	}
	lc := cfg.Logging
	if !logx.ValidLevel(lc.Level) {
		return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", lc.Level)
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file", "jsonl", "cbor":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", dl)
		}
		return storage.Config{Driver: dl, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

func mapTelemetryConfig(cfg *config.Config) (telemetry.Config, error) {
	if cfg == nil {
		return telemetry.Config{}, nil
	}
	tc := cfg.Telemetry
	out := telemetry.Config{
		Enabled:         tc.Enabled,
		Schedule:        strings.TrimSpace(tc.Schedule),
		SystemdWatchdog: tc.SystemdWatchdog,
	}
	if _, err := telemetry.ParseSchedule(out.Schedule); err != nil {
		return out, err
	}
	if tz := strings.TrimSpace(tc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("telemetry.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	return out, nil
}

// mapPprofConfig validates and converts the JSON config into the service
// config. It never starts the server.
func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	var out pprof.Config
	if cfg == nil {
		return out, nil
	}
	pc := cfg.Pprof

	out.Enabled = pc.Enabled
	out.AllowInsecure = pc.AllowInsecure
	out.Token = strings.TrimSpace(pc.Token)
	out.Addr = strings.TrimSpace(pc.Addr)
	out.Prefix = strings.TrimSpace(pc.Prefix)
	if out.Addr == "" {
		out.Addr = pprof.DefaultAddr
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 disables the write timeout so long CPU profiles can stream.
	if out.WriteTimeout, err = config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if pc.MutexProfileFraction < 0 {
		return out, fmt.Errorf("pprof.mutex_profile_fraction must be >= 0")
	}
	if pc.BlockProfileRate < 0 {
		return out, fmt.Errorf("pprof.block_profile_rate must be >= 0")
	}
	if pc.MemProfileRate < 0 {
		return out, fmt.Errorf("pprof.mem_profile_rate must be >= 0")
	}
	out.MutexProfileFraction = pc.MutexProfileFraction
	out.BlockProfileRate = pc.BlockProfileRate
	out.MemProfileRate = pc.MemProfileRate

	if out.Enabled {
		host, _, err := net.SplitHostPort(out.Addr)
		if err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !isLoopbackHost(host) {
			return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func isLoopbackHost(h string) bool {
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// validateConfig rejects a config before it is committed, both at startup
// and on hot reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapRobotConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSafetyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSimConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiagInterval(cfg); err != nil {
		return err
	}
	if _, err := mapLoggingConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelemetryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}
